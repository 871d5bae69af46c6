// Package spatial classifies pairs of detections within one image into relation
// kinds such as containment, adjacency, proximity and co-occurrence.
package spatial

import (
	"fmt"
	"sort"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

// Kind labels a relation between two detections.
type Kind string

const (
	Contains   Kind = "contains"
	AdjacentTo Kind = "adjacent_to"
	Near       Kind = "near"
	CoOccurs   Kind = "co_occurs"
	LocatedOn  Kind = "located_on"
)

// Kinds lists every kind in output order.
var Kinds = []Kind{Contains, LocatedOn, AdjacentTo, Near, CoOccurs}

// Symmetric reports whether kind(a, b) implies kind(b, a). Symmetric kinds are
// emitted once per unordered pair: adjacency and proximity take the lower index
// as subject, co-occurrence takes the class that sorts first.
func (k Kind) Symmetric() bool {
	return k == AdjacentTo || k == Near || k == CoOccurs
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) order() int {
	for i, known := range Kinds {
		if k == known {
			return i
		}
	}
	return len(Kinds)
}

// ClassPair is an ordered (subject, object) pair of class names.
type ClassPair struct {
	Subject string `json:"subject" yaml:"subject"`
	Object  string `json:"object" yaml:"object"`
}

func (p ClassPair) String() string { return p.Subject + "|" + p.Object }

// Item is the geometric view of one detection.
type Item struct {
	Index      int
	Class      string
	Shape      geometry.Shape
	Confidence float64
}

// ItemsFromDetections adapts raw detections.
func ItemsFromDetections(ds []detection.Detection) []Item {
	items := make([]Item, len(ds))
	for i, d := range ds {
		items[i] = Item{Index: d.Index, Class: d.ClassName, Shape: d.Shape, Confidence: d.Confidence}
	}
	return items
}

// ItemsFromAdjusted adapts rule-adjusted detections, using the adjusted confidence.
func ItemsFromAdjusted(as []detection.Adjusted) []Item {
	items := make([]Item, len(as))
	for i, a := range as {
		items[i] = Item{Index: a.Index, Class: a.ClassName, Shape: a.Shape, Confidence: a.AdjustedConfidence}
	}
	return items
}

// Relation is one classified pair.
type Relation struct {
	Kind         Kind    `json:"kind"`
	ImageID      string  `json:"image_id"`
	SubjectID    int     `json:"subject_id"`
	ObjectID     int     `json:"object_id"`
	SubjectClass string  `json:"subject_class"`
	ObjectClass  string  `json:"object_class"`
	Strength     float64 `json:"strength"`

	// Distance is the centroid distance in pixels.
	Distance float64 `json:"distance"`

	// Direction is where the subject lies relative to the object.
	Direction geometry.Direction `json:"direction"`
}

// Options sets the pixel thresholds and filters used by the Extractor.
type Options struct {
	// AdjacencyPx is the edge-to-edge gap below which two shapes are adjacent.
	AdjacencyPx float64 `yaml:"adjacency_px" json:"adjacency_px"`

	// NearPx is the centroid distance below which two shapes are near.
	NearPx float64 `yaml:"near_px" json:"near_px"`

	// LocatedOnRatio is the share of the subject's area that must overlap the
	// object for located_on.
	LocatedOnRatio float64 `yaml:"located_on_ratio" json:"located_on_ratio"`

	// CoOccurStrength is the constant strength of co_occurs relations.
	CoOccurStrength float64 `yaml:"co_occur_strength" json:"co_occur_strength"`

	// Kinds restricts extraction to the listed kinds. Empty means all.
	Kinds []Kind `yaml:"kinds" json:"kinds,omitempty"`

	// Allowed restricts a kind to the listed class pairs. Kinds without an
	// entry accept every pair.
	Allowed map[Kind][]ClassPair `yaml:"allowed" json:"allowed,omitempty"`
}

// DefaultOptions returns the thresholds used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		AdjacencyPx:     10,
		NearPx:          100,
		LocatedOnRatio:  0.5,
		CoOccurStrength: 0.25,
	}
}

// Validate checks threshold ranges and kind names.
func (o Options) Validate() error {
	if o.AdjacencyPx < 0 {
		return fmt.Errorf("adjacency threshold %v must be >= 0", o.AdjacencyPx)
	}
	if o.NearPx < 0 {
		return fmt.Errorf("near threshold %v must be >= 0", o.NearPx)
	}
	if !(o.LocatedOnRatio > 0 && o.LocatedOnRatio <= 1) {
		return fmt.Errorf("located_on ratio %v outside (0, 1]", o.LocatedOnRatio)
	}
	if o.CoOccurStrength < 0 || o.CoOccurStrength > 1 {
		return fmt.Errorf("co_occurs strength %v outside [0, 1]", o.CoOccurStrength)
	}
	for _, k := range o.Kinds {
		if !k.Valid() {
			return fmt.Errorf("unknown relation kind %q", k)
		}
	}
	for k := range o.Allowed {
		if !k.Valid() {
			return fmt.Errorf("unknown relation kind %q in allowed pairs", k)
		}
	}
	return nil
}

// Extractor classifies detection pairs. It holds no per-image state and is
// safe for concurrent use.
type Extractor struct {
	opts    Options
	enabled map[Kind]bool
	allowed map[Kind]map[ClassPair]bool
}

// NewExtractor validates opts and builds an Extractor.
func NewExtractor(opts Options) (*Extractor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	e := &Extractor{
		opts:    opts,
		enabled: make(map[Kind]bool),
		allowed: make(map[Kind]map[ClassPair]bool),
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = Kinds
	}
	for _, k := range kinds {
		e.enabled[k] = true
	}
	for k, pairs := range opts.Allowed {
		set := make(map[ClassPair]bool, len(pairs))
		for _, p := range pairs {
			set[p] = true
			if k.Symmetric() {
				set[ClassPair{Subject: p.Object, Object: p.Subject}] = true
			}
		}
		e.allowed[k] = set
	}
	return e, nil
}

// Options returns the extractor's configuration.
func (e *Extractor) Options() Options { return e.opts }

func (e *Extractor) permits(k Kind, subject, object string) bool {
	if !e.enabled[k] {
		return false
	}
	set, ok := e.allowed[k]
	if !ok {
		return true
	}
	return set[ClassPair{Subject: subject, Object: object}]
}

// Extract classifies every unordered pair of items from one image.
//
// A pair may receive several kinds. contains and located_on are directional
// and never emitted in both directions for one pair; the symmetric kinds are
// emitted once with the lower index as subject. Self-pairs are never emitted.
// The result is sorted by kind, subject and object.
func (e *Extractor) Extract(imageID string, items []Item) []Relation {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var out []Relation
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if a.Index == b.Index {
				continue
			}
			out = append(out, e.classifyPair(imageID, a, b)...)
		}
	}
	out = append(out, e.coOccurrences(imageID, sorted)...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind.order() < out[j].Kind.order()
		}
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].ObjectID < out[j].ObjectID
	})
	return out
}

func (e *Extractor) relation(k Kind, imageID string, s, o Item, strength float64) Relation {
	return Relation{
		Kind:         k,
		ImageID:      imageID,
		SubjectID:    s.Index,
		ObjectID:     o.Index,
		SubjectClass: s.Class,
		ObjectClass:  o.Class,
		Strength:     clamp01(strength),
		Distance:     geometry.Distance(s.Shape, o.Shape),
		Direction:    geometry.DirectionalRelation(s.Shape, o.Shape),
	}
}

// container picks which of a, b (a.Index < b.Index) acts as the container when
// both cover each other: the larger area, else the lower index.
func container(a, b Item) (Item, Item) {
	if b.Shape.Area() > a.Shape.Area() {
		return b, a
	}
	return a, b
}

func (e *Extractor) classifyPair(imageID string, a, b Item) []Relation {
	var out []Relation
	if !a.Shape.Valid() || !b.Shape.Valid() {
		return nil
	}

	// contains
	covAB, covBA := geometry.Coverage(a.Shape, b.Shape), geometry.Coverage(b.Shape, a.Shape)
	abContains := covAB >= geometry.ContainmentRatio
	baContains := covBA >= geometry.ContainmentRatio
	containing := abContains || baContains
	if containing {
		outer, inner := a, b
		cov := covAB
		switch {
		case abContains && baContains:
			outer, inner = container(a, b)
			cov = geometry.Coverage(outer.Shape, inner.Shape)
		case baContains:
			outer, inner, cov = b, a, covBA
		}
		if e.permits(Contains, outer.Class, inner.Class) {
			out = append(out, e.relation(Contains, imageID, outer, inner, cov))
		}
	}

	// located_on: subject overlaps object by at least LocatedOnRatio of the
	// subject's own area. covBA is the share of a inside b.
	aOnB := covBA >= e.opts.LocatedOnRatio
	bOnA := covAB >= e.opts.LocatedOnRatio
	if aOnB || bOnA {
		subj, obj, ratio := a, b, covBA
		switch {
		case aOnB && bOnA:
			big, small := container(a, b)
			subj, obj, ratio = small, big, geometry.Coverage(big.Shape, small.Shape)
		case bOnA:
			subj, obj, ratio = b, a, covAB
		}
		if e.permits(LocatedOn, subj.Class, obj.Class) {
			out = append(out, e.relation(LocatedOn, imageID, subj, obj, ratio))
		}
	}

	// adjacent_to
	adjacent := false
	if !containing {
		gap := geometry.EdgeDistance(a.Shape, b.Shape)
		if gap < e.opts.AdjacencyPx {
			adjacent = true
			if e.permits(AdjacentTo, a.Class, b.Class) {
				out = append(out, e.relation(AdjacentTo, imageID, a, b, 1-gap/e.opts.AdjacencyPx))
			}
		}
	}

	// near
	if !containing && !adjacent {
		dist := geometry.Distance(a.Shape, b.Shape)
		if dist < e.opts.NearPx && e.permits(Near, a.Class, b.Class) {
			out = append(out, e.relation(Near, imageID, a, b, 1-dist/e.opts.NearPx))
		}
	}
	return out
}

// coOccurrences emits one co_occurs relation per distinct unordered class pair,
// linking the first instances of each class. A same-class pair needs two
// instances.
func (e *Extractor) coOccurrences(imageID string, items []Item) []Relation {
	if !e.enabled[CoOccurs] {
		return nil
	}
	first := make(map[string][]Item)
	var classes []string
	for _, it := range items {
		if _, ok := first[it.Class]; !ok {
			classes = append(classes, it.Class)
		}
		if len(first[it.Class]) < 2 {
			first[it.Class] = append(first[it.Class], it)
		}
	}
	sort.Strings(classes)

	var out []Relation
	for i, ca := range classes {
		for _, cb := range classes[i:] {
			var s, o Item
			if ca == cb {
				if len(first[ca]) < 2 {
					continue
				}
				s, o = first[ca][0], first[ca][1]
			} else {
				s, o = first[ca][0], first[cb][0]
			}
			if !e.permits(CoOccurs, s.Class, o.Class) {
				continue
			}
			r := e.relation(CoOccurs, imageID, s, o, e.opts.CoOccurStrength)
			out = append(out, r)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
