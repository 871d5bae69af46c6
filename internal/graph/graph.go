// Package graph aggregates spatial relations into knowledge graphs.
//
// Two views are maintained. The instance graph of one image has a node per
// detection and an edge per relation; it is meant for inspecting a single
// image. The category graph spans the whole corpus: one node per observed
// class label and one edge per (kind, subject category, object category)
// carrying the number of relations folded into it and their mean strength.
package graph

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ironsheep/detection-reasoner/internal/logging"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// Node is one detection instance.
type Node struct {
	Index      int     `json:"index"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// InstanceGraph is the relation graph of a single image.
type InstanceGraph struct {
	ImageID string             `json:"image_id"`
	Nodes   []Node             `json:"nodes"`
	Edges   []spatial.Relation `json:"edges"`
}

// CategoryPair is an ordered pair of class labels. Symmetric kinds are stored
// with the labels sorted.
type CategoryPair struct {
	Subject string `json:"subject"`
	Object  string `json:"object"`
}

// EdgeStats is the aggregate of every relation folded into one category edge.
type EdgeStats struct {
	Count       int     `json:"count"`
	AvgStrength float64 `json:"avg_strength"`
}

// CategoryEdge is one aggregated edge of the category graph.
type CategoryEdge struct {
	Kind    spatial.Kind `json:"kind"`
	Subject string       `json:"subject"`
	Object  string       `json:"object"`
	EdgeStats
}

// CategoryGraph is the corpus-level view.
type CategoryGraph struct {
	Nodes []string       `json:"nodes"`
	Edges []CategoryEdge `json:"edges"`
}

// AggregationConflictError reports relations that cannot belong to the image
// they were submitted for.
type AggregationConflictError struct {
	ImageID string
	Reason  string
}

func (e *AggregationConflictError) Error() string {
	return fmt.Sprintf("aggregation conflict for image %s: %s", e.ImageID, e.Reason)
}

type imageEntry struct {
	nodes     map[int]Node
	order     []int
	relations []spatial.Relation
	skipped   int
}

// Builder folds per-image relations into the graph views. All methods are
// safe for concurrent use.
type Builder struct {
	mu     sync.Mutex
	images map[string]*imageEntry
	logger log.FieldLogger
}

// NewBuilder returns an empty Builder. A nil logger discards output.
func NewBuilder(logger log.FieldLogger) *Builder {
	return &Builder{images: make(map[string]*imageEntry), logger: logging.OrDiscard(logger)}
}

// RegisterImage declares imageID and its detection nodes. Registering an
// image again replaces its nodes and drops its relations.
func (b *Builder) RegisterImage(imageID string, nodes []Node) {
	e := &imageEntry{nodes: make(map[int]Node, len(nodes))}
	for _, n := range nodes {
		if _, dup := e.nodes[n.Index]; !dup {
			e.order = append(e.order, n.Index)
		}
		e.nodes[n.Index] = n
	}
	sort.Ints(e.order)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[imageID] = e
}

// AddImageRelations replaces the relations contributed by imageID. Calling it
// twice with the same relations leaves the graph unchanged.
//
// Every relation must carry imageID and reference registered nodes; otherwise
// an *AggregationConflictError is returned and the previous contribution is
// kept. Self-loops and unknown kinds are skipped.
func (b *Builder) AddImageRelations(imageID string, relations []spatial.Relation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.images[imageID]
	if !ok {
		return &AggregationConflictError{ImageID: imageID, Reason: "image not registered"}
	}

	kept := make([]spatial.Relation, 0, len(relations))
	skipped := 0
	for _, r := range relations {
		if r.ImageID != imageID {
			return &AggregationConflictError{ImageID: imageID, Reason: fmt.Sprintf("relation belongs to image %s", r.ImageID)}
		}
		if _, ok := e.nodes[r.SubjectID]; !ok {
			return &AggregationConflictError{ImageID: imageID, Reason: fmt.Sprintf("unknown subject node %d", r.SubjectID)}
		}
		if _, ok := e.nodes[r.ObjectID]; !ok {
			return &AggregationConflictError{ImageID: imageID, Reason: fmt.Sprintf("unknown object node %d", r.ObjectID)}
		}
		if r.SubjectID == r.ObjectID || !r.Kind.Valid() {
			skipped++
			continue
		}
		kept = append(kept, r)
	}

	if skipped > 0 {
		b.logger.WithFields(log.Fields{"image": imageID, "skipped": skipped}).Warn("Skipped self-loop or unknown relations")
	}
	e.relations = kept
	e.skipped = skipped
	return nil
}

// Images returns the registered image ids, sorted.
func (b *Builder) Images() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedImages()
}

func (b *Builder) sortedImages() []string {
	ids := make([]string, 0, len(b.images))
	for id := range b.images {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Skipped returns the number of relations skipped across the current
// contributions.
func (b *Builder) Skipped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.images {
		n += e.skipped
	}
	return n
}

// InstanceGraph returns the graph of one image.
func (b *Builder) InstanceGraph(imageID string) (InstanceGraph, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.images[imageID]
	if !ok {
		return InstanceGraph{}, false
	}
	g := InstanceGraph{ImageID: imageID, Nodes: make([]Node, 0, len(e.order))}
	for _, idx := range e.order {
		g.Nodes = append(g.Nodes, e.nodes[idx])
	}
	g.Edges = append([]spatial.Relation{}, e.relations...)
	return g, true
}

type edgeKey struct {
	kind spatial.Kind
	pair CategoryPair
}

type accum struct {
	count int
	sum   float64
}

func categoryKey(r spatial.Relation) edgeKey {
	p := CategoryPair{Subject: r.SubjectClass, Object: r.ObjectClass}
	if r.Kind.Symmetric() && p.Object < p.Subject {
		p.Subject, p.Object = p.Object, p.Subject
	}
	return edgeKey{kind: r.Kind, pair: p}
}

// aggregate folds every image in id order so float sums are reproducible.
func (b *Builder) aggregate() (map[edgeKey]*accum, []string) {
	acc := make(map[edgeKey]*accum)
	classes := make(map[string]struct{})
	for _, id := range b.sortedImages() {
		e := b.images[id]
		for _, idx := range e.order {
			classes[e.nodes[idx].Class] = struct{}{}
		}
		for _, r := range e.relations {
			k := categoryKey(r)
			a, ok := acc[k]
			if !ok {
				a = &accum{}
				acc[k] = a
			}
			a.count++
			if r.Strength > 0 {
				a.sum += r.Strength
			}
		}
	}
	names := make([]string, 0, len(classes))
	for c := range classes {
		names = append(names, c)
	}
	sort.Strings(names)
	return acc, names
}

func (a *accum) stats() EdgeStats {
	s := EdgeStats{Count: a.count}
	if a.count > 0 {
		s.AvgStrength = a.sum / float64(a.count)
	}
	return s
}

// CategoryGraph returns the corpus-level graph. Edges are ordered by kind,
// subject and object.
func (b *Builder) CategoryGraph() CategoryGraph {
	b.mu.Lock()
	acc, names := b.aggregate()
	b.mu.Unlock()

	g := CategoryGraph{Nodes: names, Edges: make([]CategoryEdge, 0, len(acc))}
	for k, a := range acc {
		g.Edges = append(g.Edges, CategoryEdge{Kind: k.kind, Subject: k.pair.Subject, Object: k.pair.Object, EdgeStats: a.stats()})
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		x, y := g.Edges[i], g.Edges[j]
		if x.Kind != y.Kind {
			return x.Kind < y.Kind
		}
		if x.Subject != y.Subject {
			return x.Subject < y.Subject
		}
		return x.Object < y.Object
	})
	return g
}

// CategoryStatistics returns the category edges grouped by kind.
func (b *Builder) CategoryStatistics() map[spatial.Kind]map[CategoryPair]EdgeStats {
	b.mu.Lock()
	acc, _ := b.aggregate()
	b.mu.Unlock()

	out := make(map[spatial.Kind]map[CategoryPair]EdgeStats)
	for k, a := range acc {
		m, ok := out[k.kind]
		if !ok {
			m = make(map[CategoryPair]EdgeStats)
			out[k.kind] = m
		}
		m[k.pair] = a.stats()
	}
	return out
}
