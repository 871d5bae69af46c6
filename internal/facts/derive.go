package facts

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// Relation names generated by Derive besides the spatial kinds.
const (
	IsA    = "is_a"
	Inside = "inside"
)

// Input is everything known about one image before rules run.
type Input struct {
	Detections []detection.Detection
	Relations  []spatial.Relation
	Zones      []spatial.ZoneRelation

	// Static facts, such as a corpus category graph loaded with LoadStatic,
	// are appended unchanged.
	Static []Fact
}

// Derive builds and seals the fact base for one image:
//
//   - is_a(det, class) per detection, with confidence, area and class_id
//   - kind(det, class) and kind(det, det) per spatial relation with strength,
//     distance and diag_ratio (distance over the mean box diagonal), both ways for
//     symmetric kinds; contains(a, b) also yields inside(b, class(a))
//   - left_of/right_of/above/below(det, class) for every non-co-occurrence relation
//   - co_occurs(class, class) per class pair, both ways, with the pair count
//   - inside/overlaps/near(det, zone) and directions against zones
//   - static facts
func Derive(in Input) *Base {
	b := NewBase()
	add := func(f Fact) { _ = b.Append(f) }

	for _, d := range in.Detections {
		add(Fact{
			Relation: IsA,
			Subject:  Det(d.Index),
			Object:   Cat(d.ClassName),
			Attrs: map[string]float64{
				"confidence": d.Confidence,
				"area":       d.Shape.Area(),
				"class_id":   float64(d.ClassID),
			},
		})
	}

	classCounts := make(map[string]int)
	diagonals := make(map[int]float64, len(in.Detections))
	for _, d := range in.Detections {
		classCounts[d.ClassName]++
		diagonals[d.Index] = geometry.Diagonal(d.Shape)
	}

	for _, r := range in.Relations {
		if r.Kind == spatial.CoOccurs {
			addCoOccurrence(add, r, classCounts)
			continue
		}
		// diag_ratio is the centroid distance in units of the pair's mean
		// bounding-box diagonal, so proximity rules hold across object scales.
		diagRatio := -1.0
		if mean := (diagonals[r.SubjectID] + diagonals[r.ObjectID]) / 2; mean > 0 {
			diagRatio = r.Distance / mean
		}
		attrs := func(other int) map[string]float64 {
			m := map[string]float64{"strength": r.Strength, "distance": r.Distance, "object": float64(other)}
			if diagRatio >= 0 {
				m["diag_ratio"] = diagRatio
			}
			return m
		}
		s, o := Det(r.SubjectID), Det(r.ObjectID)
		add(Fact{Relation: string(r.Kind), Subject: s, Object: Cat(r.ObjectClass), Attrs: attrs(r.ObjectID)})
		add(Fact{Relation: string(r.Kind), Subject: s, Object: o, Attrs: attrs(r.ObjectID)})
		if r.Kind.Symmetric() {
			add(Fact{Relation: string(r.Kind), Subject: o, Object: Cat(r.SubjectClass), Attrs: attrs(r.SubjectID)})
			add(Fact{Relation: string(r.Kind), Subject: o, Object: s, Attrs: attrs(r.SubjectID)})
		}
		if r.Kind == spatial.Contains {
			add(Fact{Relation: Inside, Subject: o, Object: Cat(r.SubjectClass), Attrs: attrs(r.SubjectID)})
		}
		if r.Direction != geometry.None {
			add(Fact{Relation: r.Direction.String(), Subject: s, Object: Cat(r.ObjectClass), Attrs: attrs(r.ObjectID)})
			add(Fact{Relation: opposite(r.Direction).String(), Subject: o, Object: Cat(r.SubjectClass), Attrs: attrs(r.SubjectID)})
		}
	}

	for _, z := range in.Zones {
		attrs := map[string]float64{"strength": z.Strength, "gap": z.Gap}
		add(Fact{Relation: string(z.Kind), Subject: Det(z.Index), Object: Cat(z.Zone), Attrs: attrs})
		if z.Direction != geometry.None {
			add(Fact{Relation: z.Direction.String(), Subject: Det(z.Index), Object: Cat(z.Zone), Attrs: attrs})
		}
	}

	for _, f := range in.Static {
		add(f)
	}
	return b.Seal()
}

func addCoOccurrence(add func(Fact), r spatial.Relation, counts map[string]int) {
	a, c := r.SubjectClass, r.ObjectClass
	pairs := counts[a] * counts[c]
	if a == c {
		pairs = counts[a] * (counts[a] - 1) / 2
	}
	attrs := map[string]float64{"count": float64(pairs), "strength": r.Strength}
	add(Fact{Relation: string(spatial.CoOccurs), Subject: Cat(a), Object: Cat(c), Attrs: attrs})
	if a != c {
		add(Fact{Relation: string(spatial.CoOccurs), Subject: Cat(c), Object: Cat(a), Attrs: attrs})
	}
}

func opposite(d geometry.Direction) geometry.Direction {
	switch d {
	case geometry.LeftOf:
		return geometry.RightOf
	case geometry.RightOf:
		return geometry.LeftOf
	case geometry.Above:
		return geometry.Below
	case geometry.Below:
		return geometry.Above
	}
	return geometry.None
}

// LoadStatic reads a category facts export, one
// "relation_kind,subject_category,object_category,count" row per fact, with an
// optional header row.
func LoadStatic(r io.Reader) ([]Fact, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out []Fact
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read static facts: %w", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "relation_kind") {
			continue
		}
		count, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("static fact line %d: invalid count %q", line, rec[3])
		}
		if rec[0] == "" || rec[1] == "" || rec[2] == "" {
			return nil, fmt.Errorf("static fact line %d: empty field", line)
		}
		out = append(out, Fact{
			Relation: rec[0],
			Subject:  Cat(rec[1]),
			Object:   Cat(rec[2]),
			Attrs:    map[string]float64{"count": count},
		})
	}
	return out, nil
}

// LoadStaticFile reads static facts from path.
func LoadStaticFile(path string) ([]Fact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open static facts: %w", err)
	}
	defer f.Close()
	return LoadStatic(f)
}
