package spatial

import (
	"strings"
	"testing"

	"github.com/ironsheep/detection-reasoner/internal/geometry"
)

func item(idx int, class string, b geometry.Box) Item {
	return Item{Index: idx, Class: class, Shape: b, Confidence: 0.9}
}

func mustExtractor(t *testing.T, opts Options) *Extractor {
	t.Helper()
	e, err := NewExtractor(opts)
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}
	return e
}

func kinds(rels []Relation) map[Kind][]Relation {
	out := make(map[Kind][]Relation)
	for _, r := range rels {
		out[r.Kind] = append(out[r.Kind], r)
	}
	return out
}

func TestExtract_PairKinds(t *testing.T) {
	tests := []struct {
		name string
		a, b Item
		want []Kind
	}{
		{
			name: "contains",
			a:    item(0, "harbor", geometry.Box{X1: 0, Y1: 0, X2: 200, Y2: 200}),
			b:    item(1, "ship", geometry.Box{X1: 50, Y1: 50, X2: 80, Y2: 80}),
			want: []Kind{Contains, LocatedOn, CoOccurs},
		},
		{
			name: "adjacent",
			a:    item(0, "ship", geometry.Box{X1: 0, Y1: 0, X2: 50, Y2: 50}),
			b:    item(1, "ship", geometry.Box{X1: 55, Y1: 0, X2: 100, Y2: 50}),
			want: []Kind{AdjacentTo, CoOccurs},
		},
		{
			name: "near",
			a:    item(0, "plane", geometry.Box{X1: 0, Y1: 0, X2: 20, Y2: 20}),
			b:    item(1, "helicopter", geometry.Box{X1: 60, Y1: 0, X2: 80, Y2: 20}),
			want: []Kind{Near, CoOccurs},
		},
		{
			name: "far apart",
			a:    item(0, "plane", geometry.Box{X1: 0, Y1: 0, X2: 20, Y2: 20}),
			b:    item(1, "ship", geometry.Box{X1: 500, Y1: 500, X2: 520, Y2: 520}),
			want: []Kind{CoOccurs},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := mustExtractor(t, DefaultOptions())
			rels := e.Extract("img", []Item{tt.a, tt.b})
			got := kinds(rels)
			if len(got) != len(tt.want) {
				t.Fatalf("kinds: got %v, want %v", rels, tt.want)
			}
			for _, k := range tt.want {
				if len(got[k]) != 1 {
					t.Errorf("%s: got %d relations, want 1", k, len(got[k]))
				}
			}
			for _, r := range rels {
				if r.ImageID != "img" {
					t.Errorf("ImageID: got %s", r.ImageID)
				}
				if r.SubjectID == r.ObjectID {
					t.Errorf("self pair emitted: %+v", r)
				}
				if r.Strength < 0 || r.Strength > 1 {
					t.Errorf("strength out of range: %+v", r)
				}
			}
		})
	}
}

func TestExtract_ContainsDirection(t *testing.T) {
	e := mustExtractor(t, DefaultOptions())
	inner := item(0, "ship", geometry.Box{X1: 50, Y1: 50, X2: 80, Y2: 80})
	outer := item(1, "harbor", geometry.Box{X1: 0, Y1: 0, X2: 200, Y2: 200})

	rels := kinds(e.Extract("img", []Item{inner, outer}))
	c := rels[Contains]
	if len(c) != 1 || c[0].SubjectID != 1 || c[0].ObjectID != 0 {
		t.Fatalf("contains: got %+v, want harbor(1) contains ship(0)", c)
	}
	on := rels[LocatedOn]
	if len(on) != 1 || on[0].SubjectID != 0 || on[0].ObjectID != 1 {
		t.Errorf("located_on: got %+v, want ship(0) on harbor(1)", on)
	}
}

func TestExtract_NoMutualContainment(t *testing.T) {
	e := mustExtractor(t, DefaultOptions())
	a := item(0, "ship", geometry.Box{X1: 0, Y1: 0, X2: 100, Y2: 100})
	b := item(1, "ship", geometry.Box{X1: 0, Y1: 0, X2: 100, Y2: 99})

	rels := kinds(e.Extract("img", []Item{a, b}))
	if len(rels[Contains]) != 1 {
		t.Fatalf("contains: got %d relations, want 1", len(rels[Contains]))
	}
	if rels[Contains][0].SubjectID != 0 {
		t.Errorf("larger box should contain: got subject %d", rels[Contains][0].SubjectID)
	}
	if len(rels[LocatedOn]) != 1 {
		t.Errorf("located_on: got %d relations, want 1", len(rels[LocatedOn]))
	}
	if len(rels[AdjacentTo]) != 0 || len(rels[Near]) != 0 {
		t.Errorf("containment should exclude adjacency and proximity: %+v", rels)
	}
}

func TestExtract_SymmetricSingleRecord(t *testing.T) {
	e := mustExtractor(t, DefaultOptions())
	a := item(3, "ship", geometry.Box{X1: 55, Y1: 0, X2: 100, Y2: 50})
	b := item(1, "ship", geometry.Box{X1: 0, Y1: 0, X2: 50, Y2: 50})

	forward := e.Extract("img", []Item{a, b})
	backward := e.Extract("img", []Item{b, a})
	if len(forward) != len(backward) {
		t.Fatalf("input order changed output: %v vs %v", forward, backward)
	}
	for i := range forward {
		if forward[i] != backward[i] {
			t.Errorf("relation %d differs: %+v vs %+v", i, forward[i], backward[i])
		}
	}
	adj := kinds(forward)[AdjacentTo]
	if len(adj) != 1 || adj[0].SubjectID != 1 || adj[0].ObjectID != 3 {
		t.Errorf("adjacent_to: got %+v", adj)
	}
	if adj[0].Direction != geometry.LeftOf {
		t.Errorf("Direction: got %v, want left_of", adj[0].Direction)
	}
}

func TestExtract_CoOccursOncePerClassPair(t *testing.T) {
	e := mustExtractor(t, Options{AdjacencyPx: 1, NearPx: 1, LocatedOnRatio: 0.5, CoOccurStrength: 0.25})
	var items []Item
	for i := 0; i < 3; i++ {
		items = append(items, item(i, "ship", geometry.Box{X1: float64(i * 100), Y1: 0, X2: float64(i*100 + 10), Y2: 10}))
	}
	items = append(items, item(3, "harbor", geometry.Box{X1: 0, Y1: 500, X2: 10, Y2: 510}))
	items = append(items, item(4, "plane", geometry.Box{X1: 300, Y1: 500, X2: 310, Y2: 510}))

	co := kinds(e.Extract("img", items))[CoOccurs]
	var pairs []string
	for _, r := range co {
		pairs = append(pairs, r.SubjectClass+"-"+r.ObjectClass)
		if r.Strength != 0.25 {
			t.Errorf("strength: got %v, want 0.25", r.Strength)
		}
	}
	got := strings.Join(pairs, ",")
	// Sorted by subject then object index.
	want := "ship-ship,harbor-ship,harbor-plane,plane-ship"
	if got != want {
		t.Errorf("co_occurs: got %s, want %s", got, want)
	}

	single := kinds(e.Extract("img", items[3:4]))[CoOccurs]
	if len(single) != 0 {
		t.Errorf("single detection should not co-occur: %+v", single)
	}
}

func TestExtract_AllowedPairs(t *testing.T) {
	opts := DefaultOptions()
	opts.Allowed = map[Kind][]ClassPair{
		Near: {{Subject: "helicopter", Object: "plane"}},
	}
	e := mustExtractor(t, opts)

	a := item(0, "plane", geometry.Box{X1: 0, Y1: 0, X2: 20, Y2: 20})
	b := item(1, "helicopter", geometry.Box{X1: 60, Y1: 0, X2: 80, Y2: 20})
	c := item(2, "ship", geometry.Box{X1: 0, Y1: 60, X2: 20, Y2: 80})

	near := kinds(e.Extract("img", []Item{a, b, c}))[Near]
	if len(near) != 1 || near[0].SubjectID != 0 || near[0].ObjectID != 1 {
		t.Errorf("near: got %+v, want only plane-helicopter", near)
	}
}

func TestExtract_Empty(t *testing.T) {
	e := mustExtractor(t, DefaultOptions())
	if rels := e.Extract("img", nil); len(rels) != 0 {
		t.Errorf("got %v, want none", rels)
	}
}

func TestOptions_Validate(t *testing.T) {
	bad := []Options{
		{AdjacencyPx: -1, NearPx: 10, LocatedOnRatio: 0.5},
		{AdjacencyPx: 1, NearPx: 10, LocatedOnRatio: 0},
		{AdjacencyPx: 1, NearPx: 10, LocatedOnRatio: 0.5, Kinds: []Kind{"touches"}},
		{AdjacencyPx: 1, NearPx: 10, LocatedOnRatio: 0.5, CoOccurStrength: 2},
	}
	for i, o := range bad {
		if _, err := NewExtractor(o); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestExtractZones(t *testing.T) {
	e := mustExtractor(t, DefaultOptions())
	runway := Zone{Name: "runway", Shape: geometry.Box{X1: 0, Y1: 100, X2: 1000, Y2: 150}}
	items := []Item{
		item(0, "plane", geometry.Box{X1: 100, Y1: 110, X2: 130, Y2: 140}), // inside
		item(1, "plane", geometry.Box{X1: 485, Y1: 160, X2: 515, Y2: 190}), // 10px below
		item(2, "plane", geometry.Box{X1: 500, Y1: 140, X2: 530, Y2: 170}), // straddles edge
		item(3, "ship", geometry.Box{X1: 0, Y1: 800, X2: 30, Y2: 830}),     // far
	}

	rels := e.ExtractZones("img", items, []Zone{runway})
	if len(rels) != 3 {
		t.Fatalf("got %d relations, want 3: %+v", len(rels), rels)
	}
	want := []ZoneKind{Inside, NearZone, Overlaps}
	for i, r := range rels {
		if r.Kind != want[i] || r.Index != i {
			t.Errorf("relation %d: got %s(%d), want %s(%d)", i, r.Kind, r.Index, want[i], i)
		}
	}
	if rels[1].Gap != 10 || rels[1].Direction != geometry.Below {
		t.Errorf("near relation: got %+v", rels[1])
	}
}

func TestLoadZones(t *testing.T) {
	input := `
zones:
  - name: runway
    box: [0, 100, 1000, 150]
  - name: dock
    image: P0002
    polygon: [[0, 0], [10, 0], [10, 10], [0, 10]]
`
	set, err := LoadZones(strings.NewReader(input))
	if err != nil {
		t.Fatalf("LoadZones failed: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", set.Len())
	}
	if got := set.ForImage("P0001"); len(got) != 1 || got[0].Name != "runway" {
		t.Errorf("ForImage(P0001): got %+v", got)
	}
	if got := set.ForImage("P0002"); len(got) != 2 || got[0].Name != "dock" {
		t.Errorf("ForImage(P0002): got %+v", got)
	}

	bad := []string{
		"zones:\n  - box: [0, 0, 1, 1]\n",
		"zones:\n  - name: x\n    box: [0, 0, 1]\n",
		"zones:\n  - name: x\n    box: [0, 0, 0, 1]\n",
		"zones:\n  - name: x\n    shape: square\n",
	}
	for i, in := range bad {
		if _, err := LoadZones(strings.NewReader(in)); err == nil {
			t.Errorf("bad input %d: expected error", i)
		}
	}
}
