package facts

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

func TestTermOrder(t *testing.T) {
	tests := []struct {
		a, b Term
		want bool
	}{
		{Cat("harbor"), Cat("ship"), true},
		{Cat("ship"), Cat("harbor"), false},
		{Cat("zzz"), Det(0), true},
		{Det(0), Cat("aaa"), false},
		{Det(2), Det(10), true},
	}
	for _, tt := range tests {
		if got := tt.a.Less(tt.b); got != tt.want {
			t.Errorf("%v < %v: got %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
	if Det(3).String() != "det_3" || Cat("plane").String() != "plane" {
		t.Errorf("String: got %q and %q", Det(3), Cat("plane"))
	}
}

func TestBaseSealOrdersAndFreezes(t *testing.T) {
	b := NewBase()
	for _, f := range []Fact{
		{Relation: "near", Subject: Det(1), Object: Det(0)},
		{Relation: "is_a", Subject: Det(1), Object: Cat("ship")},
		{Relation: "near", Subject: Det(0), Object: Det(1)},
		{Relation: "is_a", Subject: Det(0), Object: Cat("ship")},
	} {
		if err := b.Append(f); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := b.Append(Fact{}); err == nil {
		t.Error("Append without relation succeeded")
	}

	b.Seal()
	var got []string
	for _, f := range b.All() {
		got = append(got, f.String())
	}
	want := "is_a(det_0, ship) is_a(det_1, ship) near(det_0, det_1) near(det_1, det_0)"
	if strings.Join(got, " ") != want {
		t.Errorf("sealed order: got %q, want %q", strings.Join(got, " "), want)
	}
	if err := b.Append(Fact{Relation: "x"}); !errors.Is(err, ErrSealed) {
		t.Errorf("Append after seal: got %v, want ErrSealed", err)
	}
	if !b.Sealed() || b.Len() != 4 {
		t.Errorf("sealed=%v len=%d", b.Sealed(), b.Len())
	}
	if rels := b.Relations(); strings.Join(rels, ",") != "is_a,near" {
		t.Errorf("relations: got %v", rels)
	}
}

func TestBaseMatch(t *testing.T) {
	b := NewBase()
	_ = b.Append(Fact{Relation: "near", Subject: Det(0), Object: Det(1)})
	_ = b.Append(Fact{Relation: "near", Subject: Det(0), Object: Cat("harbor")})
	_ = b.Append(Fact{Relation: "near", Subject: Det(2), Object: Cat("harbor")})
	b.Seal()

	d0, harbor := Det(0), Cat("harbor")
	tests := []struct {
		name    string
		subject *Term
		object  *Term
		want    int
	}{
		{"any", nil, nil, 3},
		{"by subject", &d0, nil, 2},
		{"by object", nil, &harbor, 2},
		{"both", &d0, &harbor, 1},
	}
	for _, tt := range tests {
		if got := len(b.Match("near", tt.subject, tt.object)); got != tt.want {
			t.Errorf("%s: got %d facts, want %d", tt.name, got, tt.want)
		}
	}
	if got := b.Match("contains", nil, nil); len(got) != 0 {
		t.Errorf("unknown relation: got %v", got)
	}
}

func TestDerive(t *testing.T) {
	harbor := detection.Detection{Index: 0, ClassName: "harbor", ClassID: 9, Confidence: 0.8, Shape: geometry.Box{X2: 100, Y2: 100}}
	ship := detection.Detection{Index: 1, ClassName: "ship", ClassID: 8, Confidence: 0.6, Shape: geometry.Box{X1: 10, Y1: 10, X2: 30, Y2: 30}}
	rels := []spatial.Relation{
		{Kind: spatial.Contains, SubjectID: 0, ObjectID: 1, SubjectClass: "harbor", ObjectClass: "ship", Strength: 1, Direction: geometry.None},
		{Kind: spatial.Near, SubjectID: 0, ObjectID: 1, SubjectClass: "harbor", ObjectClass: "ship", Strength: 0.5, Distance: 50, Direction: geometry.RightOf},
		{Kind: spatial.CoOccurs, SubjectID: 0, ObjectID: 1, SubjectClass: "harbor", ObjectClass: "ship", Strength: 0.25},
	}
	zones := []spatial.ZoneRelation{{Kind: spatial.NearZone, Index: 1, Class: "ship", Zone: "dock", Strength: 0.9, Gap: 10, Direction: geometry.Above}}
	static := []Fact{{Relation: "co_occurs", Subject: Cat("plane"), Object: Cat("runway"), Attrs: map[string]float64{"count": 12}}}

	b := Derive(Input{Detections: []detection.Detection{harbor, ship}, Relations: rels, Zones: zones, Static: static})
	if !b.Sealed() {
		t.Fatal("Derive returned an unsealed base")
	}

	has := func(rel string, s, o Term) bool { return len(b.Match(rel, &s, &o)) > 0 }
	checks := []struct {
		rel  string
		s, o Term
	}{
		{IsA, Det(0), Cat("harbor")},
		{IsA, Det(1), Cat("ship")},
		{"contains", Det(0), Cat("ship")},
		{"contains", Det(0), Det(1)},
		{Inside, Det(1), Cat("harbor")},
		{"near", Det(0), Det(1)},
		{"near", Det(1), Det(0)},
		{"near", Det(1), Cat("harbor")},
		{"right_of", Det(0), Cat("ship")},
		{"left_of", Det(1), Cat("harbor")},
		{"co_occurs", Cat("harbor"), Cat("ship")},
		{"co_occurs", Cat("ship"), Cat("harbor")},
		{"near", Det(1), Cat("dock")},
		{"above", Det(1), Cat("dock")},
		{"co_occurs", Cat("plane"), Cat("runway")},
	}
	for _, c := range checks {
		if !has(c.rel, c.s, c.o) {
			t.Errorf("missing %s(%s, %s)", c.rel, c.s, c.o)
		}
	}
	if has("contains", Det(1), Det(0)) {
		t.Error("contains emitted in reverse")
	}

	d0, shipCat := Det(1), Cat("ship")
	isA := b.Match(IsA, &d0, &shipCat)[0]
	if v, _ := isA.Attr("area"); v != 400 {
		t.Errorf("is_a area: got %v, want 400", v)
	}
	if v, _ := isA.Attr("class_id"); v != 8 {
		t.Errorf("is_a class_id: got %v, want 8", v)
	}
	d1, d0h := Det(1), Det(0)
	near := b.Match("near", &d1, &d0h)[0]
	// mean diagonal of the 100x100 and 20x20 boxes is 60*sqrt(2)
	if v, ok := near.Attr("diag_ratio"); !ok || math.Abs(v-50/(60*math.Sqrt2)) > 1e-9 {
		t.Errorf("near diag_ratio: got %v (%v), want %v", v, ok, 50/(60*math.Sqrt2))
	}

	h, s := Cat("harbor"), Cat("ship")
	co := b.Match("co_occurs", &h, &s)[0]
	if v, _ := co.Attr("count"); v != 1 {
		t.Errorf("co_occurs count: got %v, want 1", v)
	}
}

func TestLoadStatic(t *testing.T) {
	in := "relation_kind,subject_category,object_category,count\n" +
		"co_occurs,plane,runway,12\n" +
		"# comment\n" +
		"near, ship, harbor, 3\n"
	fs, err := LoadStatic(strings.NewReader(in))
	if err != nil {
		t.Fatalf("LoadStatic failed: %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("facts: got %d, want 2", len(fs))
	}
	if fs[1].String() != "near(ship, harbor)" {
		t.Errorf("second fact: got %q", fs[1])
	}
	if v, _ := fs[0].Attr("count"); v != 12 {
		t.Errorf("count: got %v, want 12", v)
	}

	for _, bad := range []string{"near,ship,harbor\n", "near,ship,harbor,many\n", "near,,harbor,1\n"} {
		if _, err := LoadStatic(strings.NewReader(bad)); err == nil {
			t.Errorf("LoadStatic(%q) succeeded, want error", bad)
		}
	}
}
