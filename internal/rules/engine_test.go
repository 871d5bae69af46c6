package rules

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/facts"
	"github.com/ironsheep/detection-reasoner/internal/geometry"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

func det(idx int, class string, conf float64, b geometry.Box) detection.Detection {
	return detection.Detection{ImageID: "img", Index: idx, ClassName: class, Confidence: conf, Shape: b}
}

func rule(name, when string, delta float64) Rule {
	return Rule{Name: name, When: MustParse(when), Delta: delta, Source: when}
}

func ruleSet(t *testing.T, clamp ClampMode, rs ...Rule) RuleSet {
	t.Helper()
	set, err := New(clamp, rs...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return set
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func base(fs ...facts.Fact) *facts.Base {
	b := facts.NewBase()
	for _, f := range fs {
		_ = b.Append(f)
	}
	return b
}

func fact(rel string, s, o facts.Term, attrs map[string]float64) facts.Fact {
	return facts.Fact{Relation: rel, Subject: s, Object: o, Attrs: attrs}
}

func TestRefinePlaneNearRunway(t *testing.T) {
	ex, err := spatial.NewExtractor(spatial.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	r := &Refiner{
		Engine:    NewEngine(ruleSet(t, ClampFinal, rule("plane_near_runway", `near(category="runway")`, 0.1)), nil),
		Extractor: ex,
		Zones:     spatial.NewZoneSet(spatial.Zone{Name: "runway", Shape: geometry.Box{X1: 0, Y1: 0, X2: 1000, Y2: 100}}),
	}
	set := detection.Set{ImageID: "img", Detections: []detection.Detection{
		det(0, "plane", 0.4, geometry.Box{X1: 200, Y1: 150, X2: 260, Y2: 210}),
	}}

	res := r.Refine(set)
	if len(res.Adjusted) != 1 {
		t.Fatalf("adjusted: got %d, want 1", len(res.Adjusted))
	}
	a := res.Adjusted[0]
	if !approx(a.OriginalConfidence, 0.4) || !approx(a.AdjustedConfidence, 0.5) {
		t.Errorf("confidence: got %v -> %v, want 0.4 -> 0.5", a.OriginalConfidence, a.AdjustedConfidence)
	}
	if !reflect.DeepEqual(a.AppliedRules, []string{"plane_near_runway"}) {
		t.Errorf("applied rules: got %v", a.AppliedRules)
	}
	if len(res.Zones) != 1 || res.Zones[0].Kind != spatial.NearZone {
		t.Errorf("zone relations: got %+v", res.Zones)
	}
	if res.Stats.Fired != 1 || res.Stats.PerRule["plane_near_runway"] != 1 {
		t.Errorf("stats: got %+v", res.Stats)
	}
}

func TestRefineScaleRelativeProximity(t *testing.T) {
	ex, err := spatial.NewExtractor(spatial.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	r := &Refiner{
		Engine:    NewEngine(ruleSet(t, ClampFinal, rule("close_pair", "near(self, ?o) as n, n.diag_ratio < 2", 0.1)), nil),
		Extractor: ex,
	}
	// 0 and 1 are 40px apart, under two diagonals of a 20px box; 2 is near
	// both by pixel distance but more than three diagonals away.
	set := detection.Set{ImageID: "img", Detections: []detection.Detection{
		det(0, "plane", 0.5, geometry.Box{X1: 0, Y1: 0, X2: 20, Y2: 20}),
		det(1, "plane", 0.5, geometry.Box{X1: 40, Y1: 0, X2: 60, Y2: 20}),
		det(2, "plane", 0.5, geometry.Box{X1: 0, Y1: 90, X2: 20, Y2: 110}),
	}}

	res := r.Refine(set)
	want := []float64{0.6, 0.6, 0.5}
	for i, a := range res.Adjusted {
		if !approx(a.AdjustedConfidence, want[a.Index]) {
			t.Errorf("detection %d (%d): got %v, want %v", a.Index, i, a.AdjustedConfidence, want[a.Index])
		}
	}
	if res.Stats.PerRule["close_pair"] != 2 {
		t.Errorf("close_pair fired %d times, want 2", res.Stats.PerRule["close_pair"])
	}
}

func TestApplyClamping(t *testing.T) {
	b := base(fact(facts.IsA, facts.Det(0), facts.Cat("plane"), nil))
	up := []Rule{rule("up1", "is_a(plane)", 0.1), rule("up2", "is_a(plane)", 0.1)}
	down := []Rule{rule("down", "is_a(plane)", -0.1)}

	tests := []struct {
		name  string
		rules []Rule
		clamp ClampMode
		conf  float64
		want  float64
	}{
		{"clamped at one", up, ClampFinal, 0.95, 1},
		{"clamped at zero", down, ClampFinal, 0.05, 0},
		{"final sums before clamping", []Rule{rule("up", "is_a(plane)", 0.1), rule("down", "is_a(plane)", -0.1)}, ClampFinal, 0.95, 0.95},
		{"per rule clamps each step", []Rule{rule("up", "is_a(plane)", 0.1), rule("down", "is_a(plane)", -0.1)}, ClampPerRule, 0.95, 0.9},
		{"no match leaves confidence", []Rule{rule("ship", "is_a(ship)", 0.3)}, ClampFinal, 0.42, 0.42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(ruleSet(t, tt.clamp, tt.rules...), nil)
			set := detection.Set{ImageID: "img", Detections: []detection.Detection{det(0, "plane", tt.conf, geometry.Box{X2: 10, Y2: 10})}}
			out, _ := e.Apply(set, b)
			if got := out[0].AdjustedConfidence; !approx(got, tt.want) {
				t.Errorf("adjusted: got %v, want %v", got, tt.want)
			}
			if got := out[0].OriginalConfidence; got != tt.conf {
				t.Errorf("original: got %v, want %v", got, tt.conf)
			}
		})
	}
}

func TestApplyGuardSeesRunningConfidence(t *testing.T) {
	b := base(fact(facts.IsA, facts.Det(0), facts.Cat("plane"), nil))
	e := NewEngine(ruleSet(t, ClampFinal,
		rule("boost", "is_a(plane)", 0.2),
		rule("confident", "confidence >= 0.5, original_confidence < 0.5", 0.1),
	), nil)
	set := detection.Set{ImageID: "img", Detections: []detection.Detection{det(0, "plane", 0.4, geometry.Box{X2: 10, Y2: 10})}}

	out, stats := e.Apply(set, b)
	if !approx(out[0].AdjustedConfidence, 0.7) {
		t.Errorf("adjusted: got %v, want 0.7", out[0].AdjustedConfidence)
	}
	if stats.Fired != 2 || stats.Evaluated != 2 || stats.Detections != 1 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestApplyIsIdempotentWithConfidenceGuard(t *testing.T) {
	b := base(fact("near", facts.Det(0), facts.Cat("runway"), map[string]float64{"gap": 5}))
	e := NewEngine(ruleSet(t, ClampFinal, rule("boost", "near(self, runway), confidence < 0.5", 0.1)), nil)
	set := detection.Set{ImageID: "img", Detections: []detection.Detection{det(0, "plane", 0.45, geometry.Box{X2: 10, Y2: 10})}}

	first, _ := e.Apply(set, b)
	second, _ := e.Apply(detection.RefinedSet("img", first), b)
	if !approx(first[0].AdjustedConfidence, 0.55) {
		t.Fatalf("first pass: got %v, want 0.55", first[0].AdjustedConfidence)
	}
	if second[0].AdjustedConfidence != first[0].AdjustedConfidence {
		t.Errorf("second pass: got %v, want %v", second[0].AdjustedConfidence, first[0].AdjustedConfidence)
	}
	if len(second[0].AppliedRules) != 0 {
		t.Errorf("second pass fired %v", second[0].AppliedRules)
	}
}

func TestApplyBindingsAndJustification(t *testing.T) {
	b := base(
		fact(facts.IsA, facts.Det(0), facts.Cat("ship"), map[string]float64{"confidence": 0.6}),
		fact(facts.Inside, facts.Det(0), facts.Cat("harbor"), map[string]float64{"strength": 0.97}),
		fact("near", facts.Det(0), facts.Det(1), map[string]float64{"distance": 80}),
		fact("near", facts.Det(0), facts.Det(2), map[string]float64{"distance": 20}),
	)

	tests := []struct {
		name string
		when string
		want []string
	}{
		{"variable and attribute", "inside(self, ?h) as c, c.strength > 0.9", []string{"docked(?h=harbor, c.strength=0.97)"}},
		{"backtracks past failing guard", "near(self, ?o) as n, n.distance < 50", []string{"docked(?o=det_2, n.distance=20)"}},
		{"undefined attribute never fires", "is_a(ship) as s, s.width > 0", nil},
		{"negation holds without facts", "is_a(ship), not contains(self, _)", []string{"docked"}},
		{"negation fails with facts", "is_a(ship), not near(self, _)", nil},
		{"bound variable constrains later pattern", "inside(self, ?h), near(self, ?h)", nil},
		{"area guard", "area == 100", []string{"docked"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(ruleSet(t, ClampFinal, rule("docked", tt.when, 0.1)), nil)
			set := detection.Set{ImageID: "img", Detections: []detection.Detection{det(0, "ship", 0.6, geometry.Box{X2: 10, Y2: 10})}}
			out, _ := e.Apply(set, b)
			if !reflect.DeepEqual(out[0].AppliedRules, tt.want) {
				t.Errorf("applied: got %v, want %v", out[0].AppliedRules, tt.want)
			}
		})
	}
}

func TestApplyDeterministic(t *testing.T) {
	fs := []facts.Fact{
		fact(facts.IsA, facts.Det(0), facts.Cat("ship"), nil),
		fact(facts.IsA, facts.Det(1), facts.Cat("ship"), nil),
		fact("near", facts.Det(0), facts.Det(1), map[string]float64{"distance": 30}),
		fact("near", facts.Det(0), facts.Det(2), map[string]float64{"distance": 30}),
		fact("near", facts.Det(0), facts.Det(3), map[string]float64{"distance": 10}),
		fact("near", facts.Det(1), facts.Det(0), map[string]float64{"distance": 30}),
	}
	e := NewEngine(ruleSet(t, ClampFinal,
		rule("pair", "near(self, ?o) as n, n.distance < 40", 0.05),
		rule("ship", "is_a(ship)", 0.1),
	), nil)
	set := detection.Set{ImageID: "img", Detections: []detection.Detection{
		det(0, "ship", 0.5, geometry.Box{X2: 10, Y2: 10}),
		det(1, "ship", 0.3, geometry.Box{X1: 20, X2: 30, Y2: 10}),
	}}

	want, _ := e.Apply(set, base(fs...))
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]facts.Fact(nil), fs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, _ := e.Apply(set, base(shuffled...))
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("run %d: got %+v, want %+v", i, got, want)
		}
	}
	if want[0].AppliedRules[0] != "pair(?o=det_1, n.distance=30)" {
		t.Errorf("first solution: got %q", want[0].AppliedRules[0])
	}
}

func TestApplyEmpty(t *testing.T) {
	e := NewEngine(RuleSet{}, nil)
	set := detection.Set{ImageID: "img", Detections: []detection.Detection{det(0, "ship", 0.5, geometry.Box{X2: 10, Y2: 10})}}
	out, stats := e.Apply(set, nil)
	if len(out) != 1 || out[0].AdjustedConfidence != 0.5 || len(out[0].AppliedRules) != 0 {
		t.Errorf("got %+v", out)
	}
	if stats.Fired != 0 || stats.Evaluated != 0 {
		t.Errorf("stats: got %+v", stats)
	}
	if e.Rules().Clamp != ClampFinal {
		t.Errorf("clamp: got %q, want final", e.Rules().Clamp)
	}
}

func TestStatsAdd(t *testing.T) {
	var s Stats
	s.Add(Stats{Detections: 2, Evaluated: 4, Fired: 1, PerRule: map[string]int{"a": 1}})
	s.Add(Stats{Detections: 1, Evaluated: 2, Fired: 2, PerRule: map[string]int{"a": 1, "b": 1}})
	if s.Detections != 3 || s.Evaluated != 6 || s.Fired != 3 || s.PerRule["a"] != 2 || s.PerRule["b"] != 1 {
		t.Errorf("got %+v", s)
	}
}
