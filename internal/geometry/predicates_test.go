package geometry

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

// rotated returns the box b rotated by theta radians about its centre.
func rotated(b Box, theta float64) Polygon {
	c := b.Centroid()
	var p Polygon
	for i, v := range b.Vertices() {
		dx, dy := v.X-c.X, v.Y-c.Y
		p[i] = Point{
			X: c.X + dx*math.Cos(theta) - dy*math.Sin(theta),
			Y: c.Y + dx*math.Sin(theta) + dy*math.Cos(theta),
		}
	}
	return p
}

func TestIoU_Boxes(t *testing.T) {
	tests := []struct {
		name string
		a, b Box
		want float64
	}{
		{"identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"disjoint", Box{0, 0, 10, 10}, Box{20, 20, 30, 30}, 0},
		{"touching", Box{0, 0, 10, 10}, Box{10, 0, 20, 10}, 0},
		{"half overlap", Box{0, 0, 10, 10}, Box{5, 0, 15, 10}, 50.0 / 150.0},
		{"nested", Box{0, 0, 10, 10}, Box{2, 2, 7, 7}, 25.0 / 100.0},
		{"zero area", Box{0, 0, 0, 10}, Box{0, 0, 10, 10}, 0},
		{"inverted", Box{10, 10, 0, 0}, Box{0, 0, 10, 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(tt.a, tt.b); !approx(got, tt.want) {
				t.Errorf("IoU: got %v, want %v", got, tt.want)
			}
			if got := IoU(tt.b, tt.a); !approx(got, tt.want) {
				t.Errorf("IoU reversed: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIoU_PolygonMatchesBox(t *testing.T) {
	a := Box{0, 0, 10, 10}
	b := Box{5, 5, 15, 15}
	pa := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	pb := Polygon{{5, 15}, {15, 15}, {15, 5}, {5, 5}} // opposite winding

	want := IoU(a, b)
	if got := IoU(pa, pb); !approx(got, want) {
		t.Errorf("polygon IoU: got %v, want %v", got, want)
	}
	if got := IoU(a, pb); !approx(got, want) {
		t.Errorf("mixed IoU: got %v, want %v", got, want)
	}
}

func TestIoU_RotatedSquare(t *testing.T) {
	b := Box{-1, -1, 1, 1}
	diamond := rotated(b, math.Pi/4)
	// A square rotated 45 degrees over itself overlaps in a regular octagon.
	side := 2 * (math.Sqrt2 - 1)
	octagon := 2 * (1 + math.Sqrt2) * side * side
	want := octagon / (4 + 4 - octagon)

	if got := IoU(b, diamond); !approx(got, want) {
		t.Errorf("IoU: got %v, want %v", got, want)
	}
}

func TestIoU_Degenerate(t *testing.T) {
	good := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	tests := []struct {
		name string
		p    Polygon
	}{
		{"bow tie", Polygon{{0, 0}, {10, 10}, {10, 0}, {0, 10}}},
		{"collinear", Polygon{{0, 0}, {5, 0}, {10, 0}, {15, 0}}},
		{"repeated point", Polygon{{1, 1}, {1, 1}, {1, 1}, {1, 1}}},
		{"nan", Polygon{{math.NaN(), 0}, {10, 0}, {10, 10}, {0, 10}}},
		{"reflex corner", Polygon{{0, 0}, {10, 0}, {2, 2}, {0, 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(good, tt.p); got != 0 {
				t.Errorf("IoU: got %v, want 0", got)
			}
			if Contains(tt.p, good) || Contains(good, tt.p) {
				t.Error("Contains: got true for degenerate polygon")
			}
			if err := Validate(tt.p); !errors.Is(err, ErrDegenerate) {
				t.Errorf("Validate: got %v, want ErrDegenerate", err)
			}
		})
	}
}

func TestIoU_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		a := rotated(Box{rng.Float64() * 50, rng.Float64() * 50, 60 + rng.Float64()*50, 60 + rng.Float64()*50}, rng.Float64()*math.Pi)
		b := rotated(Box{rng.Float64() * 50, rng.Float64() * 50, 60 + rng.Float64()*50, 60 + rng.Float64()*50}, rng.Float64()*math.Pi)

		ab, ba := IoU(a, b), IoU(b, a)
		if ab < 0 || ab > 1 {
			t.Fatalf("IoU out of range: %v", ab)
		}
		if math.Abs(ab-ba) > 1e-6 {
			t.Fatalf("IoU not symmetric: %v vs %v", ab, ba)
		}
		if self := IoU(a, a); !approx(self, 1) {
			t.Fatalf("self IoU: got %v, want 1", self)
		}
	}
}

func TestContains(t *testing.T) {
	outer := Box{0, 0, 100, 100}
	tests := []struct {
		name  string
		inner Shape
		want  bool
	}{
		{"fully inside", Box{10, 10, 20, 20}, true},
		{"96 percent inside", Box{-4, 0, 96, 100}, true},
		{"90 percent inside", Box{-10, 0, 90, 100}, false},
		{"outside", Box{200, 200, 210, 210}, false},
		{"rotated inside", rotated(Box{40, 40, 60, 60}, 0.3), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Contains(outer, tt.inner); got != tt.want {
				t.Errorf("Contains: got %v, want %v", got, tt.want)
			}
		})
	}

	if Contains(Box{10, 10, 20, 20}, outer) {
		t.Error("small box should not contain large box")
	}
}

func TestDirectionalRelation(t *testing.T) {
	ref := Box{40, 40, 60, 60}
	tests := []struct {
		name string
		a    Box
		want Direction
	}{
		{"left", Box{0, 45, 10, 55}, LeftOf},
		{"right", Box{90, 45, 100, 55}, RightOf},
		{"above", Box{45, 0, 55, 10}, Above},
		{"below", Box{45, 90, 55, 100}, Below},
		{"same centre", Box{45, 45, 55, 55}, None},
		{"diagonal tie", Box{0, 0, 20, 20}, None},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DirectionalRelation(tt.a, ref); got != tt.want {
				t.Errorf("DirectionalRelation: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEdgeDistance(t *testing.T) {
	a := Box{0, 0, 10, 10}
	tests := []struct {
		name string
		b    Shape
		want float64
	}{
		{"overlap", Box{5, 5, 15, 15}, 0},
		{"touching", Box{10, 0, 20, 10}, 0},
		{"horizontal gap", Box{13, 0, 20, 10}, 3},
		{"diagonal gap", Box{13, 14, 20, 20}, 5},
		{"polygon gap", Polygon{{13, 0}, {20, 0}, {20, 10}, {13, 10}}, 3},
		{"polygon nested", Polygon{{2, 2}, {4, 2}, {4, 4}, {2, 4}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EdgeDistance(a, tt.b); !approx(got, tt.want) {
				t.Errorf("EdgeDistance: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDistanceAndCentroid(t *testing.T) {
	a := Box{0, 0, 10, 10}
	b := Box{30, 40, 40, 50}
	if got := Distance(a, b); !approx(got, 50) {
		t.Errorf("Distance: got %v, want 50", got)
	}

	p := Polygon{{0, 0}, {4, 0}, {4, 2}, {0, 2}}
	if c := Centroid(p); !approx(c.X, 2) || !approx(c.Y, 1) {
		t.Errorf("Centroid: got %+v, want {2 1}", c)
	}
}

func TestYOLORoundTrip(t *testing.T) {
	b := FromYOLO(0.5, 0.25, 0.2, 0.1, 1000, 800)
	want := Box{400, 160, 600, 240}
	if !approx(b.X1, want.X1) || !approx(b.Y1, want.Y1) || !approx(b.X2, want.X2) || !approx(b.Y2, want.Y2) {
		t.Fatalf("FromYOLO: got %+v, want %+v", b, want)
	}

	cx, cy, w, h := ToYOLO(b, 1000, 800)
	if !approx(cx, 0.5) || !approx(cy, 0.25) || !approx(w, 0.2) || !approx(h, 0.1) {
		t.Errorf("ToYOLO: got (%v,%v,%v,%v)", cx, cy, w, h)
	}
}

func TestDirectionText(t *testing.T) {
	for _, d := range []Direction{None, LeftOf, RightOf, Above, Below} {
		b, err := d.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", d, err)
		}
		var got Direction
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if got != d {
			t.Errorf("round trip %s: got %v, want %v", b, got, d)
		}
	}

	d := Above
	if err := d.UnmarshalText([]byte("sideways")); err != nil {
		t.Fatal(err)
	}
	if d != None {
		t.Errorf("unknown name: got %v, want none", d)
	}
}
