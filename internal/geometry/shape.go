package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerate is wrapped by Validate for shapes that cannot take part in
// area-based comparisons.
var ErrDegenerate = errors.New("degenerate geometry")

// epsilon is the area below which a shape is treated as empty.
const epsilon = 1e-9

// Point represents a 2D coordinate in pixel space.
type Point struct {
	X float64 `json:"x"` // Horizontal position (0 = leftmost)
	Y float64 `json:"y"` // Vertical position (0 = topmost)
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

func cross(a, b Point) float64 { return a.X*b.Y - a.Y*b.X }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Shape is the common view of boxes and oriented polygons.
type Shape interface {
	// Bounds returns the axis-aligned bounding box of the shape.
	Bounds() Box
	// Area returns the enclosed area in square pixels (always >= 0).
	Area() float64
	// Vertices returns the corners in drawing order.
	Vertices() []Point
	// Centroid returns the area centroid.
	Centroid() Point
	// Valid reports whether the shape is finite, convex and has positive area.
	Valid() bool
}

// Box is an axis-aligned rectangle.
//
// The coordinate convention follows image bounds:
//   - (X1, Y1) is the top-left corner
//   - (X2, Y2) is the bottom-right corner
type Box struct {
	X1 float64 `json:"x1"` // Left edge
	Y1 float64 `json:"y1"` // Top edge
	X2 float64 `json:"x2"` // Right edge
	Y2 float64 `json:"y2"` // Bottom edge
}

// Normalize returns the box with its corners ordered so that X1 <= X2 and Y1 <= Y2.
func (b Box) Normalize() Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// Width returns the horizontal extent.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

func (b Box) Bounds() Box { return b }

func (b Box) Area() float64 {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return b.Width() * b.Height()
}

// Vertices returns the corners clockwise on screen, starting top-left.
func (b Box) Vertices() []Point {
	return []Point{{b.X1, b.Y1}, {b.X2, b.Y1}, {b.X2, b.Y2}, {b.X1, b.Y2}}
}

func (b Box) Centroid() Point {
	return Point{(b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2}
}

func (b Box) Valid() bool {
	return finite(b.X1) && finite(b.Y1) && finite(b.X2) && finite(b.Y2) && b.Area() > epsilon
}

// Polygon is an oriented quadrilateral, corners in drawing order.
type Polygon [4]Point

// Bounds returns the smallest box enclosing every corner.
func (p Polygon) Bounds() Box {
	b := Box{X1: p[0].X, Y1: p[0].Y, X2: p[0].X, Y2: p[0].Y}
	for _, v := range p[1:] {
		b.X1 = math.Min(b.X1, v.X)
		b.Y1 = math.Min(b.Y1, v.Y)
		b.X2 = math.Max(b.X2, v.X)
		b.Y2 = math.Max(b.Y2, v.Y)
	}
	return b
}

func (p Polygon) Area() float64 { return math.Abs(PolygonArea(p[:])) }

func (p Polygon) Vertices() []Point {
	out := make([]Point, len(p))
	copy(out, p[:])
	return out
}

func (p Polygon) Centroid() Point { return polygonCentroid(p[:]) }

func (p Polygon) Valid() bool {
	for _, v := range p {
		if !finite(v.X) || !finite(v.Y) {
			return false
		}
	}
	return p.Area() > epsilon && IsConvex(p[:])
}

// PolygonArea returns the signed shoelace area. It is positive when the
// vertices wind counter-clockwise in a Y-up frame, which is clockwise on screen.
func PolygonArea(vs []Point) float64 {
	if len(vs) < 3 {
		return 0
	}
	var sum float64
	for i := range vs {
		j := (i + 1) % len(vs)
		sum += vs[i].X*vs[j].Y - vs[j].X*vs[i].Y
	}
	return sum / 2
}

// IsConvex reports whether vs describes a simple convex polygon. Collinear
// vertices are tolerated; a bow-tie or reflex corner is not.
func IsConvex(vs []Point) bool {
	n := len(vs)
	if n < 3 {
		return false
	}
	sign := 0
	for i := 0; i < n; i++ {
		a, b, c := vs[i], vs[(i+1)%n], vs[(i+2)%n]
		z := cross(b.Sub(a), c.Sub(b))
		switch {
		case z > epsilon:
			if sign < 0 {
				return false
			}
			sign = 1
		case z < -epsilon:
			if sign > 0 {
				return false
			}
			sign = -1
		}
	}
	if sign == 0 {
		return false
	}
	// A pentagram-like winding passes the turn test; total turning must be one lap.
	var turn float64
	for i := 0; i < n; i++ {
		a, b, c := vs[i], vs[(i+1)%n], vs[(i+2)%n]
		e1, e2 := b.Sub(a), c.Sub(b)
		turn += math.Atan2(cross(e1, e2), e1.X*e2.X+e1.Y*e2.Y)
	}
	return math.Abs(math.Abs(turn)-2*math.Pi) < 1e-6
}

func polygonCentroid(vs []Point) Point {
	a := PolygonArea(vs)
	if math.Abs(a) <= epsilon {
		var c Point
		for _, v := range vs {
			c.X += v.X
			c.Y += v.Y
		}
		n := float64(len(vs))
		if n == 0 {
			return c
		}
		return Point{c.X / n, c.Y / n}
	}
	var cx, cy float64
	for i := range vs {
		j := (i + 1) % len(vs)
		f := vs[i].X*vs[j].Y - vs[j].X*vs[i].Y
		cx += (vs[i].X + vs[j].X) * f
		cy += (vs[i].Y + vs[j].Y) * f
	}
	return Point{cx / (6 * a), cy / (6 * a)}
}

// Validate returns nil for a usable shape, or an error wrapping ErrDegenerate
// that names the defect.
func Validate(s Shape) error {
	if s == nil {
		return fmt.Errorf("nil shape: %w", ErrDegenerate)
	}
	for _, v := range s.Vertices() {
		if !finite(v.X) || !finite(v.Y) {
			return fmt.Errorf("non-finite coordinate: %w", ErrDegenerate)
		}
	}
	if s.Area() <= epsilon {
		return fmt.Errorf("zero area: %w", ErrDegenerate)
	}
	if !s.Valid() {
		return fmt.Errorf("non-convex or self-intersecting polygon: %w", ErrDegenerate)
	}
	return nil
}

// FromYOLO converts a normalized centre-format box into pixel space.
func FromYOLO(cx, cy, w, h float64, width, height int) Box {
	W, H := float64(width), float64(height)
	return Box{
		X1: (cx - w/2) * W,
		Y1: (cy - h/2) * H,
		X2: (cx + w/2) * W,
		Y2: (cy + h/2) * H,
	}
}

// ToYOLO converts a pixel box into normalized centre format.
func ToYOLO(b Box, width, height int) (cx, cy, w, h float64) {
	W, H := float64(width), float64(height)
	if W <= 0 || H <= 0 {
		return 0, 0, 0, 0
	}
	c := b.Centroid()
	return c.X / W, c.Y / H, b.Width() / W, b.Height() / H
}
