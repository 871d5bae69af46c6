package geometry

import "math"

// ContainmentRatio is the fraction of a shape's area that must be covered for
// it to count as contained.
const ContainmentRatio = 0.95

// Direction is the dominant displacement of one shape's centroid relative to another.
type Direction int

const (
	None Direction = iota
	LeftOf
	RightOf
	Above
	Below
)

var directionNames = [...]string{"none", "left_of", "right_of", "above", "below"}

func (d Direction) String() string {
	if d < 0 || int(d) >= len(directionNames) {
		return "none"
	}
	return directionNames[d]
}

// MarshalText encodes the direction by name.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText decodes a direction name; unknown names decode to None.
func (d *Direction) UnmarshalText(b []byte) error {
	*d = ParseDirection(string(b))
	return nil
}

// ParseDirection is the inverse of Direction.String. Unknown names map to None.
func ParseDirection(s string) Direction {
	for i, n := range directionNames {
		if n == s {
			return Direction(i)
		}
	}
	return None
}

// IntersectionArea returns the overlap area of a and b, or 0 when either is degenerate.
func IntersectionArea(a, b Shape) float64 {
	if a == nil || b == nil || !a.Valid() || !b.Valid() {
		return 0
	}
	ba, aIsBox := a.(Box)
	bb, bIsBox := b.(Box)
	if aIsBox && bIsBox {
		return boxIntersection(ba, bb)
	}
	// Cheap reject before clipping.
	if boxIntersection(a.Bounds(), b.Bounds()) <= 0 {
		return 0
	}
	clipped := clip(counterClockwise(a.Vertices()), counterClockwise(b.Vertices()))
	area := math.Abs(PolygonArea(clipped))
	if !finite(area) {
		return 0
	}
	return math.Min(area, math.Min(a.Area(), b.Area()))
}

func boxIntersection(a, b Box) float64 {
	w := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	h := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// counterClockwise returns vs ordered with positive signed area.
func counterClockwise(vs []Point) []Point {
	if PolygonArea(vs) >= 0 {
		return vs
	}
	out := make([]Point, len(vs))
	for i, v := range vs {
		out[len(vs)-1-i] = v
	}
	return out
}

// clip implements Sutherland–Hodgman: subject is clipped against each edge of
// the convex clip polygon in turn. Both must have positive orientation.
func clip(subject, clipper []Point) []Point {
	out := subject
	for i := range clipper {
		if len(out) == 0 {
			return nil
		}
		a, b := clipper[i], clipper[(i+1)%len(clipper)]
		in := out
		out = make([]Point, 0, len(in)+2)
		for j := range in {
			cur, prev := in[j], in[(j+len(in)-1)%len(in)]
			curIn, prevIn := inside(a, b, cur), inside(a, b, prev)
			switch {
			case curIn && prevIn:
				out = append(out, cur)
			case curIn && !prevIn:
				out = append(out, lineIntersection(prev, cur, a, b), cur)
			case !curIn && prevIn:
				out = append(out, lineIntersection(prev, cur, a, b))
			}
		}
	}
	return out
}

func inside(a, b, p Point) bool {
	return cross(b.Sub(a), p.Sub(a)) >= 0
}

func lineIntersection(p, q, a, b Point) Point {
	r, s := q.Sub(p), b.Sub(a)
	den := cross(r, s)
	if math.Abs(den) < epsilon {
		return q
	}
	t := cross(a.Sub(p), s) / den
	return Point{p.X + t*r.X, p.Y + t*r.Y}
}

// IoU returns the intersection-over-union of a and b in [0, 1].
func IoU(a, b Shape) float64 {
	inter := IntersectionArea(a, b)
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= epsilon {
		return 0
	}
	return math.Min(1, inter/union)
}

// Coverage returns the fraction of b's area that lies inside a.
func Coverage(a, b Shape) float64 {
	if b == nil || !b.Valid() {
		return 0
	}
	return math.Min(1, IntersectionArea(a, b)/b.Area())
}

// Contains reports whether a covers at least ContainmentRatio of b.
func Contains(a, b Shape) bool {
	return Coverage(a, b) >= ContainmentRatio
}

// Centroid returns the area centroid of s.
func Centroid(s Shape) Point { return s.Centroid() }

// Distance returns the Euclidean distance between the centroids of a and b.
func Distance(a, b Shape) float64 {
	ca, cb := a.Centroid(), b.Centroid()
	return math.Hypot(ca.X-cb.X, ca.Y-cb.Y)
}

// Diagonal returns the length of the diagonal of s's bounding box.
func Diagonal(s Shape) float64 {
	b := s.Bounds()
	return math.Hypot(b.Width(), b.Height())
}

// DirectionalRelation describes where a lies relative to b along the dominant
// axis of centroid displacement. Equal displacement on both axes gives None.
func DirectionalRelation(a, b Shape) Direction {
	ca, cb := a.Centroid(), b.Centroid()
	dx, dy := ca.X-cb.X, ca.Y-cb.Y
	if !finite(dx) || !finite(dy) {
		return None
	}
	ax, ay := math.Abs(dx), math.Abs(dy)
	switch {
	case ax > ay:
		if dx < 0 {
			return LeftOf
		}
		return RightOf
	case ay > ax:
		if dy < 0 {
			return Above
		}
		return Below
	}
	return None
}

// EdgeDistance returns the smallest gap between the outlines of a and b.
// Touching, overlapping or nested shapes are at distance 0.
func EdgeDistance(a, b Shape) float64 {
	ba, aIsBox := a.(Box)
	bb, bIsBox := b.(Box)
	if aIsBox && bIsBox {
		dx := math.Max(0, math.Max(ba.X1-bb.X2, bb.X1-ba.X2))
		dy := math.Max(0, math.Max(ba.Y1-bb.Y2, bb.Y1-ba.Y2))
		return math.Hypot(dx, dy)
	}
	va, vb := a.Vertices(), b.Vertices()
	if pointInConvex(va[0], vb) || pointInConvex(vb[0], va) {
		return 0
	}
	best := math.Inf(1)
	for i := range va {
		p1, p2 := va[i], va[(i+1)%len(va)]
		for j := range vb {
			q1, q2 := vb[j], vb[(j+1)%len(vb)]
			best = math.Min(best, segmentDistance(p1, p2, q1, q2))
		}
	}
	return best
}

func pointInConvex(p Point, vs []Point) bool {
	vs = counterClockwise(vs)
	for i := range vs {
		if !inside(vs[i], vs[(i+1)%len(vs)], p) {
			return false
		}
	}
	return len(vs) >= 3
}

func segmentDistance(p1, p2, q1, q2 Point) float64 {
	if segmentsIntersect(p1, p2, q1, q2) {
		return 0
	}
	return math.Min(
		math.Min(pointSegmentDistance(p1, q1, q2), pointSegmentDistance(p2, q1, q2)),
		math.Min(pointSegmentDistance(q1, p1, p2), pointSegmentDistance(q2, p1, p2)),
	)
}

func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := cross(q2.Sub(q1), p1.Sub(q1))
	d2 := cross(q2.Sub(q1), p2.Sub(q1))
	d3 := cross(p2.Sub(p1), q1.Sub(p1))
	d4 := cross(p2.Sub(p1), q2.Sub(p1))
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func pointSegmentDistance(p, a, b Point) float64 {
	ab := b.Sub(a)
	l2 := ab.X*ab.X + ab.Y*ab.Y
	if l2 == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*ab.X + (p.Y-a.Y)*ab.Y) / l2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*ab.X), p.Y-(a.Y+t*ab.Y))
}
