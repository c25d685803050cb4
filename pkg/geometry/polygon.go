// Package geometry provides the pure mask-to-polygon pipeline: outer
// contour extraction from binary masks and perimeter-relative polygon
// simplification. Nothing in this package performs I/O or keeps state.
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
)

// Polygon is a closed ring of vertices in pixel coordinates. The last
// vertex connects implicitly back to the first. A valid polygon has at
// least 3 vertices.
type Polygon []r2.Point

// Perimeter returns the closed arc length of the ring.
func (p Polygon) Perimeter() float64 {
	if len(p) < 2 {
		return 0
	}
	total := 0.0
	for i := range p {
		next := p[(i+1)%len(p)]
		total += p[i].Sub(next).Norm()
	}
	return total
}

// Area returns the enclosed area via the shoelace formula.
func (p Polygon) Area() float64 {
	if len(p) < 3 {
		return 0
	}
	sum := 0.0
	for i := range p {
		next := p[(i+1)%len(p)]
		sum += p[i].X*next.Y - next.X*p[i].Y
	}
	return math.Abs(sum) / 2
}

// Contains reports whether pt lies inside the ring, by ray casting.
// Points exactly on an edge may fall on either side.
func (p Polygon) Contains(pt r2.Point) bool {
	if len(p) < 3 {
		return false
	}
	inside := false
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		if (p[i].Y > pt.Y) != (p[j].Y > pt.Y) &&
			pt.X < (p[j].X-p[i].X)*(pt.Y-p[i].Y)/(p[j].Y-p[i].Y)+p[i].X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Clone returns an independent copy of the ring.
func (p Polygon) Clone() Polygon {
	out := make(Polygon, len(p))
	copy(out, p)
	return out
}

// Bounds returns the axis-aligned bounding box of the ring.
func (p Polygon) Bounds() r2.Rect {
	if len(p) == 0 {
		return r2.Rect{}
	}
	rect := r2.RectFromPoints(p[0])
	for _, pt := range p[1:] {
		rect = rect.AddPoint(pt)
	}
	return rect
}
