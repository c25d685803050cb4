package geometry

import (
	"math"

	"github.com/golang/geo/r2"
)

// Tolerance bounds for the adaptive search. Tolerances are percentages of
// the polygon perimeter, not absolute pixel distances, so the same value
// behaves consistently across differently-scaled polygons.
const (
	DefaultMinTolerance = 0.5
	DefaultMaxTolerance = 5.0

	adaptiveProbes = 10
)

// Simplify reduces a closed polygon with Douglas-Peucker elimination.
// The distance threshold is tolerance/100 of the ring perimeter (the bare
// tolerance for a degenerate zero-perimeter ring). A vertex survives only
// if its perpendicular deviation from the chord of its retained neighbors
// exceeds the threshold. If elimination would leave fewer than 3 vertices
// the original polygon is returned unchanged.
func Simplify(poly Polygon, tolerance float64) Polygon {
	if len(poly) < 3 {
		return poly
	}
	epsilon := tolerance
	if perimeter := poly.Perimeter(); perimeter > 0 {
		epsilon = tolerance / 100.0 * perimeter
	}
	simplified := approxClosed(poly, epsilon)
	if len(simplified) < 3 {
		return poly
	}
	return simplified
}

// AdaptiveSimplify drives Simplify toward target vertices with a bounded
// binary search over [DefaultMinTolerance, DefaultMaxTolerance].
func AdaptiveSimplify(poly Polygon, target int) Polygon {
	return AdaptiveSimplifyTolerance(poly, target, DefaultMinTolerance, DefaultMaxTolerance)
}

// AdaptiveSimplifyTolerance binary-searches tolerance in [minTol, maxTol]
// for at most 10 probes. An exact hit returns immediately. Otherwise the
// last result from above the target wins: vertex count is a discontinuous
// step function of tolerance, so an exact hit is not guaranteed, and a
// slight overshoot in point count is preferred over lost shape fidelity.
// When even the gentlest probed tolerance lands below the target, the
// closest undershoot wins instead of handing back the unsimplified ring.
// A polygon already at or below target is returned unchanged.
func AdaptiveSimplifyTolerance(poly Polygon, target int, minTol, maxTol float64) Polygon {
	if len(poly) <= target {
		return poly
	}
	low, high := minTol, maxTol
	var above, below Polygon
	for i := 0; i < adaptiveProbes; i++ {
		mid := (low + high) / 2
		simplified := Simplify(poly, mid)
		switch {
		case len(simplified) == target:
			return simplified
		case len(simplified) > target:
			low = mid
			above = simplified
		default:
			high = mid
			if below == nil || len(simplified) > len(below) {
				below = simplified
			}
		}
	}
	if above != nil {
		return above
	}
	if below != nil {
		return below
	}
	return poly
}

// approxClosed runs Douglas-Peucker on a closed ring. The ring is split at
// the vertex farthest from vertex 0 into two open chains; both endpoints of
// each chain are guaranteed survivors, which is what makes the result a
// closed ring again.
func approxClosed(poly Polygon, epsilon float64) Polygon {
	far, maxDist := 0, -1.0
	for i := 1; i < len(poly); i++ {
		if d := poly[i].Sub(poly[0]).Norm(); d > maxDist {
			far, maxDist = i, d
		}
	}
	if far == 0 {
		return Polygon{poly[0]}
	}

	first := douglasPeucker(poly[:far+1], epsilon)
	second := make(Polygon, 0, len(poly)-far+1)
	second = append(second, poly[far:]...)
	second = append(second, poly[0])
	second = douglasPeucker(second, epsilon)

	out := make(Polygon, 0, len(first)+len(second)-2)
	out = append(out, first[:len(first)-1]...)
	out = append(out, second[:len(second)-1]...)
	return out
}

// douglasPeucker simplifies an open chain, always keeping both endpoints.
func douglasPeucker(pts Polygon, epsilon float64) Polygon {
	if len(pts) < 3 {
		return pts
	}
	a, b := pts[0], pts[len(pts)-1]
	split, maxDist := 0, 0.0
	for i := 1; i < len(pts)-1; i++ {
		if d := perpendicularDistance(pts[i], a, b); d > maxDist {
			split, maxDist = i, d
		}
	}
	if maxDist <= epsilon {
		return Polygon{a, b}
	}
	left := douglasPeucker(pts[:split+1], epsilon)
	right := douglasPeucker(pts[split:], epsilon)
	out := make(Polygon, 0, len(left)+len(right)-1)
	out = append(out, left[:len(left)-1]...)
	out = append(out, right...)
	return out
}

// perpendicularDistance is the distance from p to segment ab.
func perpendicularDistance(p, a, b r2.Point) float64 {
	ab := b.Sub(a)
	length := ab.Norm()
	if length == 0 {
		return p.Sub(a).Norm()
	}
	// projection parameter clamped to the segment
	t := p.Sub(a).Dot(ab) / (length * length)
	t = math.Max(0, math.Min(1, t))
	closest := a.Add(ab.Mul(t))
	return p.Sub(closest).Norm()
}
