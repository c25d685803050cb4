package geometry

import (
	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/menta2k/image-segmenter/pkg/types"
)

// Moore neighborhood in clockwise order for y-down image coordinates,
// starting at west.
var (
	mooreDX = [8]int{-1, -1, 0, 1, 1, 1, 0, -1}
	mooreDY = [8]int{0, -1, -1, -1, 0, 1, 1, 1}
)

// FindContours returns the outer boundary of every 8-connected foreground
// component in binary, in raster-scan discovery order. The matrix holds the
// mask with rows indexed by y and nonzero entries marking foreground.
// Only external borders are traced; holes inside a component are ignored.
func FindContours(binary *mat.Dense) []Polygon {
	rows, cols := binary.Dims()
	labels := make([]int, rows*cols)
	fg := func(x, y int) bool {
		if x < 0 || y < 0 || x >= cols || y >= rows {
			return false
		}
		return binary.At(y, x) != 0
	}

	var contours []Polygon
	next := 1
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if !fg(x, y) || labels[y*cols+x] != 0 {
				continue
			}
			// The raster-first pixel of a component is its
			// topmost-leftmost pixel, so the scan always enters a
			// component from the west.
			floodLabel(binary, labels, x, y, next)
			contours = append(contours, traceBoundary(fg, x, y))
			next++
		}
	}
	return contours
}

// floodLabel marks the whole 8-connected component containing (x, y).
func floodLabel(binary *mat.Dense, labels []int, x, y, label int) {
	rows, cols := binary.Dims()
	stack := []types.Point{{X: x, Y: y}}
	labels[y*cols+x] = label
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for d := 0; d < 8; d++ {
			nx, ny := p.X+mooreDX[d], p.Y+mooreDY[d]
			if nx < 0 || ny < 0 || nx >= cols || ny >= rows {
				continue
			}
			if binary.At(ny, nx) == 0 || labels[ny*cols+nx] != 0 {
				continue
			}
			labels[ny*cols+nx] = label
			stack = append(stack, types.Point{X: nx, Y: ny})
		}
	}
}

// traceBoundary follows the outer border of one component with
// Moore-neighbor tracing, starting at its topmost-leftmost pixel. The
// walk terminates when it re-enters the start pixel in the direction of
// its first move.
func traceBoundary(fg func(x, y int) bool, sx, sy int) Polygon {
	cx, cy := sx, sy
	back := 0 // west neighbor of the start pixel is background
	firstDir := -1
	var contour Polygon

	// A border pixel is left at most once per visit, so 4*len of the
	// raster is a safe cap.
	for iter := 0; iter < 1<<22; iter++ {
		dir := -1
		for i := 1; i <= 8; i++ {
			d := (back + i) % 8
			if fg(cx+mooreDX[d], cy+mooreDY[d]) {
				dir = d
				break
			}
		}
		if dir < 0 {
			// isolated pixel
			return Polygon{{X: float64(sx), Y: float64(sy)}}
		}
		if cx == sx && cy == sy && firstDir >= 0 && dir == firstDir {
			break
		}
		if firstDir < 0 {
			firstDir = dir
		}
		contour = append(contour, r2.Point{X: float64(cx), Y: float64(cy)})
		cx, cy = cx+mooreDX[dir], cy+mooreDY[dir]
		back = (dir + 4) % 8
	}
	return contour
}

// LargestContour extracts the outer contour enclosing the largest area
// from a binary mask. It returns false when the mask has no foreground
// pixels, or when the biggest boundary is too short to form a polygon;
// both are expected outcomes of a bad click, not errors.
func LargestContour(mask *types.Mask) (Polygon, bool) {
	if mask == nil || mask.Empty() {
		return nil, false
	}
	contours := FindContours(mask.AsDense())
	var best Polygon
	bestArea := -1.0
	for _, c := range contours {
		// Single-pixel blobs have zero area; fall back to vertex
		// count so a flat line still beats an isolated dot.
		area := c.Area()
		if area > bestArea || (area == bestArea && len(c) > len(best)) {
			best, bestArea = c, area
		}
	}
	if len(best) < 3 {
		return nil, false
	}
	return best, true
}
