package types

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Sentinel errors for the segmentation core. Callers match with errors.Is;
// wrapped messages carry the detail.
var (
	// ErrImageDecode indicates invalid or empty pixel input.
	ErrImageDecode = errors.New("image decode error")
	// ErrNoActiveSession indicates a prediction was requested before any image was opened.
	ErrNoActiveSession = errors.New("no active segmentation session")
	// ErrInference indicates a gateway failure, including timeouts.
	ErrInference = errors.New("inference error")
)

// ImageID is the stable identity of an opened image. It is derived from the
// image's source path (or any caller-chosen stable key): two opens of the
// same ID are treated as the same image even if the pixels on disk changed.
type ImageID string

// PointLabel marks a prompt point as foreground or background.
type PointLabel uint8

const (
	Background PointLabel = 0
	Foreground PointLabel = 1
)

// Point is an integer pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pixels is a decoded image as an interleaved uint8 buffer.
// Channels must be 1 (gray), 3 (RGB) or 4 (RGBA).
type Pixels struct {
	Width    int
	Height   int
	Channels int
	Data     []uint8
}

// Validate checks dimensions, channel count and buffer length.
func (p *Pixels) Validate() error {
	if p == nil || len(p.Data) == 0 {
		return fmt.Errorf("%w: empty pixel buffer", ErrImageDecode)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: zero-area image %dx%d", ErrImageDecode, p.Width, p.Height)
	}
	if p.Channels != 1 && p.Channels != 3 && p.Channels != 4 {
		return fmt.Errorf("%w: unsupported channel count %d", ErrImageDecode, p.Channels)
	}
	if len(p.Data) != p.Width*p.Height*p.Channels {
		return fmt.Errorf("%w: buffer length %d does not match %dx%dx%d",
			ErrImageDecode, len(p.Data), p.Width, p.Height, p.Channels)
	}
	return nil
}

// At returns channel c of pixel (x, y). No bounds checking.
func (p *Pixels) At(x, y, c int) uint8 {
	return p.Data[(y*p.Width+x)*p.Channels+c]
}

// PromptKey identifies one prompt against one image: the click coordinate
// plus the canonical label sequence. It is comparable and used directly as a
// mask-cache map key, so repeated identical clicks always hit the cache.
type PromptKey struct {
	X      int
	Y      int
	Labels string
}

// NewPromptKey builds a key from a click point and its label sequence.
// An empty label list means a single foreground point.
func NewPromptKey(x, y int, labels ...PointLabel) PromptKey {
	if len(labels) == 0 {
		labels = []PointLabel{Foreground}
	}
	var b strings.Builder
	b.Grow(len(labels))
	for _, l := range labels {
		if l == Foreground {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return PromptKey{X: x, Y: y, Labels: b.String()}
}

// LabelSlice decodes the canonical label string back into labels.
func (k PromptKey) LabelSlice() []PointLabel {
	labels := make([]PointLabel, 0, len(k.Labels))
	for i := 0; i < len(k.Labels); i++ {
		if k.Labels[i] == '1' {
			labels = append(labels, Foreground)
		} else {
			labels = append(labels, Background)
		}
	}
	return labels
}

func (k PromptKey) String() string {
	return fmt.Sprintf("%d,%d/%s", k.X, k.Y, k.Labels)
}

// Mask is a dense binary segmentation result with the dimensions of its
// source image. Foreground pixels are 255, background 0. A cached mask is
// owned by its session entry; callers receive clones.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewMask returns an all-background mask of the given size.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At reports whether pixel (x, y) is foreground. Out-of-bounds is background.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x] != 0
}

// Set marks pixel (x, y) as foreground or background.
func (m *Mask) Set(x, y int, on bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	if on {
		m.Pix[y*m.Width+x] = 255
	} else {
		m.Pix[y*m.Width+x] = 0
	}
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	out := &Mask{Width: m.Width, Height: m.Height, Pix: make([]uint8, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// Empty reports whether the mask has no foreground pixels.
func (m *Mask) Empty() bool {
	for _, v := range m.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

// Area returns the number of foreground pixels.
func (m *Mask) Area() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// AsDense converts the mask to a gonum matrix with values in {0, 1},
// rows indexed by y. This is the input format of geometry.FindContours.
func (m *Mask) AsDense() *mat.Dense {
	d := mat.NewDense(m.Height, m.Width, nil)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Pix[y*m.Width+x] != 0 {
				d.Set(y, x, 1)
			}
		}
	}
	return d
}

// Bounds returns the bounding box of the foreground, as min and max
// pixel coordinates inclusive. ok is false for an empty mask.
func (m *Mask) Bounds() (minPt, maxPt Point, ok bool) {
	minPt = Point{X: m.Width, Y: m.Height}
	maxPt = Point{X: -1, Y: -1}
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Pix[y*m.Width+x] == 0 {
				continue
			}
			if x < minPt.X {
				minPt.X = x
			}
			if y < minPt.Y {
				minPt.Y = y
			}
			if x > maxPt.X {
				maxPt.X = x
			}
			if y > maxPt.Y {
				maxPt.Y = y
			}
		}
	}
	if maxPt.X < 0 {
		return Point{}, Point{}, false
	}
	return minPt, maxPt, true
}

// ScoredMask is one candidate mask from the model with its confidence.
type ScoredMask struct {
	Mask  *Mask
	Score float64
}

// Dims is the size of an opened image, as reported by OpenImage.
type Dims struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}
