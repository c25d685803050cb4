package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/menta2k/image-segmenter/pkg/types"
)

var (
	errNotLocalEmbedding = fmt.Errorf("%w: embedding was not produced by this gateway", types.ErrInference)
	errNoPromptPoints    = fmt.Errorf("%w: prompt has no points", types.ErrInference)
)

// Default similarity thresholds for the three candidate masks, smallest
// first. Larger thresholds grow larger regions.
var defaultThresholds = []float64{0.08, 0.14, 0.22}

// LocalGateway is a model-free Gateway for development and tests. Its
// "embedding" is the normalized color plane of the image; prediction grows
// a region from the prompt point by color similarity at several thresholds
// and scores each candidate by the mean similarity of its pixels to the
// seed. It is not a substitute for a real model, but it produces plausible
// masks on images with distinct regions and keeps the full pipeline
// runnable offline.
type LocalGateway struct {
	log        zerolog.Logger
	thresholds []float64
}

// NewLocalGateway creates a local fallback gateway.
func NewLocalGateway(log zerolog.Logger) *LocalGateway {
	return &LocalGateway{log: log, thresholds: defaultThresholds}
}

// localEmbedding holds the precomputed per-pixel color in [0,1] per channel.
type localEmbedding struct {
	width, height int
	rgb           [][3]float64
}

func (e *localEmbedding) Close() error { return nil }

// ComputeEmbedding flattens the pixels into a normalized RGB plane.
// Alpha is composited over white, gray is replicated across channels.
func (g *LocalGateway) ComputeEmbedding(ctx context.Context, pixels *types.Pixels) (Embedding, error) {
	if err := pixels.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	emb := &localEmbedding{
		width:  pixels.Width,
		height: pixels.Height,
		rgb:    make([][3]float64, pixels.Width*pixels.Height),
	}
	for y := 0; y < pixels.Height; y++ {
		for x := 0; x < pixels.Width; x++ {
			i := y*pixels.Width + x
			switch pixels.Channels {
			case 1:
				v := float64(pixels.At(x, y, 0)) / 255
				emb.rgb[i] = [3]float64{v, v, v}
			case 3:
				emb.rgb[i] = [3]float64{
					float64(pixels.At(x, y, 0)) / 255,
					float64(pixels.At(x, y, 1)) / 255,
					float64(pixels.At(x, y, 2)) / 255,
				}
			case 4:
				a := float64(pixels.At(x, y, 3)) / 255
				emb.rgb[i] = [3]float64{
					(float64(pixels.At(x, y, 0))*a + 255*(1-a)) / 255,
					(float64(pixels.At(x, y, 1))*a + 255*(1-a)) / 255,
					(float64(pixels.At(x, y, 2))*a + 255*(1-a)) / 255,
				}
			}
		}
	}
	g.log.Debug().Int("width", emb.width).Int("height", emb.height).Msg("local embedding computed")
	return emb, nil
}

// PredictMasks grows one candidate region per threshold. Foreground points
// seed the region; background points carve their own similarity
// neighborhood out of it.
func (g *LocalGateway) PredictMasks(ctx context.Context, emb Embedding, points []types.Point, labels []types.PointLabel) ([]types.ScoredMask, error) {
	local, ok := emb.(*localEmbedding)
	if !ok {
		return nil, errNotLocalEmbedding
	}
	if len(points) == 0 {
		return nil, errNoPromptPoints
	}
	if len(labels) < len(points) {
		padded := make([]types.PointLabel, len(points))
		copy(padded, labels)
		for i := len(labels); i < len(points); i++ {
			padded[i] = types.Foreground
		}
		labels = padded
	}

	out := make([]types.ScoredMask, 0, len(g.thresholds))
	for _, threshold := range g.thresholds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mask := types.NewMask(local.width, local.height)
		for i, p := range points {
			if labels[i] == types.Foreground {
				local.grow(mask, p, threshold, true)
			}
		}
		for i, p := range points {
			if labels[i] == types.Background {
				local.grow(mask, p, threshold, false)
			}
		}
		out = append(out, types.ScoredMask{Mask: mask, Score: local.score(mask, points, labels)})
	}
	return out, nil
}

// grow flood-fills from seed, adding (or removing) every 4-connected pixel
// whose color distance to the seed color stays within threshold.
func (e *localEmbedding) grow(mask *types.Mask, seed types.Point, threshold float64, add bool) {
	if seed.X < 0 || seed.Y < 0 || seed.X >= e.width || seed.Y >= e.height {
		return
	}
	seedColor := e.rgb[seed.Y*e.width+seed.X]
	visited := make([]bool, e.width*e.height)
	stack := []types.Point{seed}
	visited[seed.Y*e.width+seed.X] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		mask.Set(p.X, p.Y, add)

		for _, d := range [4]types.Point{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}} {
			nx, ny := p.X+d.X, p.Y+d.Y
			if nx < 0 || ny < 0 || nx >= e.width || ny >= e.height {
				continue
			}
			i := ny*e.width + nx
			if visited[i] || colorDistance(e.rgb[i], seedColor) > threshold {
				continue
			}
			visited[i] = true
			stack = append(stack, types.Point{X: nx, Y: ny})
		}
	}
}

// score is the mean color similarity of mask pixels to the first
// foreground seed. An empty mask scores zero.
func (e *localEmbedding) score(mask *types.Mask, points []types.Point, labels []types.PointLabel) float64 {
	var seed *types.Point
	for i := range points {
		if labels[i] == types.Foreground {
			seed = &points[i]
			break
		}
	}
	if seed == nil || seed.X < 0 || seed.Y < 0 || seed.X >= e.width || seed.Y >= e.height {
		return 0
	}
	seedColor := e.rgb[seed.Y*e.width+seed.X]

	total, count := 0.0, 0
	for y := 0; y < e.height; y++ {
		for x := 0; x < e.width; x++ {
			if !mask.At(x, y) {
				continue
			}
			total += 1 - colorDistance(e.rgb[y*e.width+x], seedColor)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// colorDistance is the normalized euclidean distance between two colors,
// in [0, 1].
func colorDistance(a, b [3]float64) float64 {
	dr := a[0] - b[0]
	dg := a[1] - b[1]
	db := a[2] - b[2]
	return math.Sqrt(dr*dr+dg*dg+db*db) / math.Sqrt(3)
}
