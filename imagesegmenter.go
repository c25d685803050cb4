// Package imagesegmenter provides interactive point-prompt image
// segmentation sessions with polygon extraction.
//
// A user opens an image, clicks points on it, and receives an editable
// polygon for the object under each click. The expensive per-image model
// pass (the embedding) runs once per image and is cached; masks are
// cached per prompt, so repeated or concurrent identical clicks never
// repeat inference. Raw masks are converted to vertex-efficient polygons
// with adaptive Douglas-Peucker simplification.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/rs/zerolog"
//		imagesegmenter "github.com/menta2k/image-segmenter"
//		"github.com/menta2k/image-segmenter/pkg/inference"
//	)
//
//	func main() {
//		gateway := inference.NewLocalGateway(zerolog.Nop())
//		seg, err := imagesegmenter.New(gateway, zerolog.Nop())
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		ctx := context.Background()
//		id, dims, err := seg.OpenImageFile(ctx, "photo.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("opened %s: %dx%d\n", id, dims.Width, dims.Height)
//
//		mask, err := seg.PredictFromPoint(ctx, dims.Width/2, dims.Height/2)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		polygon := seg.MaskToPolygon(mask, true, 20)
//		fmt.Printf("polygon with %d vertices\n", len(polygon))
//	}
//
// The package consists of four main components:
//
// 1. Session cache (pkg/session): embedding and mask caching with LRU eviction
// 2. Inference gateway (pkg/inference): the model boundary, remote or local
// 3. Geometry kernel (pkg/geometry): contour extraction and simplification
// 4. Loader (pkg/loader): file decoding and pixel flattening
package imagesegmenter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/menta2k/image-segmenter/internal/metrics"
	"github.com/menta2k/image-segmenter/pkg/geometry"
	"github.com/menta2k/image-segmenter/pkg/inference"
	"github.com/menta2k/image-segmenter/pkg/loader"
	"github.com/menta2k/image-segmenter/pkg/session"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// Version of the image segmenter library
const Version = "1.0.0"

// DefaultTargetPoints is the vertex count simplification aims for.
const DefaultTargetPoints = 20

// Options configures a Segmenter.
type Options struct {
	// CacheSize bounds the number of images with live embeddings.
	// Zero means session.DefaultMaxEntries.
	CacheSize int
	// MaxImageDim caps the longer image side on load. Zero means 4096.
	MaxImageDim int
	// Metrics receives cache counters when non-nil.
	Metrics *metrics.Registry
}

// Segmenter is the high-level facade over the session cache and the
// geometry kernel. It is safe for concurrent use.
type Segmenter struct {
	cache  *session.Cache
	loader *loader.Loader
}

// New creates a Segmenter with default options.
func New(gateway inference.Gateway, log zerolog.Logger) (*Segmenter, error) {
	return NewWithOptions(gateway, log, Options{})
}

// NewWithOptions creates a Segmenter with custom options.
func NewWithOptions(gateway inference.Gateway, log zerolog.Logger, opts Options) (*Segmenter, error) {
	cache, err := session.New(gateway, log, session.Options{
		MaxEntries: opts.CacheSize,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Segmenter{
		cache:  cache,
		loader: loader.NewWithConfig(loader.Config{MaxDimension: opts.MaxImageDim}),
	}, nil
}

// OpenImage makes id the active session, computing and caching the image
// embedding on first open. It returns the image dimensions.
func (s *Segmenter) OpenImage(ctx context.Context, id types.ImageID, pixels *types.Pixels) (types.Dims, error) {
	return s.cache.OpenImage(ctx, id, pixels)
}

// OpenImageFile loads an image from disk and opens it, using the path as
// the image identity.
func (s *Segmenter) OpenImageFile(ctx context.Context, path string) (types.ImageID, types.Dims, error) {
	pixels, err := s.loader.LoadPixels(path)
	if err != nil {
		return "", types.Dims{}, err
	}
	id := types.ImageID(path)
	dims, err := s.cache.OpenImage(ctx, id, pixels)
	if err != nil {
		return "", types.Dims{}, err
	}
	return id, dims, nil
}

// PredictFromPoint returns the segmentation mask for a click on the
// active image. Labels default to a single foreground point.
func (s *Segmenter) PredictFromPoint(ctx context.Context, x, y int, labels ...types.PointLabel) (*types.Mask, error) {
	return s.cache.PredictFromPoint(ctx, types.NewPromptKey(x, y, labels...))
}

// MaskToPolygon converts a mask to the polygon of its largest foreground
// region. With simplify set, the polygon is reduced toward targetPoints
// vertices (DefaultTargetPoints when targetPoints <= 0). An empty mask
// returns nil; that is the expected outcome of a click on background.
func (s *Segmenter) MaskToPolygon(mask *types.Mask, simplify bool, targetPoints int) geometry.Polygon {
	contour, ok := geometry.LargestContour(mask)
	if !ok {
		return nil
	}
	if !simplify {
		return contour
	}
	if targetPoints <= 0 {
		targetPoints = DefaultTargetPoints
	}
	return geometry.AdaptiveSimplify(contour, targetPoints)
}

// SegmentPoint is the full click-to-polygon pipeline: predict a mask for
// the point and simplify its largest contour. A nil polygon with a nil
// error means the model returned an empty mask.
func (s *Segmenter) SegmentPoint(ctx context.Context, x, y, targetPoints int, labels ...types.PointLabel) (geometry.Polygon, error) {
	mask, err := s.PredictFromPoint(ctx, x, y, labels...)
	if err != nil {
		return nil, err
	}
	return s.MaskToPolygon(mask, true, targetPoints), nil
}

// ClearCache drops the given session entries, or every entry when called
// without arguments. Dropped embeddings are released.
func (s *Segmenter) ClearCache(ids ...types.ImageID) {
	if len(ids) == 0 {
		s.cache.Clear()
		return
	}
	for _, id := range ids {
		s.cache.ClearImage(id)
	}
}

// Current returns the active image id, if any.
func (s *Segmenter) Current() (types.ImageID, bool) {
	return s.cache.Current()
}

// Loader exposes the file loader, for callers that need to decode images
// themselves (e.g. to crop regions for labeling).
func (s *Segmenter) Loader() *loader.Loader {
	return s.loader
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
