// Package inference defines the boundary to the segmentation model and
// ships two implementations: an HTTP client for a remote predictor
// service and a model-free local fallback for development and tests.
package inference

import (
	"context"
	"io"

	"github.com/menta2k/image-segmenter/pkg/types"
)

// Embedding is the opaque dense representation of one image, computed once
// and reused across point prompts. The holder owns it exclusively and must
// Close it when the owning session entry is evicted.
type Embedding interface {
	io.Closer
}

// Gateway is the inference capability consumed by the session cache.
// Failures, including timeouts, surface as errors wrapping
// types.ErrInference and are never retried at this layer.
type Gateway interface {
	// ComputeEmbedding runs the whole-image model pass.
	ComputeEmbedding(ctx context.Context, pixels *types.Pixels) (Embedding, error)

	// PredictMasks runs a prompt-conditioned pass and returns candidate
	// masks with confidence scores, in model output order.
	PredictMasks(ctx context.Context, emb Embedding, points []types.Point, labels []types.PointLabel) ([]types.ScoredMask, error)
}
