package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/menta2k/image-segmenter/internal/metrics"
	"github.com/menta2k/image-segmenter/pkg/inference"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// stubGateway counts calls and fabricates deterministic candidate masks,
// so cache behavior is observable without a model.
type stubGateway struct {
	embedCalls   atomic.Int64
	predictCalls atomic.Int64
	closed       atomic.Int64
	failPredict  atomic.Bool
}

type stubEmbedding struct {
	gw *stubGateway
}

func (e *stubEmbedding) Close() error {
	e.gw.closed.Add(1)
	return nil
}

func (g *stubGateway) ComputeEmbedding(ctx context.Context, pixels *types.Pixels) (inference.Embedding, error) {
	g.embedCalls.Add(1)
	return &stubEmbedding{gw: g}, nil
}

func (g *stubGateway) PredictMasks(ctx context.Context, emb inference.Embedding, points []types.Point, labels []types.PointLabel) ([]types.ScoredMask, error) {
	g.predictCalls.Add(1)
	if g.failPredict.Load() {
		return nil, fmt.Errorf("%w: predictor offline", types.ErrInference)
	}
	// Three candidates centered on the first point, growing with rank;
	// the middle one carries the top score.
	scores := []float64{0.5, 0.9, 0.7}
	out := make([]types.ScoredMask, 0, len(scores))
	for i, score := range scores {
		out = append(out, types.ScoredMask{Mask: stubMask(points[0], i+1), Score: score})
	}
	return out, nil
}

// stubMask fills a square of the given half-width around p in a 16x16 mask.
func stubMask(p types.Point, halfWidth int) *types.Mask {
	mask := types.NewMask(16, 16)
	for y := p.Y - halfWidth; y <= p.Y+halfWidth; y++ {
		for x := p.X - halfWidth; x <= p.X+halfWidth; x++ {
			mask.Set(x, y, true)
		}
	}
	return mask
}

func validPixels() *types.Pixels {
	return &types.Pixels{
		Width:    16,
		Height:   16,
		Channels: 3,
		Data:     make([]uint8, 16*16*3),
	}
}

func newTestCache(t *testing.T, gw *stubGateway, opts Options) *Cache {
	t.Helper()
	c, err := New(gw, zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNewRequiresGateway(t *testing.T) {
	if _, err := New(nil, zerolog.Nop(), Options{}); err == nil {
		t.Error("Expected an error for a nil gateway")
	}
}

func TestOpenImageComputesEmbeddingOnce(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	dims, err := c.OpenImage(ctx, "a", validPixels())
	if err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}
	if dims.Width != 16 || dims.Height != 16 {
		t.Errorf("Wrong dimensions: %+v", dims)
	}

	again, err := c.OpenImage(ctx, "a", validPixels())
	if err != nil {
		t.Fatalf("Second OpenImage failed: %v", err)
	}
	if again != dims {
		t.Errorf("Dimensions changed between opens: %+v != %+v", again, dims)
	}
	if n := gw.embedCalls.Load(); n != 1 {
		t.Errorf("Expected 1 embedding call, got %d", n)
	}
}

func TestOpenImageInvalidPixels(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	_, err := c.OpenImage(ctx, "a", &types.Pixels{})
	if !errors.Is(err, types.ErrImageDecode) {
		t.Errorf("Expected ErrImageDecode, got %v", err)
	}
	if n := gw.embedCalls.Load(); n != 0 {
		t.Errorf("Gateway called for invalid pixels: %d", n)
	}

	// A failed open leaves no session behind.
	if _, err := c.PredictFromPoint(ctx, types.NewPromptKey(1, 1)); !errors.Is(err, types.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestPredictWithoutSession(t *testing.T) {
	c := newTestCache(t, &stubGateway{}, Options{})

	_, err := c.PredictFromPoint(context.Background(), types.NewPromptKey(4, 4))
	if !errors.Is(err, types.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestPredictCachesMask(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}

	key := types.NewPromptKey(8, 8)
	first, err := c.PredictFromPoint(ctx, key)
	if err != nil {
		t.Fatalf("PredictFromPoint failed: %v", err)
	}
	second, err := c.PredictFromPoint(ctx, key)
	if err != nil {
		t.Fatalf("Cached PredictFromPoint failed: %v", err)
	}

	if n := gw.predictCalls.Load(); n != 1 {
		t.Errorf("Expected 1 gateway prediction, got %d", n)
	}
	if !bytes.Equal(first.Pix, second.Pix) {
		t.Error("Cached mask differs from the first result")
	}

	// Results are clones; mutating one must not leak into the cache.
	first.Set(0, 0, true)
	third, err := c.PredictFromPoint(ctx, key)
	if err != nil {
		t.Fatalf("PredictFromPoint failed: %v", err)
	}
	if third.At(0, 0) {
		t.Error("Mutation of a returned mask reached the cache")
	}
}

func TestPredictPicksHighestScore(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}

	mask, err := c.PredictFromPoint(ctx, types.NewPromptKey(8, 8))
	if err != nil {
		t.Fatalf("PredictFromPoint failed: %v", err)
	}
	// The 0.9-scored candidate is the half-width 2 square: 25 pixels.
	if area := mask.Area(); area != 25 {
		t.Errorf("Expected the top-scored candidate (area 25), got area %d", area)
	}
}

func TestPredictDistinctPrompts(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}

	if _, err := c.PredictFromPoint(ctx, types.NewPromptKey(4, 4)); err != nil {
		t.Fatalf("PredictFromPoint failed: %v", err)
	}
	if _, err := c.PredictFromPoint(ctx, types.NewPromptKey(4, 4, types.Background)); err != nil {
		t.Fatalf("PredictFromPoint failed: %v", err)
	}
	if _, err := c.PredictFromPoint(ctx, types.NewPromptKey(5, 4)); err != nil {
		t.Fatalf("PredictFromPoint failed: %v", err)
	}

	if n := gw.predictCalls.Load(); n != 3 {
		t.Errorf("Expected 3 gateway predictions for 3 distinct prompts, got %d", n)
	}
}

func TestConcurrentIdenticalPrompts(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}

	const workers = 50
	key := types.NewPromptKey(8, 8)
	results := make([]*types.Mask, workers)
	errs := make([]error, workers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i], errs[i] = c.PredictFromPoint(ctx, key)
		}(i)
	}
	start.Done()
	done.Wait()

	if n := gw.predictCalls.Load(); n != 1 {
		t.Errorf("Expected exactly 1 gateway prediction, got %d", n)
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Worker %d failed: %v", i, errs[i])
		}
		if !bytes.Equal(results[i].Pix, results[0].Pix) {
			t.Fatalf("Worker %d received a different mask", i)
		}
	}
}

func TestPredictFailureLeavesCacheCold(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}

	key := types.NewPromptKey(8, 8)
	gw.failPredict.Store(true)
	if _, err := c.PredictFromPoint(ctx, key); !errors.Is(err, types.ErrInference) {
		t.Fatalf("Expected ErrInference, got %v", err)
	}

	// The failure was not cached; the next attempt reaches the gateway
	// and succeeds, after which the result is cached.
	gw.failPredict.Store(false)
	if _, err := c.PredictFromPoint(ctx, key); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if _, err := c.PredictFromPoint(ctx, key); err != nil {
		t.Fatalf("Cached retry failed: %v", err)
	}
	if n := gw.predictCalls.Load(); n != 2 {
		t.Errorf("Expected 2 gateway predictions (1 failed, 1 cached miss), got %d", n)
	}
}

func TestEvictionClosesEmbedding(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{MaxEntries: 2})
	ctx := context.Background()

	for _, id := range []types.ImageID{"a", "b", "c"} {
		if _, err := c.OpenImage(ctx, id, validPixels()); err != nil {
			t.Fatalf("OpenImage %s failed: %v", id, err)
		}
	}

	if n := c.Len(); n != 2 {
		t.Errorf("Expected 2 live entries, got %d", n)
	}
	if n := gw.closed.Load(); n != 1 {
		t.Errorf("Expected 1 closed embedding, got %d", n)
	}

	// The freshest open is still the current session and still predicts.
	if _, err := c.PredictFromPoint(ctx, types.NewPromptKey(4, 4)); err != nil {
		t.Errorf("Prediction on current session failed: %v", err)
	}
}

func TestClearImageDropsCurrentSession(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}
	c.ClearImage("a")

	if _, ok := c.Current(); ok {
		t.Error("Expected no current session after clearing it")
	}
	if _, err := c.PredictFromPoint(ctx, types.NewPromptKey(4, 4)); !errors.Is(err, types.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
	if n := gw.closed.Load(); n != 1 {
		t.Errorf("Expected the embedding to be closed, got %d closes", n)
	}
}

func TestClearDropsEverything(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	for _, id := range []types.ImageID{"a", "b"} {
		if _, err := c.OpenImage(ctx, id, validPixels()); err != nil {
			t.Fatalf("OpenImage %s failed: %v", id, err)
		}
	}
	c.Clear()

	if n := c.Len(); n != 0 {
		t.Errorf("Expected empty cache, got %d entries", n)
	}
	if n := gw.closed.Load(); n != 2 {
		t.Errorf("Expected 2 closed embeddings, got %d", n)
	}
	if _, err := c.PredictFromPoint(ctx, types.NewPromptKey(4, 4)); !errors.Is(err, types.ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestReopenAfterClearRecomputes(t *testing.T) {
	gw := &stubGateway{}
	c := newTestCache(t, gw, Options{})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}
	c.ClearImage("a")
	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}

	if n := gw.embedCalls.Load(); n != 2 {
		t.Errorf("Expected 2 embedding calls across clear, got %d", n)
	}
}

func TestCacheCounters(t *testing.T) {
	gw := &stubGateway{}
	reg := metrics.NewRegistry()
	c := newTestCache(t, gw, Options{Metrics: reg})
	ctx := context.Background()

	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("OpenImage failed: %v", err)
	}
	if _, err := c.OpenImage(ctx, "a", validPixels()); err != nil {
		t.Fatalf("Second OpenImage failed: %v", err)
	}

	key := types.NewPromptKey(8, 8)
	if _, err := c.PredictFromPoint(ctx, key); err != nil {
		t.Fatalf("PredictFromPoint failed: %v", err)
	}
	if _, err := c.PredictFromPoint(ctx, key); err != nil {
		t.Fatalf("Cached PredictFromPoint failed: %v", err)
	}

	checks := map[string]int64{
		"embeddings_computed_total":  1,
		"embedding_cache_hits_total": 1,
		"mask_cache_misses_total":    1,
		"mask_cache_hits_total":      1,
	}
	for name, want := range checks {
		if got := reg.Value(name, nil); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestBestCandidate(t *testing.T) {
	a := types.NewMask(4, 4)
	b := types.NewMask(4, 4)
	b.Set(1, 1, true)

	got := bestCandidate([]types.ScoredMask{
		{Mask: a, Score: 0.4},
		{Mask: nil, Score: 0.99},
		{Mask: b, Score: 0.8},
	})
	if got != b {
		t.Error("Expected the highest-scored non-nil mask")
	}

	// Ties keep the earliest candidate.
	got = bestCandidate([]types.ScoredMask{
		{Mask: a, Score: 0.5},
		{Mask: b, Score: 0.5},
	})
	if got != a {
		t.Error("Expected ties to keep the first candidate")
	}

	if got := bestCandidate(nil); got != nil {
		t.Error("Expected nil for no candidates")
	}
}
