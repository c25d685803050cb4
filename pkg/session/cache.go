// Package session owns all per-image segmentation state: one embedding
// per opened image and a nested cache of previously computed masks keyed
// by prompt. Every call into the inference gateway goes through here, so
// identical work is never repeated.
package session

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/menta2k/image-segmenter/internal/metrics"
	"github.com/menta2k/image-segmenter/pkg/inference"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// DefaultMaxEntries bounds the number of images with live embeddings.
// Embeddings are the expensive, memory-heavy artifact; masks die with
// their entry.
const DefaultMaxEntries = 8

// Options tunes a Cache.
type Options struct {
	// MaxEntries is the embedding LRU capacity. Zero means DefaultMaxEntries.
	MaxEntries int
	// Metrics receives cache counters when non-nil.
	Metrics *metrics.Registry
}

// Cache is the process-wide session state. It is safe for concurrent use:
// concurrent identical predictions collapse to a single gateway call, and
// operations on different images never block each other during inference.
type Cache struct {
	gateway inference.Gateway
	log     zerolog.Logger
	metrics *metrics.Registry

	// mu guards the entry table and the current-session pointer. The
	// gateway is never called with mu held.
	mu         sync.Mutex
	entries    *lru.Cache[types.ImageID, *entry]
	current    types.ImageID
	hasCurrent bool

	group singleflight.Group
}

// entry carries the immutable dimensions and embedding of one image plus
// its prompt-keyed mask cache.
type entry struct {
	dims      types.Dims
	embedding inference.Embedding

	mu    sync.RWMutex
	masks map[types.PromptKey]*types.Mask
}

// New creates a session cache over the given gateway.
func New(gateway inference.Gateway, log zerolog.Logger, opts Options) (*Cache, error) {
	if gateway == nil {
		return nil, fmt.Errorf("session: gateway is required")
	}
	size := opts.MaxEntries
	if size <= 0 {
		size = DefaultMaxEntries
	}
	c := &Cache{
		gateway: gateway,
		log:     log,
		metrics: opts.Metrics,
	}
	entries, err := lru.NewWithEvict[types.ImageID, *entry](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session: creating entry cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// onEvict runs inside the LRU while c.mu is held by the mutating caller,
// so it may touch the current pointer but must not take c.mu.
func (c *Cache) onEvict(id types.ImageID, e *entry) {
	if err := e.embedding.Close(); err != nil {
		c.log.Warn().Err(err).Str("image", string(id)).Msg("closing evicted embedding")
	}
	if c.hasCurrent && c.current == id {
		c.hasCurrent = false
	}
	c.count("session_evictions_total", nil)
	c.log.Debug().Str("image", string(id)).Msg("session entry evicted")
}

// OpenImage makes id the active session. A known id returns its stored
// dimensions without touching the gateway; an unknown one costs a
// whole-image embedding pass. Identity is caller-derived (typically the
// source path): if the pixels behind an id change, the stale entry is
// returned until the id is cleared. A failed open leaves no session state.
func (c *Cache) OpenImage(ctx context.Context, id types.ImageID, pixels *types.Pixels) (types.Dims, error) {
	if err := pixels.Validate(); err != nil {
		return types.Dims{}, err
	}

	c.mu.Lock()
	if e, ok := c.entries.Get(id); ok {
		c.current = id
		c.hasCurrent = true
		c.mu.Unlock()
		c.count("embedding_cache_hits_total", nil)
		return e.dims, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("open:"+string(id), func() (any, error) {
		// Another caller may have finished the open while this one
		// waited for the flight slot.
		c.mu.Lock()
		if e, ok := c.entries.Get(id); ok {
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		emb, err := c.gateway.ComputeEmbedding(ctx, pixels)
		if err != nil {
			return nil, err
		}
		e := &entry{
			dims:      types.Dims{Height: pixels.Height, Width: pixels.Width},
			embedding: emb,
			masks:     make(map[types.PromptKey]*types.Mask),
		}
		c.mu.Lock()
		c.entries.Add(id, e)
		c.mu.Unlock()
		c.count("embeddings_computed_total", nil)
		c.log.Info().Str("image", string(id)).
			Int("width", e.dims.Width).Int("height", e.dims.Height).
			Msg("embedding computed")
		return e, nil
	})
	if err != nil {
		return types.Dims{}, err
	}
	e := v.(*entry)

	c.mu.Lock()
	c.current = id
	c.hasCurrent = true
	c.mu.Unlock()
	return e.dims, nil
}

// PredictFromPoint returns the mask for one prompt against the current
// session. Repeated identical prompts are served from the per-image mask
// cache; concurrent identical prompts perform the inference at most once.
// The returned mask is the caller's copy. A failed prediction leaves the
// cache untouched.
func (c *Cache) PredictFromPoint(ctx context.Context, key types.PromptKey) (*types.Mask, error) {
	c.mu.Lock()
	if !c.hasCurrent {
		c.mu.Unlock()
		return nil, types.ErrNoActiveSession
	}
	id := c.current
	e, ok := c.entries.Get(id)
	c.mu.Unlock()
	if !ok {
		// current pointed at an entry evicted by a concurrent clear
		return nil, types.ErrNoActiveSession
	}
	if e.embedding == nil {
		panic(fmt.Sprintf("session: entry %q has dimensions but no embedding", id))
	}

	e.mu.RLock()
	cached := e.masks[key]
	e.mu.RUnlock()
	if cached != nil {
		c.count("mask_cache_hits_total", nil)
		return cached.Clone(), nil
	}

	v, err, _ := c.group.Do(string(id)+"|"+key.String(), func() (any, error) {
		e.mu.RLock()
		if m := e.masks[key]; m != nil {
			e.mu.RUnlock()
			return m, nil
		}
		e.mu.RUnlock()

		candidates, err := c.gateway.PredictMasks(ctx, e.embedding,
			[]types.Point{{X: key.X, Y: key.Y}}, key.LabelSlice())
		if err != nil {
			return nil, err
		}
		best := bestCandidate(candidates)
		if best == nil {
			return nil, fmt.Errorf("%w: gateway returned no candidate masks", types.ErrInference)
		}

		e.mu.Lock()
		e.masks[key] = best
		e.mu.Unlock()
		c.count("mask_cache_misses_total", nil)
		c.log.Debug().Str("image", string(id)).Stringer("prompt", key).
			Int("candidates", len(candidates)).Msg("mask computed")
		return best, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Mask).Clone(), nil
}

// bestCandidate picks the highest-confidence mask; ties go to the earliest
// candidate, matching the model's output ordering.
func bestCandidate(candidates []types.ScoredMask) *types.Mask {
	var best *types.Mask
	bestScore := 0.0
	for _, cand := range candidates {
		if cand.Mask == nil {
			continue
		}
		if best == nil || cand.Score > bestScore {
			best = cand.Mask
			bestScore = cand.Score
		}
	}
	return best
}

// ClearImage drops one entry and releases its embedding. If it was the
// current session, the current pointer is cleared too.
func (c *Cache) ClearImage(id types.ImageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(id)
}

// Clear drops every entry and the current-session pointer.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.hasCurrent = false
}

// Current returns the active image id, if any.
func (c *Cache) Current() (types.ImageID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.hasCurrent
}

// Len reports the number of live session entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) count(name string, labels map[string]string) {
	if c.metrics != nil {
		c.metrics.Inc(context.Background(), name, labels, 1)
	}
}
