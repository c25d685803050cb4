package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/menta2k/image-segmenter/pkg/types"
)

// HTTPGateway talks to a remote SAM-style predictor service that exposes
// embedding and prompt endpoints:
//
//	POST   /v1/embeddings        pixels -> {"embedding_id": ...}
//	POST   /v1/predict           prompt -> {"masks": [...]}
//	DELETE /v1/embeddings/{id}
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPGateway creates a gateway client for the given predictor URL.
func NewHTTPGateway(serverURL string, log zerolog.Logger) (*HTTPGateway, error) {
	if serverURL == "" {
		serverURL = "http://localhost:9000"
	}
	return &HTTPGateway{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			// The whole-image pass can take minutes on CPU-only hosts.
			Timeout: 5 * time.Minute,
		},
		log: log,
	}, nil
}

type embeddingRequest struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Data     string `json:"data"` // base64 of the interleaved pixel buffer
}

type embeddingResponse struct {
	EmbeddingID string `json:"embedding_id"`
}

type predictRequest struct {
	EmbeddingID     string   `json:"embedding_id"`
	Points          [][2]int `json:"points"`
	Labels          []int    `json:"labels"`
	MultimaskOutput bool     `json:"multimask_output"`
}

type maskPayload struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Data   string  `json:"data"` // base64, one byte per pixel, 0 or 255
	Score  float64 `json:"score"`
}

type predictResponse struct {
	Masks []maskPayload `json:"masks"`
}

// remoteEmbedding holds the server-side handle. Close releases it on the
// predictor; the session no longer depends on it afterwards.
type remoteEmbedding struct {
	id string
	gw *HTTPGateway
}

func (e *remoteEmbedding) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.gw.baseURL+"/v1/embeddings/"+e.id, nil)
	if err != nil {
		return err
	}
	resp, err := e.gw.httpClient.Do(req)
	if err != nil {
		e.gw.log.Warn().Err(err).Str("embedding_id", e.id).Msg("failed to release remote embedding")
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// ComputeEmbedding uploads the pixels and returns the server-side handle.
func (g *HTTPGateway) ComputeEmbedding(ctx context.Context, pixels *types.Pixels) (Embedding, error) {
	body := embeddingRequest{
		Width:    pixels.Width,
		Height:   pixels.Height,
		Channels: pixels.Channels,
		Data:     base64.StdEncoding.EncodeToString(pixels.Data),
	}

	var out embeddingResponse
	if err := g.postJSON(ctx, "/v1/embeddings", body, &out); err != nil {
		return nil, err
	}
	if out.EmbeddingID == "" {
		return nil, fmt.Errorf("%w: predictor returned empty embedding id", types.ErrInference)
	}
	g.log.Debug().Str("embedding_id", out.EmbeddingID).
		Int("width", pixels.Width).Int("height", pixels.Height).
		Msg("remote embedding computed")
	return &remoteEmbedding{id: out.EmbeddingID, gw: g}, nil
}

// PredictMasks asks the predictor for candidate masks for one prompt.
func (g *HTTPGateway) PredictMasks(ctx context.Context, emb Embedding, points []types.Point, labels []types.PointLabel) ([]types.ScoredMask, error) {
	remote, ok := emb.(*remoteEmbedding)
	if !ok {
		return nil, fmt.Errorf("%w: embedding was not produced by this gateway", types.ErrInference)
	}

	req := predictRequest{
		EmbeddingID:     remote.id,
		Points:          make([][2]int, len(points)),
		Labels:          make([]int, len(labels)),
		MultimaskOutput: true,
	}
	for i, p := range points {
		req.Points[i] = [2]int{p.X, p.Y}
	}
	for i, l := range labels {
		req.Labels[i] = int(l)
	}

	var out predictResponse
	if err := g.postJSON(ctx, "/v1/predict", req, &out); err != nil {
		return nil, err
	}
	if len(out.Masks) == 0 {
		return nil, fmt.Errorf("%w: predictor returned no masks", types.ErrInference)
	}

	masks := make([]types.ScoredMask, 0, len(out.Masks))
	for i, payload := range out.Masks {
		raw, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding mask %d: %v", types.ErrInference, i, err)
		}
		if len(raw) != payload.Width*payload.Height {
			return nil, fmt.Errorf("%w: mask %d has %d bytes for %dx%d",
				types.ErrInference, i, len(raw), payload.Width, payload.Height)
		}
		masks = append(masks, types.ScoredMask{
			Mask:  &types.Mask{Width: payload.Width, Height: payload.Height, Pix: raw},
			Score: payload.Score,
		})
	}
	return masks, nil
}

func (g *HTTPGateway) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encoding request: %v", types.ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", types.ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: predictor returned %d: %s", types.ErrInference, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", types.ErrInference, err)
	}
	return nil
}
