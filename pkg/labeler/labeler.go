// Package labeler suggests a class label for a segmented region by
// showing the cropped region to a vision model. Labels are a convenience
// for the annotation UI; every failure degrades to a low-confidence
// fallback instead of an error.
package labeler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"regexp"
	"strings"

	"github.com/menta2k/image-segmenter/pkg/geometry"
	"github.com/menta2k/image-segmenter/pkg/loader"
)

// DefaultPrompt asks the model for a strict-JSON region label.
const DefaultPrompt = `You are labeling one object cut out of a larger image.

Return JSON only:
{
  "label": "string",
  "confidence": 0.0,
  "tags": ["tag1", "tag2", "tag3"]
}

HARD RULES
- The label names the single object the crop is centered on, 1-3 lowercase words.
- confidence is your certainty in [0,1].
- Tags: lowercase, concise, no punctuation or duplicates.
- Do not guess real identities.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Suggestion is the model's opinion about a segmented region.
type Suggestion struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

// VisionClient is the minimal capability the suggester needs from a
// vision model backend.
type VisionClient interface {
	Query(ctx context.Context, model, prompt, imgB64 string) (string, error)
}

// Suggester crops segmented regions and asks a vision model to name them.
type Suggester struct {
	client VisionClient
	model  string
}

// NewSuggester creates a Suggester over a vision client.
func NewSuggester(client VisionClient, model string) *Suggester {
	return &Suggester{client: client, model: model}
}

// SuggestLabel crops the polygon's bounding box from the image and asks
// the model for a label. Unparseable model output yields a conservative
// fallback suggestion, not an error.
func (s *Suggester) SuggestLabel(ctx context.Context, img image.Image, poly geometry.Polygon) (*Suggestion, error) {
	crop := loader.CropPolygonBounds(img, poly)

	imgB64, err := encodeJPEGBase64(crop)
	if err != nil {
		return nil, fmt.Errorf("encoding region crop: %w", err)
	}

	raw, err := s.client.Query(ctx, s.model, DefaultPrompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("vision model query failed: %w", err)
	}
	return parseSuggestion(raw), nil
}

// encodeJPEGBase64 renders the crop as base64 JPEG for the model request.
func encodeJPEGBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// parseSuggestion parses the model response, tolerating fences and junk.
func parseSuggestion(raw string) *Suggestion {
	raw = sanitizeModelJSON(raw)

	fallback := &Suggestion{
		Label:      "unknown",
		Confidence: 0.1,
		Tags:       []string{"unlabeled", "fallback"},
	}
	if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return fallback
	}

	var result Suggestion
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fallback
	}
	result.Label = strings.TrimSpace(strings.ToLower(result.Label))
	if result.Label == "" {
		return fallback
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	result.Tags = normalizeTags(result.Tags)
	return &result
}

// normalizeTags lowercases, trims and de-duplicates tags.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.ToLower(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	// Remove /* ... */ block comments
	reBlock := regexp.MustCompile(`(?s)/\*.*?\*/`)
	raw = reBlock.ReplaceAllString(raw, "")

	// Remove // line/inline comments
	reLine := regexp.MustCompile(`(?m)^\s*//.*$`)
	raw = reLine.ReplaceAllString(raw, "")
	reInline := regexp.MustCompile(`(?m)//.*$`)
	raw = reInline.ReplaceAllString(raw, "")

	// Remove trailing commas before } or ]
	reTrailing := regexp.MustCompile(`,(\s*[}\]])`)
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
