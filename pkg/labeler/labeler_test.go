package labeler

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"reflect"
	"testing"

	"github.com/menta2k/image-segmenter/pkg/geometry"
)

// fakeVision records the query and answers with a canned response.
type fakeVision struct {
	response string
	err      error

	gotModel  string
	gotPrompt string
	gotImage  string
}

func (f *fakeVision) Query(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.gotModel = model
	f.gotPrompt = prompt
	f.gotImage = imgB64
	return f.response, f.err
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{100, 150, 200, 255})
		}
	}
	return img
}

func TestSuggestLabel(t *testing.T) {
	client := &fakeVision{response: `{"label": "Coffee Mug", "confidence": 0.83, "tags": ["mug", "ceramic"]}`}
	s := NewSuggester(client, "test-model")

	poly := geometry.Polygon{{X: 5, Y: 5}, {X: 30, Y: 5}, {X: 18, Y: 30}}
	suggestion, err := s.SuggestLabel(context.Background(), testImage(), poly)
	if err != nil {
		t.Fatalf("SuggestLabel failed: %v", err)
	}

	if suggestion.Label != "coffee mug" {
		t.Errorf("Expected lowercased label, got %q", suggestion.Label)
	}
	if suggestion.Confidence != 0.83 {
		t.Errorf("Expected confidence 0.83, got %f", suggestion.Confidence)
	}
	if client.gotModel != "test-model" {
		t.Errorf("Wrong model queried: %q", client.gotModel)
	}
	if client.gotPrompt != DefaultPrompt {
		t.Error("Prompt was not the default region-label prompt")
	}

	// The model receives the cropped region as base64 JPEG.
	raw, err := base64.StdEncoding.DecodeString(client.gotImage)
	if err != nil {
		t.Fatalf("Image payload is not valid base64: %v", err)
	}
	if len(raw) < 2 || raw[0] != 0xFF || raw[1] != 0xD8 {
		t.Error("Image payload is not a JPEG")
	}
}

func TestSuggestLabelQueryError(t *testing.T) {
	client := &fakeVision{err: errors.New("connection refused")}
	s := NewSuggester(client, "test-model")

	poly := geometry.Polygon{{X: 5, Y: 5}, {X: 30, Y: 5}, {X: 18, Y: 30}}
	if _, err := s.SuggestLabel(context.Background(), testImage(), poly); err == nil {
		t.Error("Expected the query error to surface")
	}
}

func TestParseSuggestionPlain(t *testing.T) {
	got := parseSuggestion(`{"label": "cat", "confidence": 0.9, "tags": ["animal", "pet"]}`)
	if got.Label != "cat" || got.Confidence != 0.9 {
		t.Errorf("Wrong parse: %+v", got)
	}
	if !reflect.DeepEqual(got.Tags, []string{"animal", "pet"}) {
		t.Errorf("Wrong tags: %v", got.Tags)
	}
}

func TestParseSuggestionFenced(t *testing.T) {
	raw := "```json\n{\"label\": \"dog\", \"confidence\": 0.7, \"tags\": [\"animal\"]}\n```"
	got := parseSuggestion(raw)
	if got.Label != "dog" {
		t.Errorf("Fenced JSON not parsed: %+v", got)
	}
}

func TestParseSuggestionDirtyJSON(t *testing.T) {
	raw := `Here is the answer:
{
  // the object
  "label": "bicycle",
  "confidence": 0.6,
  "tags": ["vehicle", "outdoor",],
}`
	got := parseSuggestion(raw)
	if got.Label != "bicycle" {
		t.Errorf("Dirty JSON not recovered: %+v", got)
	}
	if !reflect.DeepEqual(got.Tags, []string{"vehicle", "outdoor"}) {
		t.Errorf("Wrong tags: %v", got.Tags)
	}
}

func TestParseSuggestionFallback(t *testing.T) {
	for _, raw := range []string{
		"I cannot identify this object.",
		"",
		`{"label": "", "confidence": 0.5}`,
		`{"label": 42}`,
	} {
		got := parseSuggestion(raw)
		if got.Label != "unknown" {
			t.Errorf("Expected fallback for %q, got %+v", raw, got)
		}
		if got.Confidence != 0.1 {
			t.Errorf("Expected fallback confidence for %q, got %f", raw, got.Confidence)
		}
	}
}

func TestParseSuggestionClampsConfidence(t *testing.T) {
	if got := parseSuggestion(`{"label": "cat", "confidence": 1.7}`); got.Confidence != 1 {
		t.Errorf("Expected confidence clamped to 1, got %f", got.Confidence)
	}
	if got := parseSuggestion(`{"label": "cat", "confidence": -0.3}`); got.Confidence != 0 {
		t.Errorf("Expected confidence clamped to 0, got %f", got.Confidence)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" Animal ", "pet", "ANIMAL", "", "pet"})
	if !reflect.DeepEqual(got, []string{"animal", "pet"}) {
		t.Errorf("Wrong normalization: %v", got)
	}
}
