// Package loader decodes image files into the pixel buffers the
// segmentation core consumes. It handles JPEG, PNG, WebP, TIFF and BMP,
// caps oversized images to an annotation-friendly resolution and
// flattens everything to RGB.
package loader

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/menta2k/image-segmenter/pkg/geometry"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// Config holds configuration for the loader.
type Config struct {
	// MaxDimension caps the longer image side; larger images are
	// downscaled before embedding so the model pass stays bounded.
	MaxDimension int
}

// Loader turns files, readers and URLs into decoded images and pixel buffers.
type Loader struct {
	config Config
}

// New creates a Loader with the default 4096px cap.
func New() *Loader {
	return &Loader{config: Config{MaxDimension: 4096}}
}

// NewWithConfig creates a Loader with custom configuration.
func NewWithConfig(config Config) *Loader {
	if config.MaxDimension <= 0 {
		config.MaxDimension = 4096
	}
	return &Loader{config: config}
}

// LoadImage loads an image from file.
func (l *Loader) LoadImage(filepath string) (image.Image, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	return l.LoadImageFromReader(file)
}

// LoadImageFromReader decodes an image from an io.Reader. Formats
// registered with image.Decode are tried first; raw WebP streams that the
// registered decoder rejects fall back to the chai2010 decoder.
func (l *Loader) LoadImageFromReader(reader io.Reader) (image.Image, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	if isWebP(data) {
		if img, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", types.ErrImageDecode, err)
}

// isWebP sniffs the RIFF/WEBP container header.
func isWebP(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP"))
}

// LoadFromURL downloads and decodes an image from an http(s) URL.
func (l *Loader) LoadFromURL(imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Image-Segmenter/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d", resp.StatusCode)
	}
	return l.LoadImageFromReader(resp.Body)
}

// ToPixels flattens a decoded image to a 3-channel RGB buffer. Images
// larger than MaxDimension on either side are downscaled first, and
// transparency is composited over a white background.
func (l *Loader) ToPixels(img image.Image) *types.Pixels {
	bounds := img.Bounds()
	if bounds.Dx() > l.config.MaxDimension || bounds.Dy() > l.config.MaxDimension {
		img = imaging.Fit(img, l.config.MaxDimension, l.config.MaxDimension, imaging.Lanczos)
	}

	nrgba := imaging.Clone(img)
	width, height := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()

	pixels := &types.Pixels{
		Width:    width,
		Height:   height,
		Channels: 3,
		Data:     make([]uint8, width*height*3),
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			src := nrgba.PixOffset(x, y)
			r := uint16(nrgba.Pix[src])
			g := uint16(nrgba.Pix[src+1])
			b := uint16(nrgba.Pix[src+2])
			a := uint16(nrgba.Pix[src+3])

			dst := (y*width + x) * 3
			pixels.Data[dst] = uint8((r*a + 255*(255-a)) / 255)
			pixels.Data[dst+1] = uint8((g*a + 255*(255-a)) / 255)
			pixels.Data[dst+2] = uint8((b*a + 255*(255-a)) / 255)
		}
	}
	return pixels
}

// LoadPixels loads a file and flattens it in one step.
func (l *Loader) LoadPixels(filepath string) (*types.Pixels, error) {
	img, err := l.LoadImage(filepath)
	if err != nil {
		return nil, err
	}
	return l.ToPixels(img), nil
}

// CropPolygonBounds crops the axis-aligned bounding box of a polygon out
// of the image, clamped to the image bounds. Used to hand a segmented
// region to the label suggester.
func CropPolygonBounds(img image.Image, poly geometry.Polygon) image.Image {
	if len(poly) == 0 {
		return img
	}
	rect := poly.Bounds()
	bounds := img.Bounds()

	x0 := clamp(int(math.Floor(rect.X.Lo)), bounds.Min.X, bounds.Max.X)
	y0 := clamp(int(math.Floor(rect.Y.Lo)), bounds.Min.Y, bounds.Max.Y)
	x1 := clamp(int(math.Ceil(rect.X.Hi))+1, bounds.Min.X, bounds.Max.X)
	y1 := clamp(int(math.Ceil(rect.Y.Hi))+1, bounds.Min.Y, bounds.Max.Y)
	if x1 <= x0 || y1 <= y0 {
		return img
	}
	return imaging.Crop(img, image.Rect(x0, y0, x1, y1))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
