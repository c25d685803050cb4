// Package server exposes the segmentation session over HTTP for the
// annotation frontend: image upload/open, click-to-polygon segmentation,
// cache management and counters.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	imagesegmenter "github.com/menta2k/image-segmenter"
	"github.com/menta2k/image-segmenter/internal/metrics"
	"github.com/menta2k/image-segmenter/internal/utils"
	"github.com/menta2k/image-segmenter/pkg/labeler"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// Server wires the segmentation facade into an echo application.
type Server struct {
	seg       *imagesegmenter.Segmenter
	suggester *labeler.Suggester // nil disables label suggestion
	reg       *metrics.Registry
	uploadDir string
	log       zerolog.Logger
	echo      *echo.Echo
}

// New builds the server and registers all routes.
func New(seg *imagesegmenter.Segmenter, suggester *labeler.Suggester, reg *metrics.Registry, uploadDir string, log zerolog.Logger) *Server {
	s := &Server{
		seg:       seg,
		suggester: suggester,
		reg:       reg,
		uploadDir: uploadDir,
		log:       log,
		echo:      echo.New(),
	}
	s.echo.HideBanner = true
	s.echo.Use(RequestLogger(reg))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/images", s.handleUpload)
	v1.POST("/images/open", s.handleOpen)
	v1.POST("/segment/point", s.handleSegmentPoint)
	v1.DELETE("/cache", s.handleClearCache)

	s.echo.GET("/metrics", s.handleMetrics)
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// Echo returns the underlying echo instance, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type openResponse struct {
	ImageID string `json:"image_id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// handleUpload stores a multipart image under a fresh uuid filename and
// opens a session for it.
func (s *Server) handleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}
	if !utils.IsImageFile(fileHeader.Filename) {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported image format")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	defer src.Close()

	if err := utils.EnsureDir(s.uploadDir); err != nil {
		return err
	}
	ext := utils.GetFileExtension(utils.SanitizeFilename(fileHeader.Filename))
	path := filepath.Join(s.uploadDir, uuid.NewString()+"."+ext)

	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return err
	}

	id, dims, err := s.seg.OpenImageFile(c.Request().Context(), path)
	if err != nil {
		os.Remove(path)
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, openResponse{
		ImageID: string(id),
		Width:   dims.Width,
		Height:  dims.Height,
	})
}

type openRequest struct {
	Path string `json:"path"`
}

// handleOpen opens an image already on disk, keyed by its path.
func (s *Server) handleOpen(c echo.Context) error {
	var req openRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	id, dims, err := s.seg.OpenImageFile(c.Request().Context(), req.Path)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, openResponse{
		ImageID: string(id),
		Width:   dims.Width,
		Height:  dims.Height,
	})
}

type segmentRequest struct {
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Label        *int   `json:"label"` // 1 foreground (default), 0 background
	TargetPoints int    `json:"target_points"`
	SuggestLabel bool   `json:"suggest_label"`
	ImageID      string `json:"image_id"` // informational; session follows the last open
}

type segmentResponse struct {
	Polygon     [][2]float64        `json:"polygon"`
	VertexCount int                 `json:"vertex_count"`
	MaskArea    int                 `json:"mask_area"`
	Suggestion  *labeler.Suggestion `json:"suggestion,omitempty"`
}

// handleSegmentPoint runs the click-to-polygon pipeline against the
// current session. An empty mask comes back as 200 with a null polygon.
func (s *Server) handleSegmentPoint(c echo.Context) error {
	var req segmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	label := types.Foreground
	if req.Label != nil && *req.Label == 0 {
		label = types.Background
	}

	ctx := c.Request().Context()
	mask, err := s.seg.PredictFromPoint(ctx, req.X, req.Y, label)
	if err != nil {
		return httpError(err)
	}

	polygon := s.seg.MaskToPolygon(mask, true, req.TargetPoints)
	resp := segmentResponse{
		MaskArea: mask.Area(),
	}
	if polygon != nil {
		resp.Polygon = make([][2]float64, len(polygon))
		for i, p := range polygon {
			resp.Polygon[i] = [2]float64{p.X, p.Y}
		}
		resp.VertexCount = len(polygon)
	}

	if req.SuggestLabel && s.suggester != nil && polygon != nil {
		if id, ok := s.seg.Current(); ok {
			if img, lerr := s.seg.Loader().LoadImage(string(id)); lerr == nil {
				if suggestion, serr := s.suggester.SuggestLabel(ctx, img, polygon); serr == nil {
					resp.Suggestion = suggestion
				} else {
					zerolog.Ctx(ctx).Warn().Err(serr).Msg("label suggestion failed")
				}
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleClearCache drops one session entry (?image=...) or all of them.
func (s *Server) handleClearCache(c echo.Context) error {
	if image := c.QueryParam("image"); image != "" {
		s.seg.ClearCache(types.ImageID(image))
	} else {
		s.seg.ClearCache()
	}
	return c.NoContent(http.StatusNoContent)
}

// handleMetrics writes counters in simple text format.
func (s *Server) handleMetrics(c echo.Context) error {
	lines := s.reg.SnapshotLines()
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	for i := range lines {
		if _, err := c.Response().Write([]byte(lines[i] + "\n")); err != nil {
			return err
		}
	}
	return nil
}

// httpError maps core error taxonomy to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, types.ErrNoActiveSession):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrImageDecode):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrInference):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, os.ErrNotExist):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return err
	}
}
