// Command image-segmenter runs the interactive segmentation service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	imagesegmenter "github.com/menta2k/image-segmenter"
	"github.com/menta2k/image-segmenter/internal/config"
	"github.com/menta2k/image-segmenter/internal/metrics"
	"github.com/menta2k/image-segmenter/internal/server"
	"github.com/menta2k/image-segmenter/pkg/inference"
	"github.com/menta2k/image-segmenter/pkg/labeler"
)

func main() {
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	reg := metrics.NewRegistry()

	var gateway inference.Gateway
	if cfg.PredictorURL != "" {
		gateway, err = inference.NewHTTPGateway(cfg.PredictorURL, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("creating predictor gateway")
		}
		log.Info().Str("url", cfg.PredictorURL).Msg("using remote predictor")
	} else {
		gateway = inference.NewLocalGateway(log.Logger)
		log.Warn().Msg("no PREDICTOR_URL set, using local fallback gateway")
	}

	seg, err := imagesegmenter.NewWithOptions(gateway, log.Logger, imagesegmenter.Options{
		CacheSize:   cfg.CacheSize,
		MaxImageDim: cfg.MaxImageDim,
		Metrics:     reg,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating segmenter")
	}

	var suggester *labeler.Suggester
	if cfg.OllamaURL != "" {
		client, err := labeler.NewOllamaClient(cfg.OllamaURL)
		if err != nil {
			log.Fatal().Err(err).Msg("creating ollama client")
		}
		suggester = labeler.NewSuggester(client, cfg.LabelModel)
		log.Info().Str("url", cfg.OllamaURL).Str("model", cfg.LabelModel).Msg("label suggestion enabled")
	}

	srv := server.New(seg, suggester, reg, cfg.UploadDir, log.Logger)

	go func() {
		if err := srv.Start(cfg.Address); err != nil {
			log.Info().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Str("address", cfg.Address).Msg("image-segmenter listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	seg.ClearCache()
}

// setupLogging configures zerolog with a human-friendly console writer.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stdout
		w.TimeFormat = time.RFC3339
	})
	log.Logger = zerolog.New(cw).With().Timestamp().Logger()
}
