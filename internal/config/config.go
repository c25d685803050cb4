// Package config loads the service configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config holds the segmentation service configuration.
type Config struct {
	// HTTP listen address, e.g. ":8080"
	Address string `env:"ADDRESS" envDefault:":8080"`

	// PredictorURL is the remote SAM-style predictor endpoint. Empty
	// selects the built-in local fallback gateway.
	PredictorURL string `env:"PREDICTOR_URL"`

	// OllamaURL and LabelModel configure optional label suggestion for
	// segmented regions. Empty OllamaURL disables it.
	OllamaURL  string `env:"OLLAMA_URL"`
	LabelModel string `env:"LABEL_MODEL" envDefault:"minicpm-v"`

	// UploadDir receives uploaded images.
	UploadDir string `env:"UPLOAD_DIR" envDefault:"./uploads"`

	// CacheSize bounds the number of images with live embeddings.
	CacheSize int `env:"CACHE_SIZE" envDefault:"8"`

	// MaxImageDim caps the longer image side on load; larger images are
	// downscaled before embedding.
	MaxImageDim int `env:"MAX_IMAGE_DIM" envDefault:"4096"`

	// Debug switches on human-readable debug logging.
	Debug bool `env:"DEBUG" envDefault:"false"`
}

// Load reads .env (if present) and parses environment variables.
func Load() (Config, error) {
	// Ignore the error if no .env file exists
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the parsed configuration.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("ADDRESS cannot be empty")
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("CACHE_SIZE must be positive")
	}
	if c.MaxImageDim < 64 {
		return fmt.Errorf("MAX_IMAGE_DIM must be at least 64")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR cannot be empty")
	}
	return nil
}
