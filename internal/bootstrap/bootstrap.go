// Package bootstrap performs process initialization shared by all CLI
// commands: .env loading, config resolution and logger setup.
package bootstrap

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/nghyane/qwen-proxy/internal/config"
	log "github.com/nghyane/qwen-proxy/internal/logging"
)

// Bootstrap loads .env (when present), resolves the configuration from the
// environment and configures the logger level.
func Bootstrap() (*config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg := config.FromEnv()
	log.SetLevel(cfg.LogLevel, cfg.Debug)
	return cfg, nil
}
