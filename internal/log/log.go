// Package log provides process-wide structured logging built on zerolog.
package log

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	base    = zerolog.New(os.Stderr).With().Timestamp().Logger()
	started = false
)

// Config controls the process-wide logger.
type Config struct {
	Level   string // debug, info, warn, error
	Service string
	Pretty  bool
}

// Configure (re)builds the process-wide base logger. Safe to call more than
// once (e.g. once with safe defaults before config is loaded, again after).
func Configure(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	logger = logger.Level(level).With().Timestamp().Logger()
	if cfg.Service != "" {
		logger = logger.With().Str("service", cfg.Service).Logger()
	}

	mu.Lock()
	base = logger
	started = true
	mu.Unlock()
}

// L returns the process-wide base logger.
func L() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return L().With().Str("component", component).Logger()
}

// IsConfigured reports whether Configure has been called at least once.
func IsConfigured() bool {
	mu.RLock()
	defer mu.RUnlock()
	return started
}
