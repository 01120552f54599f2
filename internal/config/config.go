// Package config provides configuration management for cutit.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// Default values
	DefaultPort              = 8710
	DefaultLogLevel          = "info"
	DefaultDataDir           = ".cutit"
	DefaultFrameCacheEntries = 128
	DefaultSeekCacheEntries  = 8

	// Environment variable names
	EnvPort       = "CUTIT_PORT"
	EnvLogLevel   = "CUTIT_LOG_LEVEL"
	EnvDataDir    = "CUTIT_DATA_DIR"
	EnvFrameCache = "CUTIT_FRAME_CACHE_ENTRIES"
	EnvSeekCache  = "CUTIT_SEEK_CACHE_ENTRIES"
	EnvFFmpeg     = "CUTIT_FFMPEG"
	EnvFFprobe    = "CUTIT_FFPROBE"

	// Database filename
	DBFilename = "cutit.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	FrameCacheEntries() int
	SeekCacheEntries() int
	FFmpegPath() string
	FFprobePath() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port              int
	logLevel          string
	dataDir           string
	frameCacheEntries int
	seekCacheEntries  int
	ffmpegPath        string
	ffprobePath       string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:              DefaultPort,
		logLevel:          DefaultLogLevel,
		dataDir:           defaultDataDir(),
		frameCacheEntries: DefaultFrameCacheEntries,
		seekCacheEntries:  DefaultSeekCacheEntries,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if fc := os.Getenv(EnvFrameCache); fc != "" {
		n, err := strconv.Atoi(fc)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvFrameCache)
		}
		cfg.frameCacheEntries = n
	}

	if sc := os.Getenv(EnvSeekCache); sc != "" {
		n, err := strconv.Atoi(sc)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid %s: must be a positive integer", EnvSeekCache)
		}
		cfg.seekCacheEntries = n
	}

	cfg.ffmpegPath = os.Getenv(EnvFFmpeg)
	cfg.ffprobePath = os.Getenv(EnvFFprobe)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// FrameCacheEntries returns the decoded-frame cache capacity
func (c *EnvConfig) FrameCacheEntries() int {
	return c.frameCacheEntries
}

// SeekCacheEntries returns the warm-decoder cache capacity
func (c *EnvConfig) SeekCacheEntries() int {
	return c.seekCacheEntries
}

// FFmpegPath returns the configured ffmpeg binary, or empty for the
// PATH default
func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

// FFprobePath returns the configured ffprobe binary, or empty for the
// PATH default
func (c *EnvConfig) FFprobePath() string {
	return c.ffprobePath
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
