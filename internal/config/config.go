// Package config loads process configuration from CRUCIBLE_-prefixed
// environment variables. Configuration is read once at startup and injected
// into constructors; nothing reads the environment at call time.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds the initiator process configuration.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath      string `env:"DB_PATH" envDefault:"crucible.db"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ArtifactDir string `env:"ARTIFACT_DIR" envDefault:"artifacts"`

	// DefaultMode applies when a run request names no execution mode.
	DefaultMode string `env:"DEFAULT_MODE" envDefault:"auto"`

	// WorkerURL is the base URL of the remote worker.
	WorkerURL string `env:"WORKER_URL" envDefault:"http://127.0.0.1:9090"`

	// CallbackBaseURL is this process's externally reachable base URL, used
	// to build the result callback address handed to the worker. Defaults to
	// the listen address on localhost.
	CallbackBaseURL string `env:"CALLBACK_BASE_URL"`

	// MaxLocalRuns bounds concurrently executing local pipelines.
	MaxLocalRuns int64 `env:"MAX_LOCAL_RUNS" envDefault:"2"`
}

// WorkerConfig holds the worker process configuration.
type WorkerConfig struct {
	ListenAddr  string `env:"WORKER_LISTEN_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ArtifactDir string `env:"WORKER_ARTIFACT_DIR" envDefault:"worker-artifacts"`
}

// Load reads the initiator configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CRUCIBLE_"}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.CallbackBaseURL == "" {
		cfg.CallbackBaseURL = "http://127.0.0.1" + cfg.ListenAddr
	}
	return cfg, nil
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CRUCIBLE_"}); err != nil {
		return WorkerConfig{}, fmt.Errorf("parse worker config: %w", err)
	}
	return cfg, nil
}

// CallbackAddress returns the full URL of the result callback endpoint.
func (c Config) CallbackAddress() string {
	return strings.TrimRight(c.CallbackBaseURL, "/") + "/v1/results"
}

// SlogLevel maps the configured level string onto a slog level. Unknown
// values fall back to info.
func SlogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
