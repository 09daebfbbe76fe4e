package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backends lists the accepted WORLDCORE_BACKEND values.
var Backends = []string{"yaml", "sqlite", "redis", "memory"}

// Config holds the application configuration.
type Config struct {
	SaveDir string `env:"WORLDCORE_SAVE_DIR" envDefault:".saves"`
	World   string `env:"WORLDCORE_WORLD" envDefault:"current"`
	Backend string `env:"WORLDCORE_BACKEND" envDefault:"yaml"`

	// SQLitePath defaults to world.db inside the world directory.
	SQLitePath    string `env:"WORLDCORE_SQLITE_PATH"`
	RedisAddr     string `env:"WORLDCORE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"WORLDCORE_REDIS_PASSWORD"`
	RedisDB       int    `env:"WORLDCORE_REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"WORLDCORE_REDIS_PREFIX" envDefault:"worldcore:"`

	// GeminiAPIKey enables the generative rewriter when set.
	GeminiAPIKey string  `env:"GEMINI_API_KEY"`
	GeminiModel  string  `env:"WORLDCORE_GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	RewriteRPS   float64 `env:"WORLDCORE_REWRITE_RPS" envDefault:"2"`

	DecayRate       float64 `env:"WORLDCORE_DECAY_RATE" envDefault:"0.05"`
	DecayEveryTicks int     `env:"WORLDCORE_DECAY_EVERY_TICKS" envDefault:"10"`
	RumorCacheSize  int     `env:"WORLDCORE_RUMOR_CACHE_SIZE" envDefault:"1024"`
	Workers         int     `env:"WORLDCORE_WORKERS" envDefault:"8"`

	PersistRetries int           `env:"WORLDCORE_PERSIST_RETRIES" envDefault:"3"`
	PersistBackoff time.Duration `env:"WORLDCORE_PERSIST_BACKOFF" envDefault:"50ms"`

	// OTelEndpoint turns on trace export, e.g. http://localhost:4318.
	OTelEndpoint string `env:"WORLDCORE_OTEL_ENDPOINT"`
}

// LoadConfig reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, cfg.Validate()
}

// FromMap parses cfg from vars only, ignoring the process environment.
func FromMap(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("WORLDCORE_BACKEND must be one of %s, got %q", strings.Join(Backends, ", "), c.Backend))
	}
	if c.World == "" || strings.ContainsAny(c.World, `/\`) || c.World == "." || c.World == ".." {
		errs = append(errs, fmt.Errorf("WORLDCORE_WORLD %q is not a valid world name", c.World))
	}
	if c.DecayRate < 0 || c.DecayRate > 1 {
		errs = append(errs, fmt.Errorf("WORLDCORE_DECAY_RATE must be within [0,1], got %v", c.DecayRate))
	}
	if c.DecayEveryTicks < 0 {
		errs = append(errs, fmt.Errorf("WORLDCORE_DECAY_EVERY_TICKS must not be negative"))
	}
	if c.RumorCacheSize < 1 {
		errs = append(errs, fmt.Errorf("WORLDCORE_RUMOR_CACHE_SIZE must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORLDCORE_WORKERS must be positive"))
	}
	if c.PersistRetries < 0 {
		errs = append(errs, fmt.Errorf("WORLDCORE_PERSIST_RETRIES must not be negative"))
	}
	return errors.Join(errs...)
}

// WorldDir is the directory holding the current world's files.
func (c *Config) WorldDir() string {
	return filepath.Join(c.SaveDir, c.World)
}

// SQLiteFile resolves the database path for the sqlite backend.
func (c *Config) SQLiteFile() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(c.WorldDir(), "world.db")
}

// RewriterEnabled reports whether a Gemini key is configured.
func (c *Config) RewriterEnabled() bool {
	return c.GeminiAPIKey != ""
}
