package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Sternrassler/muscu-offline/pkg/manifest"
)

// Store backends.
const (
	storeMemory = "memory"
	storeRedis  = "redis"
	storeSQLite = "sqlite"
)

// Config is the proxy configuration, read from the environment.
type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	UpstreamURL    string        `env:"UPSTREAM_URL,required"`
	Store          string        `env:"STORE" envDefault:"memory"`
	RedisURL       string        `env:"REDIS_URL" envDefault:"localhost:6379"`
	SQLitePath     string        `env:"SQLITE_PATH" envDefault:"data/shim.db"`
	ManifestPath   string        `env:"MANIFEST_PATH"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty      bool          `env:"LOG_PRETTY"`
	UserAgent      string        `env:"USER_AGENT" envDefault:"muscu-offline/0.1.0"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case storeMemory, storeRedis, storeSQLite:
	default:
		return fmt.Errorf("unknown store %q (want memory, redis or sqlite)", c.Store)
	}
	if _, err := c.upstream(); err != nil {
		return err
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must be >= 0 (got %s)", c.RequestTimeout)
	}
	return nil
}

// upstream parses UPSTREAM_URL with a trailing slash on the path.
func (c Config) upstream() (*url.URL, error) {
	return manifest.Manifest{Scope: c.UpstreamURL}.ScopeURL()
}

// loadManifest reads the manifest file (if any) over the default, applies
// the SHIM_* environment and scopes it to the upstream when no scope is
// configured.
func (c Config) loadManifest() (manifest.Manifest, error) {
	m := manifest.Default()
	if c.ManifestPath != "" {
		var err error
		if m, err = manifest.Load(c.ManifestPath); err != nil {
			return manifest.Manifest{}, err
		}
	}
	if err := manifest.ApplyEnv(&m); err != nil {
		return manifest.Manifest{}, err
	}
	if m.Scope == "" {
		m.Scope = c.UpstreamURL
	}
	if err := m.Validate(); err != nil {
		return manifest.Manifest{}, err
	}
	return m, nil
}
