package shim

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/muscu-offline/pkg/manifest"
)

// Config holds the shim configuration. It is immutable once passed to New.
type Config struct {
	// Namespace is the current cache namespace (e.g. "muscu-v2")
	Namespace string

	// Scope is the absolute base URL of the controlled pages. It defines
	// the origin used by the same-origin test.
	Scope *url.URL

	// Assets are the relative paths fetched and stored by Install
	Assets []string

	// ShellPath is served when the network is unreachable (default: ./index.html)
	ShellPath string

	// InstallConcurrency is the number of parallel asset fetches (default: 4)
	InstallConcurrency int

	// AssetTimeout bounds each install-time asset fetch (0 = no timeout)
	AssetTimeout time.Duration
}

// DefaultConfig returns the configuration of the compiled-in manifest for
// the given scope.
func DefaultConfig(scope *url.URL) Config {
	m := manifest.Default()
	return Config{
		Namespace:          m.Namespace,
		Scope:              scope,
		Assets:             m.Assets,
		ShellPath:          manifest.ShellPath,
		InstallConcurrency: 4,
		AssetTimeout:       30 * time.Second,
	}
}

// ConfigFromManifest validates m and builds a Config from it.
func ConfigFromManifest(m manifest.Manifest) (Config, error) {
	if err := m.Validate(); err != nil {
		return Config{}, err
	}
	scope, err := m.ScopeURL()
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig(scope)
	cfg.Namespace = m.Namespace
	cfg.Assets = append([]string(nil), m.Assets...)
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("namespace is required")
	}
	if c.Scope == nil || !c.Scope.IsAbs() || c.Scope.Host == "" {
		return errors.New("scope must be an absolute URL")
	}
	if c.InstallConcurrency < 0 {
		return fmt.Errorf("install_concurrency must be >= 0 (got %d)", c.InstallConcurrency)
	}
	if c.AssetTimeout < 0 {
		return fmt.Errorf("asset_timeout must be >= 0 (got %s)", c.AssetTimeout)
	}
	return nil
}
