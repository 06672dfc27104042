// Package manifest declares the offline asset set and the cache namespace
// it is stored under.
//
// The compiled-in Default can be overridden from a YAML file and from the
// environment:
//
//	m := manifest.Default()
//	if path != "" {
//		m, err = manifest.Load(path)
//	}
//	err = manifest.ApplyEnv(&m)
//	err = m.Validate()
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ShellPath is the page shell. It doubles as the universal offline fallback.
const ShellPath = "./index.html"

// DefaultNamespace is the current cache namespace. Bump it to invalidate
// every previously cached asset.
const DefaultNamespace = "muscu-v2"

var (
	// ErrInvalidManifest is returned by Validate.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// Manifest is the declared offline asset set.
type Manifest struct {
	// Namespace is the current cache namespace (e.g. "muscu-v2")
	Namespace string `yaml:"namespace" env:"SHIM_NAMESPACE"`

	// Scope is the absolute base URL the assets are relative to
	Scope string `yaml:"scope" env:"SHIM_SCOPE"`

	// Assets are relative paths, in install order
	Assets []string `yaml:"assets" env:"SHIM_ASSETS" envSeparator:","`
}

// Default returns the compiled-in manifest.
func Default() Manifest {
	return Manifest{
		Namespace: DefaultNamespace,
		Assets: []string{
			ShellPath,
			"./style.css",
			"./manifest.json",
			"./js/db.js",
			"./js/storage.js",
			"./js/exercises.js",
			"./js/workouts.js",
			"./js/stats.js",
			"./js/app.js",
			"./icons/icon-192.png",
			"./icons/icon-512.png",
		},
	}
}

// Load reads a YAML manifest. Fields absent from the file keep their
// Default values.
func Load(path string) (Manifest, error) {
	m := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	return m, nil
}

// ApplyEnv overrides fields from SHIM_NAMESPACE, SHIM_SCOPE and SHIM_ASSETS.
func ApplyEnv(m *Manifest) error {
	if err := env.Parse(m); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the manifest invariants: a namespace, the shell, no
// duplicates, and only relative same-origin paths.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Namespace) == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidManifest)
	}

	seen := make(map[string]bool, len(m.Assets))
	hasShell := false
	for _, a := range m.Assets {
		u, err := url.Parse(a)
		if err != nil {
			return fmt.Errorf("%w: asset %q: %v", ErrInvalidManifest, a, err)
		}
		if u.IsAbs() || u.Host != "" || strings.HasPrefix(a, "/") {
			return fmt.Errorf("%w: asset %q must be relative to the scope", ErrInvalidManifest, a)
		}
		if escapesScope(a) {
			return fmt.Errorf("%w: asset %q resolves outside the scope", ErrInvalidManifest, a)
		}

		norm := normalize(a)
		if seen[norm] {
			return fmt.Errorf("%w: duplicate asset %q", ErrInvalidManifest, a)
		}
		seen[norm] = true
		if norm == normalize(ShellPath) {
			hasShell = true
		}
	}
	if !hasShell {
		return fmt.Errorf("%w: shell %s must be listed", ErrInvalidManifest, ShellPath)
	}

	if m.Scope != "" {
		if _, err := m.ScopeURL(); err != nil {
			return err
		}
	}

	return nil
}

// ScopeURL parses Scope. The path always ends with "/" so relative
// references resolve inside it.
func (m Manifest) ScopeURL() (*url.URL, error) {
	u, err := url.Parse(m.Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: scope %q: %v", ErrInvalidManifest, m.Scope, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: scope %q must be an absolute URL", ErrInvalidManifest, m.Scope)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// Resolve returns the absolute asset URLs in manifest order.
func (m Manifest) Resolve(scope *url.URL) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(m.Assets))
	for _, a := range m.Assets {
		ref, err := url.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("%w: asset %q: %v", ErrInvalidManifest, a, err)
		}
		out = append(out, scope.ResolveReference(ref))
	}
	return out, nil
}

// Contains reports whether ref (relative to the scope) is listed.
func (m Manifest) Contains(ref string) bool {
	want := normalize(ref)
	for _, a := range m.Assets {
		if normalize(a) == want {
			return true
		}
	}
	return false
}

// normalize maps "./a/../b.js", "b.js" and "./b.js" to the same form.
// References escaping the scope keep their leading "../" segments.
func normalize(ref string) string {
	return "./" + path.Clean(stripQuery(ref))
}

// escapesScope reports whether ref climbs above the scope directory.
func escapesScope(ref string) bool {
	cleaned := path.Clean(stripQuery(ref))
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}

func stripQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}
