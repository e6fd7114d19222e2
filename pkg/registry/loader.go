package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Loader owns the base document and the per-scope layer files, and serves
// effective snapshots. The base document is held behind an atomic pointer;
// PUT /registry and reloads swap it without blocking readers.
type Loader struct {
	layersDir string
	base      atomic.Pointer[map[string]any]
}

// NewLoader reads the base document from basePath. layersDir may be empty
// when no layering is configured.
func NewLoader(basePath, layersDir string) (*Loader, error) {
	l := &Loader{layersDir: layersDir}
	raw, err := readDocument(basePath)
	if err != nil {
		return nil, err
	}
	// Decode once so a broken base document fails at startup.
	if _, err := DecodeDocument(raw); err != nil {
		return nil, err
	}
	l.base.Store(&raw)
	return l, nil
}

// NewLoaderFromDocument builds a loader over an in-memory base document,
// used by tests and the ephemeral dev mode.
func NewLoaderFromDocument(raw map[string]any) (*Loader, error) {
	if _, err := DecodeDocument(raw); err != nil {
		return nil, err
	}
	l := &Loader{}
	l.base.Store(&raw)
	return l, nil
}

// Base returns the current raw base document.
func (l *Loader) Base() map[string]any {
	return *l.base.Load()
}

// Replace swaps the base document after validating it.
func (l *Loader) Replace(raw map[string]any) error {
	if _, err := DecodeDocument(raw); err != nil {
		return err
	}
	l.base.Store(&raw)
	return nil
}

// Effective merges base -> org -> tenant -> user and decodes the result.
// Missing layer files are skipped; malformed ones are errors.
func (l *Loader) Effective(orgID, tenantID, userID string) (*Document, error) {
	merged := l.Base()
	for _, layer := range []struct{ scope, id string }{
		{"org", orgID},
		{"tenant", tenantID},
		{"user", userID},
	} {
		if layer.id == "" || l.layersDir == "" {
			continue
		}
		raw, ok, err := l.readLayer(layer.scope, layer.id)
		if err != nil {
			return nil, err
		}
		if ok {
			merged = Merge(merged, raw)
		}
	}
	return DecodeDocument(merged)
}

func (l *Loader) readLayer(scope, id string) (map[string]any, bool, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(l.layersDir, fmt.Sprintf("%s.%s%s", scope, id, ext))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		raw, err := readDocument(path)
		if err != nil {
			return nil, false, err
		}
		return raw, true, nil
	}
	return nil, false, nil
}

// readDocument parses a YAML or JSON registry document into a raw map.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return raw, nil
}
