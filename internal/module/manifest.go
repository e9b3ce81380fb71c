package module

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the plugin manifest read at startup. It selects and tunes modules from
// the compiled-in catalog without code changes.
type Manifest struct {
	Modules []ManifestEntry `yaml:"modules"`
}

// ManifestEntry tunes one module. Nil pointers leave the descriptor untouched.
type ManifestEntry struct {
	Name     string         `yaml:"name"`
	Enabled  *bool          `yaml:"enabled"`
	Priority *int           `yaml:"priority"`
	Timeout  time.Duration  `yaml:"timeout"`
	Options  map[string]any `yaml:"options"`
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i, e := range m.Modules {
		if e.Name == "" {
			return nil, fmt.Errorf("manifest modules[%d]: name is required", i)
		}
	}
	return &m, nil
}
