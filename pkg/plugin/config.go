package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest lists plugin binaries to register at startup.
type Manifest struct {
	Directory string           `yaml:"directory"`
	Policy    CapabilityPolicy `yaml:"policy"`
	Limits    ResourceLimits   `yaml:"limits"`
	Entries   []Entry          `yaml:"entries"`
}

// Entry is the configuration block for a single plugin binary. The embedded
// record supplies the metadata the plugin is registered with.
type Entry struct {
	Record  `yaml:",inline"`
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
	Start   bool   `yaml:"start"`
}

// LoadManifest reads a YAML file into a Manifest.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	if path == "" {
		return m, errors.New("manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read plugin manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("unmarshal plugin manifest: %w", err)
	}
	return m, nil
}

// Validate ensures the manifest is internally consistent.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Entries))
	for i, entry := range m.Entries {
		if entry.ID == "" && entry.Name == "" {
			return fmt.Errorf("plugin entry %d needs an id or a name", i)
		}
		key := entry.ID
		if key == "" {
			key = entry.Name
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("plugin %s listed more than once", key)
		}
		seen[key] = struct{}{}
		if entry.Enabled && entry.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", key)
		}
	}
	return nil
}

// Enabled returns the entries marked enabled, with relative paths resolved
// against Directory.
func (m Manifest) Enabled() []Entry {
	out := make([]Entry, 0, len(m.Entries))
	for _, entry := range m.Entries {
		if !entry.Enabled {
			continue
		}
		if !filepath.IsAbs(entry.Path) && m.Directory != "" {
			entry.Path = filepath.Join(m.Directory, entry.Path)
		}
		entry.Record = entry.Record.Clone()
		out = append(out, entry)
	}
	return out
}
