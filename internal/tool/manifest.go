package tool

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk declaration of available tools. Manifest
// entries register metadata only; the hosting process attaches
// implementations with RegisterHandler.
type Manifest struct {
	Tools []Info `yaml:"tools"`
}

// LoadManifest reads a YAML tool manifest and registers its entries.
func (r *InMemoryRegistry) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tool manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse tool manifest: %w", err)
	}

	for _, info := range m.Tools {
		if err := r.Register(info, nil); err != nil {
			return fmt.Errorf("manifest tool %q: %w", info.Name, err)
		}
	}
	return nil
}
