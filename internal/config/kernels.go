package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KernelManifest is a standalone yaml file shipped next to a compiled module,
// declaring the extra routines the module exports.
type KernelManifest struct {
	Module  string   `yaml:"module"`
	Kernels []Kernel `yaml:"kernels"`
}

func LoadKernelManifest(path string) (*KernelManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var manifest KernelManifest
	err = yaml.Unmarshal(data, &manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kernel manifest %s: %w", path, err)
	}

	seen := make(map[string]bool, len(manifest.Kernels))
	for _, k := range manifest.Kernels {
		if seen[k.Name] {
			return nil, fmt.Errorf("kernel manifest %s declares %q twice", path, k.Name)
		}
		seen[k.Name] = true
	}
	return &manifest, nil
}

// Kernel returns the declaration named name.
func (m *KernelManifest) Kernel(name string) (Kernel, error) {
	for _, k := range m.Kernels {
		if k.Name == name {
			return k, nil
		}
	}
	return Kernel{}, fmt.Errorf("kernel not found in manifest for %s: %s", m.Module, name)
}
