package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/panelyt/panelyt-api/biomarkers"
)

// Lab describes one provider in the static registry. The registry only
// supplies display metadata; candidate identity always comes from pricing
// responses.
type Lab struct {
	Code    string `yaml:"code"`
	Name    string `yaml:"name"`
	HomeURL string `yaml:"home_url"`
}

type registryFile struct {
	Labs []Lab `yaml:"labs"`
}

// Registry maps canonical provider codes to their display metadata.
// A nil Registry is usable and resolves every code to itself.
type Registry struct {
	byCode map[string]Lab
}

// LoadRegistry reads the lab registry from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from server config
	if err != nil {
		return nil, fmt.Errorf("reading lab registry %s: %w", path, err)
	}

	var parsed registryFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing lab registry %s: %w", path, err)
	}

	byCode := make(map[string]Lab, len(parsed.Labs))
	for _, lab := range parsed.Labs {
		code := biomarkers.Normalize(lab.Code)
		if code == "" {
			return nil, fmt.Errorf("lab registry %s: entry with empty code", path)
		}
		lab.Code = code
		byCode[code] = lab
	}
	return &Registry{byCode: byCode}, nil
}

// Lookup returns the registry entry for a provider code.
func (r *Registry) Lookup(code string) (Lab, bool) {
	if r == nil {
		return Lab{}, false
	}
	lab, ok := r.byCode[biomarkers.Normalize(code)]
	return lab, ok
}

// Name returns the display name for a provider, falling back to the
// canonical code when the registry does not know it.
func (r *Registry) Name(code string) string {
	if lab, ok := r.Lookup(code); ok && lab.Name != "" {
		return lab.Name
	}
	return biomarkers.Normalize(code)
}

// Len returns the number of registered labs.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byCode)
}
