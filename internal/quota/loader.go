package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OverridesFile is the on-disk shape of per-org limit overrides.
//
//	defaults:
//	  requests: 100
//	  tokens: 500000
//	orgs:
//	  acme:
//	    requests: 10
type OverridesFile struct {
	Defaults Limits            `yaml:"defaults"`
	Orgs     map[string]Limits `yaml:"orgs"`
}

// LoadOverrides loads limit overrides from a YAML file.
func LoadOverrides(path string) (*OverridesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quota overrides file %s: %w", path, err)
	}
	var file OverridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse quota overrides file %s: %w", path, err)
	}
	for org, l := range file.Orgs {
		if l.Requests < 0 || l.Tokens < 0 {
			return nil, fmt.Errorf("quota overrides for org %s: limits must be non-negative", org)
		}
	}
	return &file, nil
}
