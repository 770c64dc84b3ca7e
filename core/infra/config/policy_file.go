package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the operator bootstrap for the auto-disable options. Only
// the keys present under options are applied, so a file that sets
// disablePermissions leaves contextMenu and friends untouched.
type PolicyFile struct {
	Version string         `yaml:"version"`
	Options map[string]any `yaml:"options"`
}

// Patch returns a copy of the options section suitable for a config patch.
func (p *PolicyFile) Patch() map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p.Options))
	for k, v := range p.Options {
		out[k] = v
	}
	return out
}

// LoadPolicyFile reads YAML from the given path. A missing file or empty
// path returns nil with no error.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	if path == "" {
		return nil, nil
	}
	// #nosec G304 -- policy path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	pf, err := ParsePolicyFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return pf, nil
}

// ParsePolicyFile parses and validates a policy file from YAML bytes.
func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if err := validateConfigSchema("policy file", policyFileSchemaFile, data); err != nil {
		return nil, err
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if pf.Options == nil {
		pf.Options = map[string]any{}
	}
	if err := ValidateOptions(pf.Options); err != nil {
		return nil, err
	}
	return &pf, nil
}
