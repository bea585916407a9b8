package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cloudshift-labs/surveyor/internal/types"
)

// LoadPhasePlan reads a phase plan override from a YAML file. An empty
// path returns the built-in discovery sequence. The file lists phases in
// execution order:
//
//	phases:
//	  - name: import_inventory
//	    order: 0
//	  - name: tech_debt_analysis
//	    order: 1
//	    optional: true
func LoadPhasePlan(path string) (*types.PhasePlan, error) {
	if path == "" {
		return types.DefaultPhasePlan(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read phase plan %s: %w", path, err)
	}

	var plan types.PhasePlan
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse phase plan %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase plan %s: %w", path, err)
	}
	return &plan, nil
}
