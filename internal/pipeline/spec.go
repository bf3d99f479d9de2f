package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"flowci/internal/models"
)

// Definition is the declarative pipeline shape accepted from YAML config.
// Stages run sequentially in declaration order.
type Definition struct {
	Name   string             `yaml:"name"`
	Stages []models.StageSpec `yaml:"stages"`
}

// Parse parses YAML content into a validated Definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	if err := Validate(def.Stages); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads a pipeline config file and parses it.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	return Parse(data)
}

// Validate checks an ordered stage list for the properties the executor
// relies on: at least one stage, unique non-empty names, non-empty commands.
func Validate(stages []models.StageSpec) error {
	if len(stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	seen := make(map[string]bool, len(stages))
	for i, st := range stages {
		if st.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
		if len(st.Commands) == 0 {
			return fmt.Errorf("stage %q has no commands", st.Name)
		}
		for j, cmd := range st.Commands {
			if cmd == "" {
				return fmt.Errorf("stage %q command %d is empty", st.Name, j)
			}
		}
	}
	return nil
}
