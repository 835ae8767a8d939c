package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"vehicle-tracker/internal/geofence"
	"vehicle-tracker/internal/signcode"
)

// Reference is the static reference data that is not part of the schedule:
// sign code tables and base outlines.
type Reference struct {
	SignCodes      signcode.Tables `yaml:"signCodes"`
	Bases          []geofence.Base `yaml:"bases" validate:"dive"`
	TerminalRadius float64         `yaml:"terminalRadius" validate:"gte=0"`
}

// LoadReference reads the reference YAML file. An empty path returns empty
// tables.
func LoadReference(path string) (*Reference, error) {
	ref := &Reference{}
	if path == "" {
		return ref, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, ref); err != nil {
		return nil, fmt.Errorf("parse reference %s: %w", path, err)
	}
	if err := validator.New().Struct(ref); err != nil {
		return nil, fmt.Errorf("validate reference %s: %w", path, err)
	}
	return ref, nil
}
