package team

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// presetFile is the on-disk shape of a preset document.
type presetFile struct {
	Teams []*Team `yaml:"teams"`
}

// LoadPresets parses a YAML preset document into normalized teams.
func LoadPresets(data []byte) ([]*Team, error) {
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse team presets: %w", err)
	}
	for _, t := range f.Teams {
		if err := t.normalize(); err != nil {
			return nil, fmt.Errorf("team presets: %w", err)
		}
	}
	return f.Teams, nil
}

// LoadPresetFile reads and parses a YAML preset file.
func LoadPresetFile(path string) ([]*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team presets %s: %w", path, err)
	}
	return LoadPresets(data)
}

// DefaultPresets returns the built-in team configurations used when no
// preset file is supplied.
func DefaultPresets() []*Team {
	teams := []*Team{
		{
			ID:           "incident_response",
			Name:         "Incident Response",
			Leader:       "security",
			Members:      []string{"security", "maintenance", "finance"},
			Mode:         ModeHierarchical,
			AutoEscalate: true,
		},
		{
			ID:                 "household_council",
			Name:               "Household Council",
			Leader:             "manager",
			Members:            []string{"manager", "finance", "maintenance", "security"},
			Mode:               ModeConsensus,
			ConsensusThreshold: 0.75,
		},
		{
			ID:      "maintenance_crew",
			Name:    "Maintenance Crew",
			Leader:  "maintenance",
			Members: []string{"maintenance", "janitor", "gardener"},
			Mode:    ModeParallel,
		},
	}
	for _, t := range teams {
		// Built-in configurations are always structurally valid.
		_ = t.normalize()
	}
	return teams
}
