package service

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Guizzs26/go-sync-hub/internal/models"
)

type systemsFile struct {
	Systems []models.ExternalSystem `yaml:"systems"`
}

// LoadSystemsFile reads external system definitions from YAML. ${VAR}
// references are expanded so secrets can stay in the environment.
func LoadSystemsFile(path string) ([]models.ExternalSystem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read systems file: %w", err)
	}
	var f systemsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, fmt.Errorf("parse systems file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Systems))
	for _, sys := range f.Systems {
		if reason := sys.Validate(); reason != "" {
			return nil, fmt.Errorf("systems file %s: system %q: %s", path, sys.ID, reason)
		}
		if seen[sys.ID] {
			return nil, fmt.Errorf("systems file %s: duplicate system %q", path, sys.ID)
		}
		seen[sys.ID] = true
	}
	return f.Systems, nil
}

// Bootstrap upserts every system from the systems file.
func (o *Orchestrator) Bootstrap(ctx context.Context, systems []models.ExternalSystem) error {
	for _, sys := range systems {
		if err := o.SaveSystem(ctx, sys); err != nil {
			return err
		}
		o.logger.Info("External system registered", "system_id", sys.ID, "enabled", sys.Enabled, "events", sys.Events)
	}
	return nil
}
