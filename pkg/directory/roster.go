package directory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk shape of an agent roster export from the external
// directory.
type rosterFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadRoster reads an agent roster YAML file and returns the parsed agents.
func LoadRoster(path string) ([]Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster %s: %w", path, err)
	}

	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}

	for i := range file.Agents {
		if err := file.Agents[i].Validate(); err != nil {
			return nil, fmt.Errorf("roster %s: %w", path, err)
		}
	}
	return file.Agents, nil
}

// Reload replaces the directory contents with the agents from a roster file.
// Existing tenants absent from the file are dropped.
func (d *Directory) Reload(path string) error {
	agents, err := LoadRoster(path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.tenants = make(map[string]*tenantAgents)
	d.mu.Unlock()

	for i := range agents {
		if err := d.Upsert(agents[i]); err != nil {
			return err
		}
	}
	d.logger.Info("Loaded %d agents from %s", len(agents), path)
	return nil
}
