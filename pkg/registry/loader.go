package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// intakeFile is the YAML shape of an on-disk intake definition. The schema
// block is written as YAML and converted to the JSON document the validator
// consumes.
type intakeFile struct {
	ID            string                   `yaml:"id"`
	Version       string                   `yaml:"version"`
	Name          string                   `yaml:"name"`
	Schema        map[string]any           `yaml:"schema"`
	ApprovalGates []contracts.ApprovalGate `yaml:"approvalGates"`
	TTLMs         int64                    `yaml:"ttlMs"`
	Destination   contracts.Destination    `yaml:"destination"`
	UIHints       map[string]any           `yaml:"uiHints"`
}

// LoadFile reads one intake definition from a YAML file.
func LoadFile(path string) (*contracts.IntakeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load intake %q: %w", path, err)
	}

	var f intakeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse intake %q: %w", path, err)
	}

	schemaJSON, err := json.Marshal(f.Schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema of %q: %w", path, err)
	}

	return &contracts.IntakeDefinition{
		ID:            f.ID,
		Version:       f.Version,
		Name:          f.Name,
		Schema:        schemaJSON,
		ApprovalGates: f.ApprovalGates,
		TTLMs:         f.TTLMs,
		Destination:   f.Destination,
		UIHints:       f.UIHints,
	}, nil
}

// LoadDir registers every *.yaml / *.yml definition found in dir.
// Returns the ids registered.
func (r *Registry) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read intake dir %q: %w", dir, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return ids, err
		}
		if err := r.Register(def, false); err != nil {
			return ids, fmt.Errorf("register %q: %w", def.ID, err)
		}
		ids = append(ids, def.ID)
	}
	return ids, nil
}
