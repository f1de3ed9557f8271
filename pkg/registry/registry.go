// Package registry owns the set of registered intake definitions. Pure
// lookup after registration; definitions are validated once on the way in
// and immutable afterwards.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/formbridge/formbridge/pkg/contracts"
)

var (
	ErrNotFound  = errors.New("intake not found")
	ErrDuplicate = errors.New("intake already registered")
)

// Registry is a concurrency-safe intake definition store.
type Registry struct {
	mu      sync.RWMutex
	intakes map[string]*contracts.IntakeDefinition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{intakes: make(map[string]*contracts.IntakeDefinition)}
}

// Register validates and stores a definition. Duplicate ids are rejected
// unless allowOverwrite is set.
func (r *Registry) Register(def *contracts.IntakeDefinition, allowOverwrite bool) error {
	if err := Validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.intakes[def.ID]; exists && !allowOverwrite {
		return fmt.Errorf("%w: %s", ErrDuplicate, def.ID)
	}
	r.intakes[def.ID] = def
	return nil
}

// Get returns the definition for intakeID or ErrNotFound.
func (r *Registry) Get(intakeID string) (*contracts.IntakeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.intakes[intakeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, intakeID)
	}
	return def, nil
}

// List returns all registered intake ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.intakes))
	for id := range r.intakes {
		ids = append(ids, id)
	}
	return ids
}

// Validate checks a definition against the registration requirements.
func Validate(def *contracts.IntakeDefinition) error {
	if def == nil {
		return errors.New("intake definition is nil")
	}
	if def.ID == "" {
		return errors.New("intake id is required")
	}
	if def.Version == "" {
		return errors.New("intake version is required")
	}
	if _, err := semver.NewVersion(def.Version); err != nil {
		return fmt.Errorf("intake version %q is not semver: %w", def.Version, err)
	}
	if def.Name == "" {
		return errors.New("intake name is required")
	}
	if len(def.Schema) == 0 {
		return errors.New("intake schema is required")
	}
	if err := validateDestination(def.Destination); err != nil {
		return err
	}
	if err := validateGates(def.ApprovalGates); err != nil {
		return err
	}
	if def.TTLMs < 0 {
		return fmt.Errorf("ttlMs must be positive, got %d", def.TTLMs)
	}
	return nil
}

func validateDestination(d contracts.Destination) error {
	switch d.Kind {
	case contracts.DestinationWebhook:
		u, err := url.Parse(d.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("webhook destination url %q is not an absolute URL", d.URL)
		}
	case contracts.DestinationCallback, contracts.DestinationQueue:
		if d.Name == "" {
			return fmt.Errorf("%s destination requires a name", d.Kind)
		}
	case "":
		return errors.New("intake destination is required")
	default:
		return fmt.Errorf("unknown destination kind %q", d.Kind)
	}
	return nil
}

func validateGates(gates []contracts.ApprovalGate) error {
	seen := make(map[string]bool, len(gates))
	for i, g := range gates {
		if g.Name == "" {
			return fmt.Errorf("approval gate %d has empty name", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate approval gate name %q", g.Name)
		}
		seen[g.Name] = true
	}
	return nil
}
