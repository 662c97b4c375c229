// internal/state/automation.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Automation is a named prompt submitted as a turn on a cron schedule.
type Automation struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Schedule   string `json:"schedule,omitempty"`
	SessionKey string `json:"session_key"`
	Enabled    bool   `json:"enabled"`
}

// AutomationStore is a JSON-file-backed store for automations.
type AutomationStore struct {
	path string
	mu   sync.RWMutex
}

// NewAutomationStore creates a file-backed AutomationStore at the given file path.
func NewAutomationStore(path string) *AutomationStore {
	return &AutomationStore{path: path}
}

// Path returns the file path used by this store.
func (s *AutomationStore) Path() string {
	return s.path
}

func (s *AutomationStore) load() ([]*Automation, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read automations: %w", err)
	}

	var automations []*Automation
	if err := json.Unmarshal(data, &automations); err != nil {
		return nil, fmt.Errorf("unmarshal automations: %w", err)
	}
	return automations, nil
}

func (s *AutomationStore) save(automations []*Automation) error {
	data, err := json.MarshalIndent(automations, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal automations: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create automations dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp automations: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp automations: %w", err)
	}
	return nil
}

// List returns all automations. Returns an empty slice if the file doesn't exist.
func (s *AutomationStore) List() ([]*Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	automations, err := s.load()
	if err != nil {
		return nil, err
	}
	if automations == nil {
		return []*Automation{}, nil
	}
	return automations, nil
}

// Get finds an automation by name. Returns an error if not found.
func (s *AutomationStore) Get(name string) (*Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	automations, err := s.load()
	if err != nil {
		return nil, err
	}

	for _, a := range automations {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("automation not found: %s", name)
}

// Add appends an automation. Returns an error on duplicate names.
func (s *AutomationStore) Add(automation *Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	automations, err := s.load()
	if err != nil {
		return err
	}

	for _, existing := range automations {
		if existing.Name == automation.Name {
			return fmt.Errorf("automation already exists: %s", automation.Name)
		}
	}

	return s.save(append(automations, automation))
}

// SetEnabled toggles an automation by name.
func (s *AutomationStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	automations, err := s.load()
	if err != nil {
		return err
	}

	for _, a := range automations {
		if a.Name == name {
			a.Enabled = enabled
			return s.save(automations)
		}
	}
	return fmt.Errorf("automation not found: %s", name)
}

// Remove deletes the automation with the given name.
func (s *AutomationStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	automations, err := s.load()
	if err != nil {
		return err
	}

	out := automations[:0]
	found := false
	for _, a := range automations {
		if a.Name == name {
			found = true
			continue
		}
		out = append(out, a)
	}
	if !found {
		return fmt.Errorf("automation not found: %s", name)
	}

	return s.save(out)
}
