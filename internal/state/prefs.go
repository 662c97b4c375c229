// internal/state/prefs.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// preference is one durable user preference with correction provenance.
type preference struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"` // initial | correction
}

// PreferenceStore is a JSON-file-backed store of durable user preferences.
// The orchestrator reads it at session start; triage overrides write
// corrections back so future classifications learn from them.
type PreferenceStore struct {
	path string
	mu   sync.RWMutex
}

// NewPreferenceStore creates a file-backed PreferenceStore at the given path.
func NewPreferenceStore(path string) *PreferenceStore {
	return &PreferenceStore{path: path}
}

func (p *PreferenceStore) load() (map[string]preference, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]preference), nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}

	prefs := make(map[string]preference)
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return prefs, nil
}

func (p *PreferenceStore) save(prefs map[string]preference) error {
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp preferences: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp preferences: %w", err)
	}
	return nil
}

// All returns every stored preference as key/value pairs.
func (p *PreferenceStore) All(_ context.Context) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	prefs, err := p.load()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(prefs))
	for k, v := range prefs {
		out[k] = v.Value
	}
	return out, nil
}

// RecordCorrection stores a user override so later sessions see it.
func (p *PreferenceStore) RecordCorrection(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefs, err := p.load()
	if err != nil {
		return err
	}

	prefs[key] = preference{
		Value:     value,
		UpdatedAt: time.Now(),
		Source:    "correction",
	}
	return p.save(prefs)
}
