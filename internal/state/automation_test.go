// internal/state/automation_test.go
package state

import (
	"path/filepath"
	"testing"
)

func TestAutomationStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.json")
	store := NewAutomationStore(path)

	automation := &Automation{
		Name:       "morning-brief",
		Prompt:     "Summarize today's schedule",
		Schedule:   "0 7 * * *",
		SessionKey: "cli:daily",
		Enabled:    true,
	}
	if err := store.Add(automation); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(automation); err == nil {
		t.Error("expected duplicate name to be rejected")
	}

	got, err := store.Get("morning-brief")
	if err != nil {
		t.Fatal(err)
	}
	if got.Schedule != "0 7 * * *" {
		t.Errorf("unexpected schedule: %s", got.Schedule)
	}

	if err := store.SetEnabled("morning-brief", false); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get("morning-brief")
	if got.Enabled {
		t.Error("expected automation disabled")
	}

	if err := store.Remove("morning-brief"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("morning-brief"); err == nil {
		t.Error("expected removed automation to be gone")
	}

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty list, got %d", len(list))
	}
}
