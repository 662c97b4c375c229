// internal/state/prefs_test.go
package state

import (
	"context"
	"path/filepath"
	"testing"
)

func TestPreferenceStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.json")
	store := NewPreferenceStore(path)
	ctx := context.Background()

	all, err := store.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty store, got %d entries", len(all))
	}

	if err := store.RecordCorrection(ctx, "triage.filing.Weekly report", "area (was project)"); err != nil {
		t.Fatal(err)
	}

	all, err = store.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all["triage.filing.Weekly report"] != "area (was project)" {
		t.Errorf("correction not stored: %v", all)
	}

	// A later correction for the same key overwrites.
	if err := store.RecordCorrection(ctx, "triage.filing.Weekly report", "resource (was area)"); err != nil {
		t.Fatal(err)
	}
	all, _ = store.All(ctx)
	if all["triage.filing.Weekly report"] != "resource (was area)" {
		t.Errorf("correction not overwritten: %v", all)
	}
}
