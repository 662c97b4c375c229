// internal/triage/classifier_test.go
package triage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/attache/internal/state"
	"github.com/user/attache/internal/types"
)

func TestClassifyFirstMatchWins(t *testing.T) {
	due := time.Now().Add(24 * time.Hour)

	// An item matching every branch files as a project: (a) wins.
	everything := &Item{Deadline: &due, Recurring: true, Reference: true}
	assert.Equal(t, types.KindProject, Classify(everything))

	assert.Equal(t, types.KindProject, Classify(&Item{Deliverable: "slide deck"}))
	assert.Equal(t, types.KindArea, Classify(&Item{Recurring: true, Reference: true}))
	assert.Equal(t, types.KindResource, Classify(&Item{Reference: true}))
	assert.Equal(t, types.KindArchive, Classify(&Item{}))
}

func TestFileProjectCarriesDeadlineOrDeliverable(t *testing.T) {
	due := time.Now().Add(48 * time.Hour)
	item, err := File("item-1", &Item{Subject: "Board deck", Deadline: &due})
	require.NoError(t, err)
	assert.Equal(t, types.KindProject, item.Kind)
	assert.Equal(t, "Board deck", item.Title)
	assert.NotNil(t, item.Deadline)
	assert.Equal(t, "open", item.Status)
}

func TestFileNonProjectHasNoDeadlineRequirement(t *testing.T) {
	item, err := File("item-2", &Item{Subject: "Style guide", Reference: true})
	require.NoError(t, err)
	assert.Equal(t, types.KindResource, item.Kind)
	assert.Nil(t, item.Deadline)
}

func TestOverrideRecordsCorrection(t *testing.T) {
	prefs := state.NewPreferenceStore(filepath.Join(t.TempDir(), "prefs.json"))
	ctx := context.Background()

	item := &types.OrganizationalItem{ID: "item-3", Kind: types.KindProject, Title: "Weekly report"}
	require.NoError(t, Override(ctx, prefs, item, types.KindArea))

	assert.Equal(t, types.KindArea, item.Kind)
	all, err := prefs.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, "area (was project)", all["triage.filing.Weekly report"])
}
