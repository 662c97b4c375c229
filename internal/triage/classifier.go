// internal/triage/classifier.go
package triage

import (
	"context"
	"fmt"

	"github.com/user/attache/internal/types"
)

// Classify files an item into its PARA bucket. Branches are evaluated in
// fixed (a)->(d) order and the first match wins; ambiguity is never
// resolved by comparing confidences across branches.
func Classify(item *Item) types.ItemKind {
	// (a) Concrete deadline or deliverable -> project.
	if item.Deadline != nil || item.Deliverable != "" {
		return types.KindProject
	}
	// (b) Ongoing or recurring responsibility -> area.
	if item.Recurring {
		return types.KindArea
	}
	// (c) Might be needed for future reference -> resource.
	if item.Reference {
		return types.KindResource
	}
	// (d) Nothing else claims it -> archive.
	return types.KindArchive
}

// File builds the OrganizationalItem for an item's filing target. A project
// always carries its deadline or deliverable.
func File(id string, item *Item) (*types.OrganizationalItem, error) {
	kind := Classify(item)
	if kind == types.KindProject && item.Deadline == nil && item.Deliverable == "" {
		return nil, fmt.Errorf("project %q requires a deadline or deliverable", id)
	}
	return &types.OrganizationalItem{
		ID:          id,
		Kind:        kind,
		Title:       item.Subject,
		Status:      "open",
		Deadline:    item.Deadline,
		Deliverable: item.Deliverable,
	}, nil
}

// Override records a user correction of a filing decision so the
// preference store learns from it.
func Override(ctx context.Context, prefs types.PreferenceStore, item *types.OrganizationalItem, corrected types.ItemKind) error {
	previous := item.Kind
	item.Kind = corrected
	if prefs == nil {
		return nil
	}
	key := "triage.filing." + item.Title
	value := fmt.Sprintf("%s (was %s)", corrected, previous)
	if err := prefs.RecordCorrection(ctx, key, value); err != nil {
		return fmt.Errorf("record filing correction: %w", err)
	}
	return nil
}
