// internal/triage/scorer_test.go
package triage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/attache/internal/types"
)

func fixedScorer(weights map[string]float64) *Scorer {
	s := NewScorer(weights)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	return s
}

func TestScoreWeightsAndClamp(t *testing.T) {
	s := fixedScorer(map[string]float64{"boss": 1.0})

	// Every factor maxed: the weighted sum is exactly 1.0.
	due := s.now().Add(-time.Hour)
	result := s.Score(&Item{
		Source:     "boss",
		Subject:    "URGENT: deadline today",
		Body:       "this is critical, need it immediately",
		Deadline:   &due,
		ThreadRefs: 5,
	})
	require.NotNil(t, result)
	assert.InDelta(t, 1.0, result.Score, 1e-9)
	assert.Equal(t, types.TierCritical, result.Tier)

	// Every factor zeroed except neutral source importance.
	quiet := s.Score(&Item{Source: "newsletter", Subject: "weekly digest"})
	assert.InDelta(t, 0.30*0.5, quiet.Score, 1e-9)
	assert.Equal(t, types.TierLow, quiet.Tier)
}

func TestScoreUnknownSourceIsNeutral(t *testing.T) {
	s := fixedScorer(nil)
	result := s.Score(&Item{Source: "never-seen-before"})
	assert.InDelta(t, 0.15, result.Score, 1e-9)
}

func TestScoreDeadlineProximity(t *testing.T) {
	s := fixedScorer(nil)

	overdue := s.now().Add(-2 * time.Hour)
	sameDay := s.now().Add(4 * time.Hour)
	farOut := s.now().Add(30 * 24 * time.Hour)
	halfway := s.now().Add(4 * 24 * time.Hour)

	assert.InDelta(t, 1.0, s.timeSensitivity(&overdue), 1e-9)
	assert.InDelta(t, 1.0, s.timeSensitivity(&sameDay), 1e-9)
	assert.InDelta(t, 0.0, s.timeSensitivity(&farOut), 1e-9)
	assert.InDelta(t, 0.5, s.timeSensitivity(&halfway), 1e-9)
	assert.InDelta(t, 0.0, s.timeSensitivity(nil), 1e-9)
}

func TestTierBoundariesInclusive(t *testing.T) {
	tests := []struct {
		score float64
		want  types.Tier
	}{
		{0.80, types.TierCritical},
		{0.79, types.TierHigh},
		{0.60, types.TierHigh},
		{0.59, types.TierMedium},
		{0.40, types.TierMedium},
		{0.39, types.TierLow},
		{0.0, types.TierLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tierFor(tt.score), "score %g", tt.score)
	}
}

func TestSuggestedActionsFollowTier(t *testing.T) {
	assert.Contains(t, suggestedActions(types.TierCritical), "urgent-reply")
	assert.Contains(t, suggestedActions(types.TierHigh), "reply-today")
	assert.Contains(t, suggestedActions(types.TierMedium), "schedule-review")
	assert.Equal(t, []string{"archive"}, suggestedActions(types.TierLow))
}

func TestUrgencyDensitySaturatesOnOneKeyword(t *testing.T) {
	assert.InDelta(t, 0.0, urgencyDensity("a calm note"), 1e-9)
	assert.InDelta(t, 1.0, urgencyDensity("this is urgent"), 1e-9)
	// Stacking keywords adds nothing beyond the first.
	assert.InDelta(t, 1.0, urgencyDensity("urgent asap deadline critical overdue"), 1e-9)
}

func TestScoreUrgentSameDayItemIsCritical(t *testing.T) {
	// A high-importance sender, one urgency keyword, and a same-day
	// deadline must land in the critical tier even with no thread
	// references at all.
	s := fixedScorer(map[string]float64{"boss": 1.0})

	due := s.now().Add(4 * time.Hour)
	result := s.Score(&Item{
		Source:   "boss",
		Subject:  "need the report urgent",
		Deadline: &due,
	})
	require.NotNil(t, result)
	assert.InDelta(t, 0.8, result.Score, 1e-9)
	assert.Equal(t, types.TierCritical, result.Tier)
	assert.Contains(t, result.SuggestedActions, "urgent-reply")
}
