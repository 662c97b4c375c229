// internal/triage/scorer.go
package triage

import (
	"strings"
	"time"

	"github.com/user/attache/internal/types"
)

// Factor weights. Each factor is normalized to [0,1] before weighting and
// the final score is clamped to the closed unit interval.
const (
	weightSource      = 0.30
	weightUrgency     = 0.25
	weightTimeSens    = 0.25
	weightThreadRel   = 0.20
	tierCriticalFloor = 0.8
	tierHighFloor     = 0.6
	tierMediumFloor   = 0.4
)

// urgencyKeywords signal time pressure in an item's text.
var urgencyKeywords = []string{
	"urgent", "asap", "immediately", "deadline", "today", "eod",
	"overdue", "critical", "emergency", "right away", "time-sensitive",
}

// Item is one incoming unit awaiting triage.
type Item struct {
	Source      string // sender / origin identifier
	Subject     string
	Body        string
	Deadline    *time.Time
	Recurring   bool   // ongoing/recurring responsibility signal
	Reference   bool   // plausibly needed for future reference
	ThreadRefs  int    // references to the active conversation thread
	Deliverable string // concrete deliverable, if stated
}

// Scorer computes priority scores against a table of source importance and
// the current time.
type Scorer struct {
	sourceWeights map[string]float64 // per-source importance in [0,1]
	now           func() time.Time
}

// NewScorer creates a Scorer. sourceWeights maps source identifiers to an
// importance in [0,1]; unknown sources score neutral (0.5).
func NewScorer(sourceWeights map[string]float64) *Scorer {
	return &Scorer{
		sourceWeights: sourceWeights,
		now:           time.Now,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Scorer) sourceImportance(source string) float64 {
	if w, ok := s.sourceWeights[strings.ToLower(source)]; ok {
		return clamp01(w)
	}
	return 0.5
}

// urgencyDensity reports urgency keyword presence. A single keyword is a
// full signal: a sender who writes "urgent" once means it, and stacking
// more keywords adds nothing.
func urgencyDensity(text string) float64 {
	lower := strings.ToLower(text)
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			return 1
		}
	}
	return 0
}

// timeSensitivity maps a deadline's proximity to [0,1]: overdue or due
// within a day scores 1, a week or more out scores 0, in between decays
// linearly. No deadline scores 0.
func (s *Scorer) timeSensitivity(deadline *time.Time) float64 {
	if deadline == nil {
		return 0
	}
	const (
		day     = 24 * time.Hour
		horizon = 7 * day
	)
	until := deadline.Sub(s.now())
	if until <= day {
		return 1
	}
	if until >= horizon {
		return 0
	}
	return 1 - float64(until-day)/float64(horizon-day)
}

// threadRelevance saturates at five references to the active thread.
func threadRelevance(refs int) float64 {
	if refs < 0 {
		refs = 0
	}
	if refs > 5 {
		refs = 5
	}
	return float64(refs) / 5
}

// tierEpsilon absorbs float rounding at the tier boundaries: a weighted
// sum that lands exactly on a floor (0.30+0.25+0.25) must not fall a ULP
// short of it.
const tierEpsilon = 1e-9

// tierFor buckets a score; boundaries are inclusive on the lower bound.
func tierFor(score float64) types.Tier {
	switch {
	case score+tierEpsilon >= tierCriticalFloor:
		return types.TierCritical
	case score+tierEpsilon >= tierHighFloor:
		return types.TierHigh
	case score+tierEpsilon >= tierMediumFloor:
		return types.TierMedium
	default:
		return types.TierLow
	}
}

// suggestedActions derives the action set from the tier.
func suggestedActions(tier types.Tier) []string {
	switch tier {
	case types.TierCritical:
		return []string{"urgent-reply", "notify"}
	case types.TierHigh:
		return []string{"reply-today", "file"}
	case types.TierMedium:
		return []string{"file", "schedule-review"}
	default:
		return []string{"archive"}
	}
}

// Score triages one item: weighted sum of normalized factors, clamped to
// [0,1], bucketed into a tier, filed by the PARA decision tree.
func (s *Scorer) Score(item *Item) *types.TriageResult {
	text := item.Subject + " " + item.Body

	score := weightSource*s.sourceImportance(item.Source) +
		weightUrgency*urgencyDensity(text) +
		weightTimeSens*s.timeSensitivity(item.Deadline) +
		weightThreadRel*threadRelevance(item.ThreadRefs)
	score = clamp01(score)

	tier := tierFor(score)
	return &types.TriageResult{
		Score:            score,
		Tier:             tier,
		SuggestedActions: suggestedActions(tier),
		FilingTarget:     Classify(item),
	}
}
