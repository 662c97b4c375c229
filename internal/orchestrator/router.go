// internal/orchestrator/router.go
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/user/attache/internal/specialist"
	"github.com/user/attache/pkg/llm"
)

// Intent is the router's verdict for one inbound turn.
type Intent string

const (
	IntentDirect     Intent = "direct-answer"
	IntentDelegate   Intent = "delegate"
	IntentClarify    Intent = "clarify"
	IntentCannotHelp Intent = "cannot-help"
)

// Route is the routing decision for one turn. Rules apply in a fixed
// order: an explicit keyword match wins outright, then a model
// classification above the confidence threshold delegates, a near-tie
// between the top two candidates asks for clarification, and everything
// else is answered directly.
type Route struct {
	Intent      Intent   `json:"intent"`
	Specialists []string `json:"specialists,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// Router decides whether a turn is answered directly, delegated, or
// bounced back for clarification.
type Router struct {
	registry      *specialist.Registry
	model         llm.Provider
	threshold     float64
	clarifyMargin float64
}

// NewRouter creates a Router over the specialist roster.
func NewRouter(registry *specialist.Registry, model llm.Provider, threshold, clarifyMargin float64) *Router {
	if threshold <= 0 {
		threshold = 0.6
	}
	if clarifyMargin <= 0 {
		clarifyMargin = 0.1
	}
	return &Router{
		registry:      registry,
		model:         model,
		threshold:     threshold,
		clarifyMargin: clarifyMargin,
	}
}

// routeSchema constrains the model's classification output.
const routeSchema = `{
	"type": "object",
	"properties": {
		"can_help": {"type": "boolean"},
		"candidates": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"specialist": {"type": "string"},
					"confidence": {"type": "number"}
				},
				"required": ["specialist", "confidence"],
				"additionalProperties": false
			}
		}
	},
	"required": ["can_help", "candidates"],
	"additionalProperties": false
}`

type routeClassification struct {
	CanHelp    bool `json:"can_help"`
	Candidates []struct {
		Specialist string  `json:"specialist"`
		Confidence float64 `json:"confidence"`
	} `json:"candidates"`
}

// Route classifies one turn against the specialist roster.
func (r *Router) Route(ctx context.Context, text string) *Route {
	if hits := r.registry.Match(text); len(hits) > 0 {
		return &Route{
			Intent:      IntentDelegate,
			Specialists: hits,
			Confidence:  1.0,
			Reason:      "keyword match",
		}
	}

	classification, err := r.classify(ctx, text)
	if err != nil {
		// A broken classifier degrades to a direct answer, never an error.
		slog.Warn("route classification failed, answering directly", "error", err)
		return &Route{Intent: IntentDirect, Reason: "classifier unavailable"}
	}

	candidates := classification.Candidates
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	// Drop candidates naming unknown specialists.
	valid := candidates[:0]
	for _, c := range candidates {
		if _, ok := r.registry.Get(c.Specialist); ok {
			valid = append(valid, c)
		}
	}
	candidates = valid

	if !classification.CanHelp && len(candidates) == 0 {
		return &Route{Intent: IntentCannotHelp, Reason: "outside capabilities"}
	}
	if len(candidates) == 0 || candidates[0].Confidence < r.threshold {
		return &Route{Intent: IntentDirect, Reason: "no confident specialist"}
	}
	if len(candidates) > 1 && candidates[0].Confidence-candidates[1].Confidence < r.clarifyMargin {
		return &Route{
			Intent:      IntentClarify,
			Specialists: []string{candidates[0].Specialist, candidates[1].Specialist},
			Confidence:  candidates[0].Confidence,
			Reason:      "ambiguous between top candidates",
		}
	}
	return &Route{
		Intent:      IntentDelegate,
		Specialists: []string{candidates[0].Specialist},
		Confidence:  candidates[0].Confidence,
		Reason:      "confident classification",
	}
}

func (r *Router) classify(ctx context.Context, text string) (*routeClassification, error) {
	var roster strings.Builder
	for _, spec := range r.registry.All() {
		fmt.Fprintf(&roster, "- %s: %s\n", spec.ID, spec.Description)
	}

	messages := []llm.Message{
		{Role: "system", Content: "Classify the user's request against the available specialists. " +
			"Score each plausible specialist with a confidence between 0 and 1. " +
			"Set can_help to false only if the request is outside every capability.\n\n" +
			"Specialists:\n" + roster.String()},
		{Role: "user", Content: text},
	}

	raw, _, err := r.model.Structured(ctx, messages, "route", json.RawMessage(routeSchema))
	if err != nil {
		return nil, err
	}

	var out routeClassification
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}
	return &out, nil
}
