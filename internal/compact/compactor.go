// internal/compact/compactor.go
package compact

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/attache/internal/types"
)

// Summary is the lossy replacement for compacted history. The preserved set
// (active organizational items, durable preferences, session goals) always
// survives verbatim; raw tool outputs and superseded decisions do not.
type Summary struct {
	Goals       []string                   `json:"goals,omitempty"`
	ActiveItems []types.OrganizationalItem `json:"active_items,omitempty"`
	Preferences map[string]string          `json:"preferences,omitempty"`
	Narrative   []string                   `json:"narrative,omitempty"`
}

// Preserve is the invariant set compaction must carry through unchanged.
type Preserve struct {
	Goals       []string
	ActiveItems []types.OrganizationalItem
	Preferences map[string]string
}

// Counter counts tokens with the model's tokenizer.
type Counter struct {
	tokenizer *tiktoken.Tiktoken
}

// NewCounter creates a token counter for the given model, falling back to
// cl100k_base for unknown models.
func NewCounter(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Counter{tokenizer: enc}, nil
}

// Count returns the token count for a string.
func (c *Counter) Count(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// CountTurns returns the cumulative token count of the given turns.
func (c *Counter) CountTurns(turns []*types.Turn) int {
	total := 0
	for _, turn := range turns {
		total += c.Count(turn.Content)
	}
	return total
}

// ShouldCompact reports whether cumulative usage has crossed the configured
// fraction of the context budget.
func ShouldCompact(used, budget int64, threshold float64) bool {
	if budget <= 0 {
		return false
	}
	return float64(used) >= float64(budget)*threshold
}

const narrativeLineMax = 160

// Compact is a pure function of (history, preserved set) -> summary.
// Applying it to an already-compacted history yields the same preserved
// content, so compaction is idempotent.
func Compact(turns []*types.Turn, preserve Preserve) *Summary {
	// Already compacted: a lone summary turn round-trips unchanged.
	if len(turns) == 1 && turns[0].Role == "summary" {
		var prior Summary
		if err := json.Unmarshal([]byte(turns[0].Content), &prior); err == nil {
			return merge(&prior, preserve)
		}
	}

	summary := &Summary{}
	for _, turn := range turns {
		switch turn.Role {
		case "summary":
			// Fold a previous summary's narrative in, dropping nothing preserved.
			var prior Summary
			if err := json.Unmarshal([]byte(turn.Content), &prior); err == nil {
				summary.Narrative = append(summary.Narrative, prior.Narrative...)
			}
		case "user", "assistant":
			line := strings.TrimSpace(turn.Content)
			if line == "" {
				continue
			}
			if len(line) > narrativeLineMax {
				line = truncateLine(line, narrativeLineMax) + "…"
			}
			summary.Narrative = append(summary.Narrative, turn.Role+": "+line)
		default:
			// Raw tool outputs and system plumbing are discardable.
		}
	}

	return merge(summary, preserve)
}

// truncateLine cuts at most max bytes off the front of s, backing off to
// a rune boundary so the result stays valid UTF-8.
func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// merge overlays the preserved set onto a summary.
func merge(summary *Summary, preserve Preserve) *Summary {
	out := &Summary{Narrative: summary.Narrative}
	out.Goals = append(out.Goals, preserve.Goals...)
	out.ActiveItems = append(out.ActiveItems, preserve.ActiveItems...)
	if len(preserve.Preferences) > 0 {
		out.Preferences = make(map[string]string, len(preserve.Preferences))
		for k, v := range preserve.Preferences {
			out.Preferences[k] = v
		}
	}
	return out
}

// AsTurn renders the summary as a single summary-role turn that replaces
// the compacted history.
func (s *Summary) AsTurn(sessionID types.SessionID) (*types.Turn, error) {
	content, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return &types.Turn{
		ID:        types.NewTurnID(),
		SessionID: sessionID,
		Role:      "summary",
		Content:   string(content),
		At:        time.Now(),
	}, nil
}
