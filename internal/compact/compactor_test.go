// internal/compact/compactor_test.go
package compact

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/user/attache/internal/types"
)

func TestShouldCompact(t *testing.T) {
	tests := []struct {
		name      string
		used      int64
		budget    int64
		threshold float64
		want      bool
	}{
		{"below threshold", 79, 100, 0.8, false},
		{"at threshold", 80, 100, 0.8, true},
		{"above threshold", 99, 100, 0.8, true},
		{"zero budget never compacts", 1000, 0, 0.8, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldCompact(tt.used, tt.budget, tt.threshold); got != tt.want {
				t.Errorf("ShouldCompact(%d, %d, %g) = %v, want %v", tt.used, tt.budget, tt.threshold, got, tt.want)
			}
		})
	}
}

func turn(role, content string) *types.Turn {
	return &types.Turn{ID: types.NewTurnID(), Role: role, Content: content}
}

func TestCompactPreservesInvariantSet(t *testing.T) {
	preserve := Preserve{
		Goals:       []string{"plan the offsite"},
		Preferences: map[string]string{"tone": "terse"},
		ActiveItems: []types.OrganizationalItem{{Title: "Book venue", Kind: types.KindProject}},
	}
	turns := []*types.Turn{
		turn("user", "help me plan the offsite"),
		turn("tool", `{"raw": "enormous tool output"}`),
		turn("assistant", "here is a draft agenda"),
	}

	summary := Compact(turns, preserve)

	if len(summary.Goals) != 1 || summary.Goals[0] != "plan the offsite" {
		t.Errorf("goals not preserved: %v", summary.Goals)
	}
	if summary.Preferences["tone"] != "terse" {
		t.Errorf("preferences not preserved: %v", summary.Preferences)
	}
	if len(summary.ActiveItems) != 1 || summary.ActiveItems[0].Title != "Book venue" {
		t.Errorf("active items not preserved: %v", summary.ActiveItems)
	}
	for _, line := range summary.Narrative {
		if strings.Contains(line, "enormous tool output") {
			t.Error("raw tool output survived compaction")
		}
	}
	if len(summary.Narrative) != 2 {
		t.Errorf("expected 2 narrative lines, got %d", len(summary.Narrative))
	}
}

func TestCompactTruncatesLongLines(t *testing.T) {
	long := strings.Repeat("x", 500)
	summary := Compact([]*types.Turn{turn("assistant", long)}, Preserve{})

	if len(summary.Narrative) != 1 {
		t.Fatalf("expected one narrative line, got %d", len(summary.Narrative))
	}
	if !strings.HasSuffix(summary.Narrative[0], "…") {
		t.Error("long line not truncated")
	}
	if len(summary.Narrative[0]) > len("assistant: ")+narrativeLineMax+len("…") {
		t.Errorf("line too long after truncation: %d chars", len(summary.Narrative[0]))
	}
}

func TestCompactTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte runes must never be split mid-sequence: the summary is
	// marshalled to JSON and an invalid byte would corrupt it.
	long := strings.Repeat("é", 500)
	summary := Compact([]*types.Turn{turn("assistant", long)}, Preserve{})

	if len(summary.Narrative) != 1 {
		t.Fatalf("expected one narrative line, got %d", len(summary.Narrative))
	}
	if !utf8.ValidString(summary.Narrative[0]) {
		t.Error("truncated line is not valid UTF-8")
	}
	if !strings.HasSuffix(summary.Narrative[0], "…") {
		t.Error("long line not truncated")
	}
}

func TestCompactIsIdempotent(t *testing.T) {
	preserve := Preserve{Goals: []string{"ship the report"}}
	turns := []*types.Turn{
		turn("user", "draft the quarterly report"),
		turn("assistant", "done, see the canvas"),
	}

	first := Compact(turns, preserve)
	asTurn, err := first.AsTurn(types.NewSessionID())
	if err != nil {
		t.Fatal(err)
	}

	second := Compact([]*types.Turn{asTurn}, preserve)

	if len(second.Narrative) != len(first.Narrative) {
		t.Errorf("narrative changed on recompaction: %d vs %d", len(second.Narrative), len(first.Narrative))
	}
	for i := range first.Narrative {
		if second.Narrative[i] != first.Narrative[i] {
			t.Errorf("narrative line %d changed: %q vs %q", i, second.Narrative[i], first.Narrative[i])
		}
	}
	if len(second.Goals) != 1 || second.Goals[0] != "ship the report" {
		t.Errorf("goals lost on recompaction: %v", second.Goals)
	}
}

func TestCounterCounts(t *testing.T) {
	counter, err := NewCounter("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if counter.Count("") != 0 {
		t.Error("empty string should count zero tokens")
	}
	short := counter.Count("hello")
	long := counter.Count(strings.Repeat("hello world ", 50))
	if long <= short {
		t.Errorf("longer text should count more tokens: %d vs %d", long, short)
	}
	total := counter.CountTurns([]*types.Turn{turn("user", "hello"), turn("assistant", "hello")})
	if total != 2*short {
		t.Errorf("CountTurns = %d, want %d", total, 2*short)
	}
}
