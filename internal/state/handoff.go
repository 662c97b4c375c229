// internal/state/handoff.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/attache/internal/types"
)

// handoffMeta describes one stored handoff artifact.
type handoffMeta struct {
	ID         types.ArtifactID   `json:"id"`
	SessionID  types.SessionID    `json:"session_id"`
	Invocation types.InvocationID `json:"invocation"`
	Specialist string             `json:"specialist"`
	CreatedAt  time.Time          `json:"created_at"`
}

// handoffWrapper is the on-disk format: {"meta": ..., "data": ...}.
type handoffWrapper struct {
	Meta *handoffMeta    `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// HandoffStore stores large specialist outputs as individual JSON files at
// sessions/<sessionID>/handoff/<artifactID>.json, so only a summary plus a
// reference travels back through the orchestrator's context.
type HandoffStore struct {
	root string
}

// NewHandoffStore creates a file-backed HandoffStore rooted at the given directory.
func NewHandoffStore(root string) *HandoffStore {
	return &HandoffStore{root: root}
}

func (h *HandoffStore) handoffDir(sessionID types.SessionID) string {
	return filepath.Join(h.root, "sessions", string(sessionID), "handoff")
}

func (h *HandoffStore) artifactPath(sessionID types.SessionID, id types.ArtifactID) string {
	return filepath.Join(h.handoffDir(sessionID), string(id)+".json")
}

// findArtifact locates an artifact file by ID across all sessions.
func (h *HandoffStore) findArtifact(id types.ArtifactID) (string, error) {
	pattern := filepath.Join(h.root, "sessions", "*", "handoff", string(id)+".json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("glob handoff artifact: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("handoff artifact not found: %s", id)
	}
	return matches[0], nil
}

func (h *HandoffStore) readWrapper(path string) (*handoffWrapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read handoff artifact: %w", err)
	}

	var wrapper handoffWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unmarshal handoff artifact: %w", err)
	}
	return &wrapper, nil
}

// Put stores a specialist result and returns its reference.
func (h *HandoffStore) Put(_ context.Context, sessionID types.SessionID, invocation types.InvocationID, specialist string, data any) (types.ArtifactID, error) {
	id := types.NewArtifactID()

	rawData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal handoff data: %w", err)
	}

	wrapper := &handoffWrapper{
		Meta: &handoffMeta{
			ID:         id,
			SessionID:  sessionID,
			Invocation: invocation,
			Specialist: specialist,
			CreatedAt:  time.Now(),
		},
		Data: json.RawMessage(rawData),
	}

	content, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal handoff wrapper: %w", err)
	}

	if err := os.MkdirAll(h.handoffDir(sessionID), 0o755); err != nil {
		return "", fmt.Errorf("create handoff dir: %w", err)
	}

	target := h.artifactPath(sessionID, id)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write temp handoff artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename temp handoff artifact: %w", err)
	}

	return id, nil
}

// Get returns the raw stored data for the given artifact.
func (h *HandoffStore) Get(_ context.Context, id types.ArtifactID) (json.RawMessage, error) {
	path, err := h.findArtifact(id)
	if err != nil {
		return nil, err
	}

	wrapper, err := h.readWrapper(path)
	if err != nil {
		return nil, err
	}

	return wrapper.Data, nil
}

// Excerpt returns a truncated text view of the artifact, centered on the
// query substring when one is found.
func (h *HandoffStore) Excerpt(_ context.Context, id types.ArtifactID, query string, maxTokens int) (string, error) {
	path, err := h.findArtifact(id)
	if err != nil {
		return "", err
	}

	wrapper, err := h.readWrapper(path)
	if err != nil {
		return "", err
	}

	raw := string(wrapper.Data)

	// Roughly 4 chars per token.
	maxChars := maxTokens * 4
	if maxChars <= 0 {
		maxChars = len(raw)
	}

	if query != "" {
		idx := strings.Index(strings.ToLower(raw), strings.ToLower(query))
		if idx >= 0 {
			start := idx - maxChars/2
			if start < 0 {
				start = 0
			}
			end := start + maxChars
			if end > len(raw) {
				end = len(raw)
			}
			return raw[start:end], nil
		}
	}

	if len(raw) > maxChars {
		return raw[:maxChars], nil
	}
	return raw, nil
}
