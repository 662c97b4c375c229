// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// SessionStore is the durable record of conversation turns plus an index
// for lookup, resume, and fork.
type SessionStore interface {
	CreateOrResume(ctx context.Context, key SessionKey, kind SessionKind) (*SessionIndex, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
	AppendTurn(ctx context.Context, turn *Turn) error
	ReplaceTurns(ctx context.Context, id SessionID, turns []*Turn) error
	Export(ctx context.Context, id SessionID) ([]*Turn, error)
	Fork(ctx context.Context, id SessionID) (*SessionIndex, error)
	Archive(ctx context.Context, id SessionID) error
}

// AuditLog is the append-only record of every evaluated tool call.
type AuditLog interface {
	Append(ctx context.Context, entry *AuditLogEntry) error
	Query(ctx context.Context, sessionID SessionID) ([]*AuditLogEntry, error)
}

// HandoffStore holds large specialist outputs out of line so only a short
// summary plus a reference travels back to the orchestrator.
type HandoffStore interface {
	Put(ctx context.Context, sessionID SessionID, invocation InvocationID, specialist string, data any) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	Excerpt(ctx context.Context, id ArtifactID, query string, maxTokens int) (string, error)
}

// PreferenceStore reads durable user preferences at session start and
// records corrections observed from user overrides.
type PreferenceStore interface {
	All(ctx context.Context) (map[string]string, error)
	RecordCorrection(ctx context.Context, key, value string) error
}

// ToolResult is the outcome of a tool provider invocation.
type ToolResult struct {
	Output json.RawMessage `json:"output"`
	Cached bool            `json:"cached,omitempty"`
}

// ToolProvider is the abstract capability interface over concrete tools.
// Implementations expose read/write classification metadata per tool and
// surface rate limiting and unavailability as typed errors.
type ToolProvider interface {
	Tools() []ToolDescriptor
	Invoke(ctx context.Context, toolID string, input json.RawMessage) (*ToolResult, error)
}

// ToolDescriptor describes one tool a provider exposes.
type ToolDescriptor struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Access      Access          `json:"access"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}
