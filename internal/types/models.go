// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// SessionKind distinguishes long-lived conversation threads from one-off runs.
type SessionKind string

const (
	SessionOngoing SessionKind = "ongoing"
	SessionOneOff  SessionKind = "one-off"
)

// SessionIndex is the durable index record for one conversation thread.
// The turn log lives in a separate per-session file; the index and the
// turn log are updated as two independent atomic steps so a crash between
// them never corrupts the index.
type SessionIndex struct {
	SessionID   SessionID   `json:"session_id"`
	SessionKey  SessionKey  `json:"session_key"`
	Kind        SessionKind `json:"kind"`
	Status      string      `json:"status"` // active | archived
	CreatedAt   time.Time   `json:"created_at"`
	LastActive  time.Time   `json:"last_active"`
	TurnCount   int64       `json:"turn_count"`
	TokensUsed  int64       `json:"tokens_used"`
	Compactions int         `json:"compactions"`
	Corrupted   bool        `json:"corrupted,omitempty"`
	ForkedFrom  SessionID   `json:"forked_from,omitempty"`
}

// Turn is one user/agent exchange entry. Immutable once written.
type Turn struct {
	ID        TurnID          `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Seq       int64           `json:"seq"`
	Role      string          `json:"role"` // user | assistant | system | summary
	Content   string          `json:"content"`
	ToolCalls []RequestID     `json:"tool_calls,omitempty"`
	CanvasRef CanvasID        `json:"canvas_ref,omitempty"`
	At        time.Time       `json:"at"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// Access classifies a tool call as read-only or side-effecting. It is fixed
// when the request is created and never reclassified afterwards.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// ToolCallRequest is a proposed external effect awaiting policy evaluation.
type ToolCallRequest struct {
	ID        RequestID       `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Agent     string          `json:"agent"` // orchestrator or specialist id
	Access    Access          `json:"access"`
	At        time.Time       `json:"at"`
}

// Decision is the outcome of permission evaluation for one request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// GrantScope controls how long a user-granted allowance lasts.
type GrantScope string

const (
	ScopeOnce    GrantScope = "once"
	ScopeSession GrantScope = "session"
)

// PermissionDecision is the terminal policy outcome for a ToolCallRequest.
// Exactly one terminal decision exists per request.
type PermissionDecision struct {
	RequestID RequestID  `json:"request_id"`
	Decision  Decision   `json:"decision"`
	Reason    string     `json:"reason,omitempty"`
	Scope     GrantScope `json:"scope,omitempty"`
}

// InvocationStatus is the lifecycle state of a delegated unit of work.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationCancelled InvocationStatus = "cancelled"
)

// SubagentInvocation records one delegated unit of work. The capability
// allowlist is always a strict subset of the caller's own.
type SubagentInvocation struct {
	ID           InvocationID     `json:"id"`
	SessionID    SessionID        `json:"session_id"`
	TurnID       TurnID           `json:"turn_id"`
	Specialist   string           `json:"specialist"`
	Capabilities []string         `json:"capabilities"`
	Input        string           `json:"input"`
	TokenBudget  int64            `json:"token_budget"`
	Timeout      time.Duration    `json:"timeout"`
	Status       InvocationStatus `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
}

// Tier buckets a priority score into a category.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

// TriageResult is the score and classification of one incoming item.
// Score is always within the closed unit interval.
type TriageResult struct {
	Score            float64  `json:"score"`
	Tier             Tier     `json:"tier"`
	SuggestedActions []string `json:"suggested_actions"`
	FilingTarget     ItemKind `json:"filing_target"`
}

// ItemKind is the PARA bucket for a filed unit of work.
type ItemKind string

const (
	KindProject  ItemKind = "project"
	KindArea     ItemKind = "area"
	KindResource ItemKind = "resource"
	KindArchive  ItemKind = "archive"
)

// OrganizationalItem is a filed unit of work. A project always carries a
// deadline or an explicit deliverable.
type OrganizationalItem struct {
	ID          string     `json:"id"`
	Kind        ItemKind   `json:"kind"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Deliverable string     `json:"deliverable,omitempty"`
	Parent      string     `json:"parent,omitempty"`
}

// CanvasMode is the interaction mode of an active canvas.
type CanvasMode string

const (
	ModeDisplay CanvasMode = "display"
	ModeEdit    CanvasMode = "edit"
)

// CanvasState is the lifecycle state of a canvas artifact.
type CanvasState string

const (
	CanvasSpawning  CanvasState = "spawning"
	CanvasActive    CanvasState = "active"
	CanvasCollapsed CanvasState = "collapsed"
	CanvasClosed    CanvasState = "closed"
)

// CanvasArtifact is a structured interactive artifact bound to one turn.
// At most one artifact per session is in the active state at a time.
type CanvasArtifact struct {
	ID        CanvasID    `json:"id"`
	SessionID SessionID   `json:"session_id"`
	TurnID    TurnID      `json:"turn_id"`
	Type      string      `json:"type"`
	Mode      CanvasMode  `json:"mode"`
	Content   string      `json:"content"`
	Dirty     bool        `json:"dirty"`
	State     CanvasState `json:"state"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// AuditOutcome is the recorded result of an attempted tool call.
type AuditOutcome string

const (
	OutcomeAllowed   AuditOutcome = "allowed"
	OutcomeDenied    AuditOutcome = "denied"
	OutcomeExecuted  AuditOutcome = "executed"
	OutcomeFailed    AuditOutcome = "failed"
	OutcomeCancelled AuditOutcome = "cancelled"
)

// AuditLogEntry is an immutable record of an attempted or executed tool
// call. Exactly one entry exists per ToolCallRequest.
type AuditLogEntry struct {
	At          time.Time    `json:"at"`
	SessionID   SessionID    `json:"session_id"`
	RequestID   RequestID    `json:"request_id"`
	Tool        string       `json:"tool"`
	Access      Access       `json:"access"`
	InputDigest string       `json:"input_digest"` // sha-256 of the raw input
	Outcome     AuditOutcome `json:"outcome"`
	Reason      string       `json:"reason,omitempty"`
}

// EventType enumerates the per-session event stream.
type EventType string

const (
	EventTurnStarted         EventType = "turn_started"
	EventTokenDelta          EventType = "token_delta"
	EventToolCallProposed    EventType = "tool_call_proposed"
	EventPermissionRequested EventType = "permission_requested"
	EventPermissionResolved  EventType = "permission_resolved"
	EventCanvasSpawned       EventType = "canvas_spawned"
	EventCanvasStateChanged  EventType = "canvas_state_changed"
	EventTurnCompleted       EventType = "turn_completed"
	EventTurnFailed          EventType = "turn_failed"
)

// Event is one entry in a session's ordered event stream.
type Event struct {
	SessionID SessionID       `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// InboundTurn is a user utterance entering the harness.
type InboundTurn struct {
	SessionKey SessionKey      `json:"session_key"`
	Kind       SessionKind     `json:"kind"`
	UserID     string          `json:"user_id"`
	Text       string          `json:"text"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}
