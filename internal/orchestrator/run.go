// internal/orchestrator/run.go
package orchestrator

import (
	"context"
	"time"

	"github.com/user/attache/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks a single execution of an inbound turn against a session.
type Run struct {
	ID         types.TurnID
	SessionID  types.SessionID
	Inbound    *types.InboundTurn
	Status     RunStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	Error      error
	Ctx        context.Context
	OnComplete func(response string)
}

// NewRun creates a Run in the Queued state for the given session and turn.
func NewRun(sessionID types.SessionID, inbound *types.InboundTurn) *Run {
	return &Run{
		ID:        types.NewTurnID(),
		SessionID: sessionID,
		Inbound:   inbound,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}
