// internal/orchestrator/harness.go
package orchestrator

import (
	"context"
	"fmt"

	"github.com/user/attache/internal/bus"
	"github.com/user/attache/internal/specialist"
	"github.com/user/attache/internal/triage"
	"github.com/user/attache/internal/types"
)

// Harness is the command surface over the orchestrator: submit turns,
// resolve permission prompts, interact with canvases, triage items, and
// inspect sessions. Transports (HTTP, CLI) sit on top of this and carry
// no orchestration logic of their own.
type Harness struct {
	orch   *Orchestrator
	queue  *Queue
	scorer *triage.Scorer
	audit  types.AuditLog
}

// NewHarness wires the harness over an orchestrator and its queue.
func NewHarness(orch *Orchestrator, queue *Queue, scorer *triage.Scorer, audit types.AuditLog) *Harness {
	queue.SetProcessor(orch.ProcessTurn)
	return &Harness{
		orch:   orch,
		queue:  queue,
		scorer: scorer,
		audit:  audit,
	}
}

// SubmitTurn resolves the session for the inbound turn and queues it.
// Turns within a session run strictly in order of submission.
func (h *Harness) SubmitTurn(ctx context.Context, inbound *types.InboundTurn) (types.SessionID, types.TurnID, error) {
	if inbound.Text == "" {
		return "", "", fmt.Errorf("empty turn text")
	}
	kind := inbound.Kind
	if kind == "" {
		kind = types.SessionOngoing
	}

	session, err := h.orch.sessions.CreateOrResume(ctx, inbound.SessionKey, kind)
	if err != nil {
		return "", "", fmt.Errorf("resolve session: %w", err)
	}

	run := NewRun(session.SessionID, inbound)
	if err := h.queue.Enqueue(run); err != nil {
		return "", "", err
	}
	return session.SessionID, run.ID, nil
}

// SubmitTurnAndWait queues a turn and blocks until its reply is ready.
func (h *Harness) SubmitTurnAndWait(ctx context.Context, inbound *types.InboundTurn) (string, error) {
	if inbound.Text == "" {
		return "", fmt.Errorf("empty turn text")
	}
	kind := inbound.Kind
	if kind == "" {
		kind = types.SessionOngoing
	}

	session, err := h.orch.sessions.CreateOrResume(ctx, inbound.SessionKey, kind)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	done := make(chan string, 1)
	run := NewRun(session.SessionID, inbound)
	run.OnComplete = func(response string) { done <- response }

	if err := h.queue.Enqueue(run); err != nil {
		return "", err
	}

	select {
	case response := <-done:
		return response, nil
	case <-ctx.Done():
		h.orch.CancelTurn(session.SessionID)
		return "", ctx.Err()
	}
}

// ResolvePermission delivers the user's decision for a pending request.
// The gateway publishes the resolution on the session's event stream once
// the awaiting call observes it.
func (h *Harness) ResolvePermission(requestID types.RequestID, decision types.Decision, scope types.GrantScope) error {
	return h.orch.engine.Resolve(requestID, decision, scope)
}

// PendingPermissions lists requests awaiting a user decision.
func (h *Harness) PendingPermissions() []types.RequestID {
	return h.orch.engine.Pending()
}

// InteractCanvas applies one user action to a canvas artifact.
func (h *Harness) InteractCanvas(id types.CanvasID, action, payload string) (*types.CanvasArtifact, error) {
	return h.orch.canvases.Interact(id, action, payload)
}

// ActiveCanvas returns the session's active canvas artifact, if any.
func (h *Harness) ActiveCanvas(sessionID types.SessionID) (*types.CanvasArtifact, bool) {
	return h.orch.canvases.Active(sessionID)
}

// CancelTurn aborts the session's in-flight turn.
func (h *Harness) CancelTurn(sessionID types.SessionID) bool {
	return h.orch.CancelTurn(sessionID)
}

// Sessions lists every known session.
func (h *Harness) Sessions(ctx context.Context) ([]*types.SessionIndex, error) {
	return h.orch.sessions.List(ctx)
}

// ExportSession returns the session's full ordered turn history.
func (h *Harness) ExportSession(ctx context.Context, id types.SessionID) ([]*types.Turn, error) {
	return h.orch.sessions.Export(ctx, id)
}

// ForkSession copies a session's history into a new session.
func (h *Harness) ForkSession(ctx context.Context, id types.SessionID) (*types.SessionIndex, error) {
	return h.orch.sessions.Fork(ctx, id)
}

// ArchiveSession archives the session, runs its after-session hooks,
// drops its permission grants, and closes its canvases.
func (h *Harness) ArchiveSession(ctx context.Context, id types.SessionID) error {
	if err := h.orch.sessions.Archive(ctx, id); err != nil {
		return err
	}
	h.orch.EndSession(ctx, id)
	return nil
}

// AuditQuery returns the session's ordered audit trail.
func (h *Harness) AuditQuery(ctx context.Context, sessionID types.SessionID) ([]*types.AuditLogEntry, error) {
	return h.audit.Query(ctx, sessionID)
}

// Subscribe attaches a bounded subscriber to the session's event stream.
func (h *Harness) Subscribe(sessionID types.SessionID, buffer int) *bus.Subscriber {
	return h.orch.events.Subscribe(sessionID, buffer)
}

// Unsubscribe detaches an event subscriber.
func (h *Harness) Unsubscribe(sessionID types.SessionID, sub *bus.Subscriber) {
	h.orch.events.Unsubscribe(sessionID, sub)
}

// Specialists lists the loaded specialist roster.
func (h *Harness) Specialists() []*specialist.Spec {
	return h.orch.registry.All()
}

// Triage scores and classifies one incoming item.
func (h *Harness) Triage(item *triage.Item) *types.TriageResult {
	return h.scorer.Score(item)
}

// FileItem files an item into its PARA bucket.
func (h *Harness) FileItem(id string, item *triage.Item) (*types.OrganizationalItem, error) {
	return triage.File(id, item)
}

// OverrideFiling applies a user's correction to a filed item and records
// the correction as a durable preference.
func (h *Harness) OverrideFiling(ctx context.Context, item *types.OrganizationalItem, corrected types.ItemKind) error {
	return triage.Override(ctx, h.orch.prefs, item, corrected)
}
