//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/attache/internal/budget"
	"github.com/user/attache/internal/bus"
	"github.com/user/attache/internal/canvas"
	"github.com/user/attache/internal/compact"
	"github.com/user/attache/internal/config"
	"github.com/user/attache/internal/orchestrator"
	"github.com/user/attache/internal/permission"
	"github.com/user/attache/internal/provider"
	"github.com/user/attache/internal/specialist"
	"github.com/user/attache/internal/state"
	"github.com/user/attache/internal/triage"
	"github.com/user/attache/internal/types"
	"github.com/user/attache/pkg/llm"
)

// scriptedModel serves a fixed queue of completions and a canned routing
// classification.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.Response
}

func (m *scriptedModel) Complete(_ context.Context, _ []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("script exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Stream(_ context.Context, _ []llm.Message, _ []llm.Tool) (<-chan llm.Delta, error) {
	return nil, fmt.Errorf("streaming not supported")
}

func (m *scriptedModel) Structured(_ context.Context, _ []llm.Message, _ string, _ json.RawMessage) (json.RawMessage, *llm.Usage, error) {
	return json.RawMessage(`{"can_help":true,"candidates":[]}`), &llm.Usage{}, nil
}

// emailTools exposes a single write-classified tool.
type emailTools struct{}

func (emailTools) Tools() []types.ToolDescriptor {
	return []types.ToolDescriptor{{ID: "send_email", Description: "send an email", Access: types.AccessWrite}}
}

func (emailTools) Invoke(_ context.Context, _ string, _ json.RawMessage) (*types.ToolResult, error) {
	return &types.ToolResult{Output: json.RawMessage(`{"sent":true}`)}, nil
}

func emailCall(id, to string) llm.ToolCall {
	return llm.ToolCall{
		ID:   id,
		Type: "function",
		Function: llm.FunctionCall{
			Name:      "send_email",
			Arguments: json.RawMessage(fmt.Sprintf(`{"to":%q}`, to)),
		},
	}
}

// buildHarness wires the full agent core around a scripted model, the way
// the daemon does at startup.
func buildHarness(t *testing.T, model llm.Provider) (*orchestrator.Harness, *state.SessionStore, types.AuditLog) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Generation.MaxContextTokens = 8000
	cfg.Generation.OutputReserve = 200
	cfg.Budget.CompactThreshold = 0.8

	sessions := state.NewSessionStore(dir)
	audit := state.NewAuditLog(dir)
	handoff := state.NewHandoffStore(dir)
	prefs := state.NewPreferenceStore(filepath.Join(dir, "preferences.json"))
	events := bus.New()

	engine := permission.New(permission.Options{})
	gateway := provider.NewGateway(engine, audit, events, time.Minute)
	gateway.Register(emailTools{})

	registry, err := specialist.NewRegistry(nil, 30*time.Second, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ledger := budget.NewLedger(100000)
	counter, err := compact.NewCounter("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Sessions: sessions,
		Prefs:    prefs,
		Handoff:  handoff,
		Events:   events,
		Gateway:  gateway,
		Engine:   engine,
		Executor: specialist.NewExecutor(registry, model, gateway, ledger, handoff, 2),
		Registry: registry,
		Router:   orchestrator.NewRouter(registry, model, 0.6, 0.1),
		Model:    model,
		Ledger:   ledger,
		Counter:  counter,
		Canvases: canvas.New(events, time.Minute),
	})

	queue := orchestrator.NewQueue(4)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	return orchestrator.NewHarness(orch, queue, triage.NewScorer(nil), audit), sessions, audit
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// drainEvents empties everything currently buffered on a subscriber.
func drainEvents(sub *bus.Subscriber) []*types.Event {
	var out []*types.Event
	for {
		select {
		case event := <-sub.C:
			out = append(out, event)
		default:
			return out
		}
	}
}

func countType(events []*types.Event, want types.EventType) int {
	n := 0
	for _, event := range events {
		if event.Type == want {
			n++
		}
	}
	return n
}

// TestSessionGrantCoversRepeatWriteCalls drives two turns end to end.
// The first write-classified tool call blocks on a permission prompt;
// granting it with session scope lets the second turn's identical tool
// proceed without a new request.
func TestSessionGrantCoversRepeatWriteCalls(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{emailCall("call-1", "bob@example.com")}, Usage: llm.Usage{TotalTokens: 10}},
		{Content: "First email sent.", Usage: llm.Usage{TotalTokens: 10}},
		{ToolCalls: []llm.ToolCall{emailCall("call-2", "carol@example.com")}, Usage: llm.Usage{TotalTokens: 10}},
		{Content: "Second email sent.", Usage: llm.Usage{TotalTokens: 10}},
	}}
	h, sessions, audit := buildHarness(t, model)
	ctx := context.Background()

	// Pre-create the session so the event subscription is in place before
	// the first turn is processed.
	session, err := sessions.CreateOrResume(ctx, "test:user1", types.SessionOngoing)
	if err != nil {
		t.Fatal(err)
	}
	sub := h.Subscribe(session.SessionID, 64)
	defer h.Unsubscribe(session.SessionID, sub)

	sessionID, _, err := h.SubmitTurn(ctx, &types.InboundTurn{
		SessionKey: "test:user1",
		Kind:       types.SessionOngoing,
		Text:       "email bob the summary",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sessionID != session.SessionID {
		t.Fatalf("expected session %s to be resumed, got %s", session.SessionID, sessionID)
	}

	// The write call parks on a permission prompt and announces it.
	var pending []types.RequestID
	waitFor(t, "permission prompt", func() bool {
		pending = h.PendingPermissions()
		return len(pending) == 1
	})
	if n := countType(drainEvents(sub), types.EventPermissionRequested); n != 1 {
		t.Fatalf("expected 1 permission requested event, got %d", n)
	}

	if err := h.ResolvePermission(pending[0], types.DecisionAllow, types.ScopeSession); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first turn to complete", func() bool {
		turns, err := h.ExportSession(ctx, sessionID)
		return err == nil && len(turns) == 2
	})

	// Second call to the same tool in the same session: covered by the
	// grant, no new prompt.
	if _, _, err := h.SubmitTurn(ctx, &types.InboundTurn{
		SessionKey: "test:user1",
		Kind:       types.SessionOngoing,
		Text:       "email carol the follow-up",
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second turn to complete", func() bool {
		turns, err := h.ExportSession(ctx, sessionID)
		return err == nil && len(turns) == 4
	})

	if n := len(h.PendingPermissions()); n != 0 {
		t.Errorf("expected no pending permissions after the grant, got %d", n)
	}
	if n := countType(drainEvents(sub), types.EventPermissionRequested); n != 0 {
		t.Fatalf("second write call raised %d new permission prompts", n)
	}

	// Both calls audited as executed, one entry each.
	entries, err := audit.Query(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Tool != "send_email" || entry.Outcome != types.OutcomeExecuted {
			t.Errorf("unexpected audit entry: tool %s outcome %s", entry.Tool, entry.Outcome)
		}
	}

	turns, err := h.ExportSession(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if turns[1].Content != "First email sent." || turns[3].Content != "Second email sent." {
		t.Errorf("unexpected replies: %q, %q", turns[1].Content, turns[3].Content)
	}
}
