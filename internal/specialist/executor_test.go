// internal/specialist/executor_test.go
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/attache/internal/budget"
	"github.com/user/attache/internal/bus"
	"github.com/user/attache/internal/permission"
	"github.com/user/attache/internal/provider"
	"github.com/user/attache/internal/state"
	"github.com/user/attache/internal/types"
	"github.com/user/attache/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeModel returns canned structured output, optionally after a delay.
// toolCalls, when set, are returned by the first Complete and then consumed.
type fakeModel struct {
	structured json.RawMessage
	content    string
	usage      llm.Usage
	err        error
	delay      time.Duration

	mu        sync.Mutex
	toolCalls []llm.ToolCall
}

func (f *fakeModel) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	calls := f.toolCalls
	f.toolCalls = nil
	f.mu.Unlock()
	if len(calls) > 0 {
		return &llm.Response{ToolCalls: calls, Usage: f.usage}, nil
	}
	return &llm.Response{Content: f.content, Usage: f.usage}, nil
}

func (f *fakeModel) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	return nil, fmt.Errorf("streaming not supported")
}

func (f *fakeModel) Structured(ctx context.Context, messages []llm.Message, schemaName string, schema json.RawMessage) (json.RawMessage, *llm.Usage, error) {
	if err := f.wait(ctx); err != nil {
		return nil, nil, err
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	usage := f.usage
	return f.structured, &usage, nil
}

func (f *fakeModel) wait(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func researchRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry([]*Spec{
		{
			ID:           "research",
			Tools:        []string{"web_fetch", "web_search"},
			Prompt:       "You are a research specialist.",
			UIHint:       "document",
			TokenBudget:  1000,
			OutputSchema: `{"type":"object","required":["findings"],"properties":{"findings":{"type":"array","items":{"type":"string"}}}}`,
		},
		{
			ID:     "writing",
			Tools:  []string{"web_fetch"},
			Prompt: "You are a writing specialist.",
		},
	}, 30*time.Second, time.Minute)
	require.NoError(t, err)
	return registry
}

func orchestratorCaps() []string {
	return []string{"web_fetch", "web_search", "calendar_write", "delegate"}
}

func invocation(specialist string) *types.SubagentInvocation {
	return &types.SubagentInvocation{
		ID:         types.NewInvocationID(),
		SessionID:  types.NewSessionID(),
		TurnID:     types.NewTurnID(),
		Specialist: specialist,
		Input:      "find recent coverage",
	}
}

func testExecutor(t *testing.T, model llm.Provider, limit int64) (*Executor, *budget.Ledger) {
	t.Helper()
	ledger := budget.NewLedger(limit)
	handoff := state.NewHandoffStore(t.TempDir())
	return NewExecutor(researchRegistry(t), model, nil, ledger, handoff, 2), ledger
}

// recordingTools is a read-only tool provider that records invocations.
type recordingTools struct {
	mu      sync.Mutex
	invoked []string
}

func (r *recordingTools) Tools() []types.ToolDescriptor {
	return []types.ToolDescriptor{{ID: "web_fetch", Description: "fetch a page", Access: types.AccessRead}}
}

func (r *recordingTools) Invoke(ctx context.Context, toolID string, input json.RawMessage) (*types.ToolResult, error) {
	r.mu.Lock()
	r.invoked = append(r.invoked, toolID)
	r.mu.Unlock()
	return &types.ToolResult{Output: json.RawMessage(`{"page":"press release text"}`)}, nil
}

// gatewayExecutor wires an executor to a real gateway and permission
// engine, capturing the agent id each evaluated request carries.
func gatewayExecutor(t *testing.T, model llm.Provider) (*Executor, *recordingTools, types.AuditLog, *[]string) {
	t.Helper()
	agents := &[]string{}
	var agentMu sync.Mutex
	engine := permission.New(permission.Options{Hooks: []permission.Hook{{
		Name:  "capture-agent",
		Stage: permission.StageBeforeToolCall,
		Fn: func(ctx context.Context, req *types.ToolCallRequest) permission.HookResult {
			agentMu.Lock()
			*agents = append(*agents, req.Agent)
			agentMu.Unlock()
			return permission.Allow()
		},
	}}})

	dir := t.TempDir()
	audit := state.NewAuditLog(dir)
	gw := provider.NewGateway(engine, audit, bus.New(), time.Minute)
	tools := &recordingTools{}
	gw.Register(tools)

	executor := NewExecutor(researchRegistry(t), model, gw, budget.NewLedger(100000), state.NewHandoffStore(dir), 2)
	return executor, tools, audit, agents
}

func TestRunToolCallsPassThroughGateway(t *testing.T) {
	model := &fakeModel{
		toolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Type: "function",
			Function: llm.FunctionCall{
				Name:      "web_fetch",
				Arguments: json.RawMessage(`{"url":"https://example.com"}`),
			},
		}},
		structured: json.RawMessage(`{"findings":["from the fetched page"]}`),
		usage:      llm.Usage{TotalTokens: 50},
	}
	executor, tools, audit, agents := gatewayExecutor(t, model)

	inv := invocation("research")
	result, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"findings":["from the fetched page"]}`, string(result.Output))

	// The call reached the provider under the specialist's agent id and
	// left exactly one audit entry.
	assert.Equal(t, []string{"web_fetch"}, tools.invoked)
	assert.Equal(t, []string{"research"}, *agents)

	entries, err := audit.Query(context.Background(), inv.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "web_fetch", entries[0].Tool)
	assert.Equal(t, types.OutcomeExecuted, entries[0].Outcome)
}

func TestRunRefusesToolOutsideCapabilitySet(t *testing.T) {
	// The model asks for a tool the orchestrator holds but the specialist
	// does not declare. The refusal rides back as tool output and never
	// touches the gateway.
	model := &fakeModel{
		toolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Type: "function",
			Function: llm.FunctionCall{
				Name:      "calendar_write",
				Arguments: json.RawMessage(`{}`),
			},
		}},
		structured: json.RawMessage(`{"findings":[]}`),
	}
	executor, tools, audit, _ := gatewayExecutor(t, model)

	inv := invocation("research")
	_, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
	require.NoError(t, err)

	assert.Empty(t, tools.invoked)
	entries, err := audit.Query(context.Background(), inv.SessionID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunHappyPath(t *testing.T) {
	model := &fakeModel{
		structured: json.RawMessage(`{"findings":["a","b"]}`),
		usage:      llm.Usage{TotalTokens: 300},
	}
	executor, ledger := testExecutor(t, model, 10000)

	inv := invocation("research")
	result, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
	require.NoError(t, err)

	assert.Equal(t, "research", result.Specialist)
	assert.JSONEq(t, `{"findings":["a","b"]}`, string(result.Output))
	assert.Equal(t, "document", result.UIHint)
	assert.Equal(t, int64(300), result.TokensUsed)
	assert.Equal(t, types.InvocationCompleted, inv.Status)
	assert.NotNil(t, inv.EndedAt)

	// Only the tokens actually used stay deducted.
	assert.Equal(t, int64(10000-300), ledger.Remaining(inv.SessionID))
}

func TestRunRejectsNonOrchestratorCaller(t *testing.T) {
	executor, _ := testExecutor(t, &fakeModel{}, 10000)

	_, err := executor.Run(context.Background(), "research", []string{"web_fetch"}, invocation("writing"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRunEnforcesStrictSubset(t *testing.T) {
	executor, _ := testExecutor(t, &fakeModel{}, 10000)

	// Caller holds only a subset of the specialist's declared tools.
	_, err := executor.Run(context.Background(), "orchestrator", []string{"web_fetch", "delegate"}, invocation("research"))
	assert.ErrorIs(t, err, types.ErrValidation)

	// Equal sets are not a strict subset either.
	_, err = executor.Run(context.Background(), "orchestrator", []string{"web_fetch"}, invocation("writing"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRunUnknownSpecialist(t *testing.T) {
	executor, _ := testExecutor(t, &fakeModel{}, 10000)
	_, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), invocation("no-such"))
	assert.Error(t, err)
}

func TestRunBudgetExceeded(t *testing.T) {
	executor, ledger := testExecutor(t, &fakeModel{}, 500)

	inv := invocation("research") // spec budget 1000 > session limit 500
	_, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
	assert.ErrorIs(t, err, types.ErrBudgetExceeded)
	assert.Equal(t, int64(500), ledger.Remaining(inv.SessionID))
}

func TestRunRefundsOnFailure(t *testing.T) {
	model := &fakeModel{err: fmt.Errorf("backend exploded")}
	executor, ledger := testExecutor(t, model, 10000)

	inv := invocation("research")
	_, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
	require.Error(t, err)
	assert.Equal(t, types.InvocationFailed, inv.Status)
	assert.Equal(t, int64(10000), ledger.Remaining(inv.SessionID))
}

func TestRunValidatesOutputSchema(t *testing.T) {
	model := &fakeModel{structured: json.RawMessage(`{"wrong":"shape"}`)}
	executor, _ := testExecutor(t, model, 10000)

	_, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), invocation("research"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRunTimesOut(t *testing.T) {
	model := &fakeModel{delay: time.Second, structured: json.RawMessage(`{"findings":[]}`)}
	executor, ledger := testExecutor(t, model, 10000)

	inv := invocation("research")
	inv.Timeout = 20 * time.Millisecond
	_, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, types.InvocationCancelled, inv.Status)
	assert.Equal(t, int64(10000), ledger.Remaining(inv.SessionID))
}

func TestCancelRunningInvocation(t *testing.T) {
	model := &fakeModel{delay: 5 * time.Second, structured: json.RawMessage(`{"findings":[]}`)}
	executor, _ := testExecutor(t, model, 10000)

	inv := invocation("research")
	done := make(chan error, 1)
	go func() {
		_, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return executor.Cancel(inv.ID)
	}, time.Second, 5*time.Millisecond)

	err := <-done
	assert.ErrorIs(t, err, types.ErrCancelled)

	// Cancelling an unknown invocation reports false.
	assert.False(t, executor.Cancel(types.NewInvocationID()))
}

func TestLargeOutputGoesToHandoff(t *testing.T) {
	big := fmt.Sprintf(`{"findings":["%s"]}`, strings.Repeat("x", handoffThreshold))
	model := &fakeModel{structured: json.RawMessage(big), usage: llm.Usage{TotalTokens: 10}}
	executor, _ := testExecutor(t, model, 100000)

	inv := invocation("research")
	result, err := executor.Run(context.Background(), "orchestrator", orchestratorCaps(), inv)
	require.NoError(t, err)

	assert.NotEmpty(t, result.HandoffRef)
	assert.Empty(t, result.Output)
	assert.NotEmpty(t, result.Summary)
	assert.LessOrEqual(t, len(result.Summary), 403)
}
