// internal/specialist/executor.go
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/user/attache/internal/budget"
	"github.com/user/attache/internal/provider"
	"github.com/user/attache/internal/types"
	"github.com/user/attache/pkg/llm"
)

// Outputs above this size are parked in the handoff store and only a
// summary plus a reference travels back to the orchestrator.
const handoffThreshold = 8192

// maxToolRounds bounds model->tool->model iterations per invocation.
const maxToolRounds = 6

// Result is one specialist's contribution to a turn.
type Result struct {
	Specialist string             `json:"specialist"`
	Invocation types.InvocationID `json:"invocation"`
	Output     json.RawMessage    `json:"output,omitempty"`
	Summary    string             `json:"summary,omitempty"`
	HandoffRef types.ArtifactID   `json:"handoff_ref,omitempty"`
	UIHint     string             `json:"ui_hint,omitempty"`
	TokensUsed int64              `json:"tokens_used"`
}

// Executor runs specialist invocations. Concurrency is capped by a
// weighted semaphore; the token budget is reserved atomically before
// dispatch; specialist capabilities must be a strict subset of the
// caller's; and a specialist can never delegate further (depth cap of
// one from the orchestrator).
type Executor struct {
	registry *Registry
	model    llm.Provider
	gateway  *provider.Gateway
	ledger   *budget.Ledger
	handoff  types.HandoffStore
	sem      *semaphore.Weighted

	mu      sync.Mutex
	running map[types.InvocationID]context.CancelFunc
}

// NewExecutor creates an Executor with at most maxParallel concurrent
// invocations. Specialist tool calls pass through the gateway under the
// specialist's own agent id; a nil gateway disables tool use.
func NewExecutor(registry *Registry, model llm.Provider, gateway *provider.Gateway, ledger *budget.Ledger, handoff types.HandoffStore, maxParallel int64) *Executor {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Executor{
		registry: registry,
		model:    model,
		gateway:  gateway,
		ledger:   ledger,
		handoff:  handoff,
		sem:      semaphore.NewWeighted(maxParallel),
		running:  make(map[types.InvocationID]context.CancelFunc),
	}
}

// Run executes one specialist invocation to completion. callerAgent must
// be the orchestrator: specialists cannot spawn specialists. callerCaps
// is the caller's capability set; the specialist's declared tools must be
// a strict subset of it.
func (e *Executor) Run(ctx context.Context, callerAgent string, callerCaps []string, inv *types.SubagentInvocation) (*Result, error) {
	if callerAgent != "orchestrator" {
		return nil, fmt.Errorf("%w: %s cannot delegate", types.ErrValidation, callerAgent)
	}

	spec, ok := e.registry.Get(inv.Specialist)
	if !ok {
		return nil, fmt.Errorf("unknown specialist: %s", inv.Specialist)
	}
	if err := strictSubset(spec.Tools, callerCaps); err != nil {
		return nil, fmt.Errorf("%w: specialist %s: %v", types.ErrValidation, spec.ID, err)
	}

	if inv.TokenBudget <= 0 {
		inv.TokenBudget = spec.TokenBudget
	}
	if inv.TokenBudget > 0 && !e.ledger.TryDecrement(inv.SessionID, inv.TokenBudget) {
		return nil, fmt.Errorf("%w: specialist %s needs %d tokens, %d remaining",
			types.ErrBudgetExceeded, spec.ID, inv.TokenBudget, e.ledger.Remaining(inv.SessionID))
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.ledger.Refund(inv.SessionID, inv.TokenBudget)
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	defer e.sem.Release(1)

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = spec.Timeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.mu.Lock()
	e.running[inv.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, inv.ID)
		e.mu.Unlock()
	}()

	inv.Status = types.InvocationRunning
	inv.StartedAt = time.Now()
	inv.Capabilities = spec.Tools

	result, err := e.invoke(runCtx, spec, inv)
	ended := time.Now()
	inv.EndedAt = &ended

	switch {
	case err == nil:
		inv.Status = types.InvocationCompleted
		if result.TokensUsed < inv.TokenBudget {
			e.ledger.Refund(inv.SessionID, inv.TokenBudget-result.TokensUsed)
		}
		return result, nil
	case runCtx.Err() != nil:
		inv.Status = types.InvocationCancelled
		e.ledger.Refund(inv.SessionID, inv.TokenBudget)
		return nil, fmt.Errorf("%w: specialist %s: %v", types.ErrCancelled, spec.ID, runCtx.Err())
	default:
		inv.Status = types.InvocationFailed
		e.ledger.Refund(inv.SessionID, inv.TokenBudget)
		return nil, err
	}
}

// Cancel aborts a running invocation.
func (e *Executor) Cancel(id types.InvocationID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.running[id]
	if ok {
		cancel()
	}
	return ok
}

// invoke runs the specialist's completion loop, letting it call its
// allowed tools through the gateway, then validates the final output.
func (e *Executor) invoke(ctx context.Context, spec *Spec, inv *types.SubagentInvocation) (*Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: spec.Prompt},
		{Role: "user", Content: inv.Input},
	}
	tools := e.modelTools(spec)

	var total int64
	var final *llm.Response
	for round := 0; round < maxToolRounds && len(tools) > 0; round++ {
		resp, err := e.model.Complete(ctx, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("specialist %s: %w", spec.ID, err)
		}
		total += int64(resp.Usage.TotalTokens)
		if len(resp.ToolCalls) == 0 {
			final = resp
			break
		}
		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, Tools: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			messages = append(messages, e.executeToolCall(ctx, spec, inv, tc))
		}
	}

	var raw json.RawMessage
	switch {
	case spec.OutputSchema != "":
		out, usage, err := e.model.Structured(ctx, messages, spec.ID, json.RawMessage(spec.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("specialist %s: %w", spec.ID, err)
		}
		if usage != nil {
			total += int64(usage.TotalTokens)
		}
		raw = out
	case final != nil:
		raw = json.RawMessage(final.Content)
	default:
		resp, err := e.model.Complete(ctx, messages, nil)
		if err != nil {
			return nil, fmt.Errorf("specialist %s: %w", spec.ID, err)
		}
		total += int64(resp.Usage.TotalTokens)
		raw = json.RawMessage(resp.Content)
	}

	if spec.OutputSchema != "" {
		var decoded any
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr != nil {
			return nil, fmt.Errorf("%w: specialist %s produced invalid JSON: %v", types.ErrValidation, spec.ID, jsonErr)
		}
		if schemaErr := spec.ValidateOutput(decoded); schemaErr != nil {
			return nil, fmt.Errorf("%w: specialist %s output: %v", types.ErrValidation, spec.ID, schemaErr)
		}
	}

	result := &Result{
		Specialist: spec.ID,
		Invocation: inv.ID,
		UIHint:     spec.UIHint,
		TokensUsed: total,
	}

	if len(raw) > handoffThreshold {
		ref, putErr := e.handoff.Put(ctx, inv.SessionID, inv.ID, spec.ID, raw)
		if putErr != nil {
			slog.Warn("handoff store unavailable, inlining large output",
				"specialist", spec.ID, "size", len(raw), "error", putErr)
			result.Output = raw
		} else {
			result.HandoffRef = ref
			result.Summary = summarize(raw)
		}
	} else {
		result.Output = raw
	}

	return result, nil
}

// modelTools renders the specialist's allowed tools, as registered on the
// gateway, in the model's format.
func (e *Executor) modelTools(spec *Spec) []llm.Tool {
	if e.gateway == nil {
		return nil
	}
	allowed := make(map[string]bool, len(spec.Tools))
	for _, id := range spec.Tools {
		allowed[id] = true
	}
	var tools []llm.Tool
	for _, d := range e.gateway.Tools() {
		if !allowed[d.ID] {
			continue
		}
		tools = append(tools, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        d.ID,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Function.Name < tools[j].Function.Name })
	return tools
}

// executeToolCall routes one specialist-requested call through the
// gateway under the specialist's agent id, so permission evaluation and
// the audit trail see who asked. Denials and failures come back as tool
// message content the model can work around.
func (e *Executor) executeToolCall(ctx context.Context, spec *Spec, inv *types.SubagentInvocation, tc llm.ToolCall) llm.Message {
	msg := llm.Message{Role: "tool", Tools: []llm.ToolCall{tc}}

	held := false
	for _, id := range spec.Tools {
		if id == tc.Function.Name {
			held = true
			break
		}
	}
	if !held {
		msg.Content = fmt.Sprintf("tool error: %s is outside this specialist's capability set", tc.Function.Name)
		return msg
	}

	req, err := e.gateway.NewRequest(inv.SessionID, spec.ID, tc.Function.Name, tc.Function.Arguments)
	if err != nil {
		msg.Content = fmt.Sprintf("tool error: %v", err)
		return msg
	}
	result, err := e.gateway.Execute(ctx, req)
	if err != nil {
		msg.Content = fmt.Sprintf("tool error: %v", err)
		return msg
	}
	msg.Content = string(result.Output)
	return msg
}

// strictSubset verifies that every requested capability is held by the
// caller and that the request does not cover the caller's entire set.
func strictSubset(requested, held []string) error {
	heldSet := make(map[string]bool, len(held))
	for _, c := range held {
		heldSet[c] = true
	}
	seen := make(map[string]bool, len(requested))
	for _, c := range requested {
		if !heldSet[c] {
			return fmt.Errorf("capability %q exceeds caller's set", c)
		}
		seen[c] = true
	}
	if len(seen) >= len(heldSet) {
		return fmt.Errorf("capability set must be narrower than the caller's")
	}
	return nil
}

// summarize produces the short preview that travels with a handoff ref,
// cutting on a rune boundary so the preview stays valid UTF-8.
func summarize(raw json.RawMessage) string {
	const max = 400
	s := string(raw)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
