// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/attache/internal/budget"
	"github.com/user/attache/internal/bus"
	"github.com/user/attache/internal/canvas"
	"github.com/user/attache/internal/compact"
	"github.com/user/attache/internal/config"
	"github.com/user/attache/internal/permission"
	"github.com/user/attache/internal/provider"
	"github.com/user/attache/internal/specialist"
	"github.com/user/attache/internal/types"
	"github.com/user/attache/pkg/llm"
)

// recentTurnWindow bounds how much raw history travels into a completion.
const recentTurnWindow = 20

// Orchestrator is the root agent. It owns the conversation: every turn is
// routed, delegated work fans out to specialists and joins back here, and
// the orchestrator alone speaks to the user.
type Orchestrator struct {
	cfg      *config.Config
	sessions types.SessionStore
	prefs    types.PreferenceStore
	handoff  types.HandoffStore
	events   *bus.Bus
	gateway  *provider.Gateway
	engine   *permission.Engine
	executor *specialist.Executor
	registry *specialist.Registry
	router   *Router
	model    llm.Provider
	ledger   *budget.Ledger
	counter  *compact.Counter
	canvases *canvas.Coordinator

	mu          sync.Mutex
	seen        map[types.SessionID]bool
	turnCancels map[types.SessionID]context.CancelFunc
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config   *config.Config
	Sessions types.SessionStore
	Prefs    types.PreferenceStore
	Handoff  types.HandoffStore
	Events   *bus.Bus
	Gateway  *provider.Gateway
	Engine   *permission.Engine
	Executor *specialist.Executor
	Registry *specialist.Registry
	Router   *Router
	Model    llm.Provider
	Ledger   *budget.Ledger
	Counter  *compact.Counter
	Canvases *canvas.Coordinator
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:         d.Config,
		sessions:    d.Sessions,
		prefs:       d.Prefs,
		handoff:     d.Handoff,
		events:      d.Events,
		gateway:     d.Gateway,
		engine:      d.Engine,
		executor:    d.Executor,
		registry:    d.Registry,
		router:      d.Router,
		model:       d.Model,
		ledger:      d.Ledger,
		counter:     d.Counter,
		canvases:    d.Canvases,
		seen:        make(map[types.SessionID]bool),
		turnCancels: make(map[types.SessionID]context.CancelFunc),
	}
}

// ProcessTurn drives one turn through its full lifecycle: record the user
// turn, compact if the context budget is crossed, route, execute, and
// record the reply. It is the queue's processor and runs at most once per
// session at a time.
func (o *Orchestrator) ProcessTurn(run *Run) error {
	started := time.Now()
	run.Status = RunStatusRunning
	run.StartedAt = &started

	ctx, cancel := context.WithCancel(run.Ctx)
	o.mu.Lock()
	o.turnCancels[run.SessionID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.turnCancels, run.SessionID)
		o.mu.Unlock()
	}()

	session, err := o.sessions.Get(ctx, run.SessionID)
	if err != nil {
		return o.fail(run, fmt.Errorf("load session: %w", err))
	}

	o.startSessionOnce(ctx, session)
	o.events.Publish(session.SessionID, types.EventTurnStarted, map[string]any{
		"turn_id": run.ID,
		"text":    run.Inbound.Text,
	})

	userTurn := &types.Turn{
		ID:        run.ID,
		SessionID: session.SessionID,
		Role:      "user",
		Content:   run.Inbound.Text,
		At:        time.Now(),
		Meta:      run.Inbound.Metadata,
	}
	if err := o.sessions.AppendTurn(ctx, userTurn); err != nil {
		return o.fail(run, fmt.Errorf("record user turn: %w", err))
	}

	if err := o.maybeCompact(ctx, session); err != nil {
		slog.Warn("compaction failed, continuing with full history",
			"session_id", session.SessionID, "error", err)
	}

	response, canvasRef, usage, err := o.execute(ctx, session, run)
	if err != nil {
		return o.fail(run, err)
	}

	o.accountTokens(ctx, session, usage)

	reply := &types.Turn{
		ID:        types.NewTurnID(),
		SessionID: session.SessionID,
		Role:      "assistant",
		Content:   response,
		CanvasRef: canvasRef,
		At:        time.Now(),
	}
	if err := o.sessions.AppendTurn(ctx, reply); err != nil {
		return o.fail(run, fmt.Errorf("record reply: %w", err))
	}

	ended := time.Now()
	run.Status = RunStatusComplete
	run.EndedAt = &ended
	o.events.Publish(session.SessionID, types.EventTurnCompleted, map[string]any{
		"turn_id":     run.ID,
		"tokens_used": usage,
	})
	if run.OnComplete != nil {
		run.OnComplete(response)
	}
	return nil
}

// CancelTurn aborts the session's in-flight turn, if any.
func (o *Orchestrator) CancelTurn(sessionID types.SessionID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.turnCancels[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// EndSession runs the after-session hooks, drops session permission
// grants, and closes the session's canvases.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID types.SessionID) {
	o.engine.RunStage(ctx, permission.StageAfterSession, sessionStageRequest(sessionID))
	o.engine.ClearSession(sessionID)
	o.canvases.SessionArchived(sessionID)

	o.mu.Lock()
	delete(o.seen, sessionID)
	o.mu.Unlock()
}

// startSessionOnce runs session-start work the first time a session is
// observed in this process: before-session hooks and resurfacing canvas
// artifacts with unsaved changes.
func (o *Orchestrator) startSessionOnce(ctx context.Context, session *types.SessionIndex) {
	o.mu.Lock()
	first := !o.seen[session.SessionID]
	o.seen[session.SessionID] = true
	o.mu.Unlock()
	if !first {
		return
	}

	o.engine.RunStage(ctx, permission.StageBeforeSession, sessionStageRequest(session.SessionID))
	for _, artifact := range o.canvases.Resume(session.SessionID) {
		slog.Info("restored canvas with unsaved changes",
			"session_id", session.SessionID, "canvas_id", artifact.ID)
	}
}

// sessionStageRequest is the synthetic read-classified request session
// stage hooks receive.
func sessionStageRequest(sessionID types.SessionID) *types.ToolCallRequest {
	return &types.ToolCallRequest{
		ID:        types.NewRequestID(),
		SessionID: sessionID,
		Tool:      "session",
		Agent:     "orchestrator",
		Access:    types.AccessRead,
		At:        time.Now(),
	}
}

// execute routes the turn and produces the reply.
func (o *Orchestrator) execute(ctx context.Context, session *types.SessionIndex, run *Run) (string, types.CanvasID, int64, error) {
	route := o.router.Route(ctx, run.Inbound.Text)

	switch route.Intent {
	case IntentCannotHelp:
		return "I don't have a capability that covers this request.", "", 0, nil
	case IntentClarify:
		return fmt.Sprintf("I can approach this a couple of ways (%s). Which would you like?",
			strings.Join(route.Specialists, " or ")), "", 0, nil
	case IntentDelegate:
		return o.delegate(ctx, session, run, route.Specialists)
	default:
		return o.answerDirect(ctx, session, run)
	}
}

// answerDirect answers without delegation, using recent history and
// durable preferences as context.
func (o *Orchestrator) answerDirect(ctx context.Context, session *types.SessionIndex, run *Run) (string, types.CanvasID, int64, error) {
	messages, err := o.buildContext(ctx, session)
	if err != nil {
		return "", "", 0, err
	}

	estimate := int64(o.counter.Count(run.Inbound.Text)) + int64(o.cfg.Generation.OutputReserve)
	if !o.ledger.TryDecrement(session.SessionID, estimate) {
		return "", "", 0, fmt.Errorf("%w: session %s", types.ErrBudgetExceeded, session.SessionID)
	}

	content, used, err := o.completeWithTools(ctx, session.SessionID, messages)
	if err != nil {
		o.ledger.Refund(session.SessionID, estimate)
		return "", "", 0, err
	}

	if used < estimate {
		o.ledger.Refund(session.SessionID, estimate-used)
	}
	return content, "", used, nil
}

// delegate fans the turn out to the chosen specialists, joins their
// results in specialist id order, and synthesizes one reply. A specialist
// whose output fails validation is retried once with the validation error
// appended; a second failure degrades that contribution rather than
// failing the turn, and the reply says so.
func (o *Orchestrator) delegate(ctx context.Context, session *types.SessionIndex, run *Run, specialists []string) (string, types.CanvasID, int64, error) {
	callerCaps := o.capabilities()

	results := make([]*specialist.Result, len(specialists))
	failures := make([]string, len(specialists))
	var tokens int64

	g, gctx := errgroup.WithContext(ctx)
	var tokenMu sync.Mutex
	for i, id := range specialists {
		g.Go(func() error {
			result, err := o.runSpecialist(gctx, session, run, id, callerCaps)
			if err != nil {
				if errors.Is(err, types.ErrBudgetExceeded) || errors.Is(err, types.ErrCancelled) {
					return err
				}
				failures[i] = fmt.Sprintf("%s: %v", id, err)
				return nil
			}
			results[i] = result
			tokenMu.Lock()
			tokens += result.TokensUsed
			tokenMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", "", tokens, err
	}

	var joined []*specialist.Result
	var degraded []string
	for i := range specialists {
		if results[i] != nil {
			joined = append(joined, results[i])
		} else if failures[i] != "" {
			degraded = append(degraded, failures[i])
			slog.Warn("specialist degraded", "detail", failures[i])
		}
	}
	if len(joined) == 0 {
		// Every specialist failed. The turn still completes: degrade to a
		// direct answer that names the failures instead of hanging or
		// erroring out.
		slog.Warn("all specialists failed, degrading to direct answer",
			"session_id", session.SessionID, "detail", strings.Join(degraded, "; "))
		response, synthTokens, err := o.synthesize(ctx, session, run, nil, degraded)
		tokens += synthTokens
		if err != nil {
			return "", "", tokens, err
		}
		return response, "", tokens, nil
	}
	sort.Slice(joined, func(i, j int) bool { return joined[i].Specialist < joined[j].Specialist })

	response, synthTokens, err := o.synthesize(ctx, session, run, joined, degraded)
	tokens += synthTokens
	if err != nil {
		return "", "", tokens, err
	}

	canvasRef := o.spawnCanvases(session, run, joined)
	return response, canvasRef, tokens, nil
}

// runSpecialist executes one invocation with a single retry on failure.
// The retry resends the same input: it covers transient provider errors
// and gives a schema-violating specialist one more chance. Budget
// exhaustion and cancellation are never retried.
func (o *Orchestrator) runSpecialist(ctx context.Context, session *types.SessionIndex, run *Run, id string, callerCaps []string) (*specialist.Result, error) {
	inv := &types.SubagentInvocation{
		ID:         types.NewInvocationID(),
		SessionID:  session.SessionID,
		TurnID:     run.ID,
		Specialist: id,
		Input:      run.Inbound.Text,
	}

	result, err := o.executor.Run(ctx, "orchestrator", callerCaps, inv)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, types.ErrBudgetExceeded) || errors.Is(err, types.ErrCancelled) {
		return nil, err
	}
	slog.Warn("specialist failed, retrying once with the same input",
		"specialist", id, "error", err)

	retry := &types.SubagentInvocation{
		ID:         types.NewInvocationID(),
		SessionID:  session.SessionID,
		TurnID:     run.ID,
		Specialist: id,
		Input:      run.Inbound.Text,
	}
	return o.executor.Run(ctx, "orchestrator", callerCaps, retry)
}

// capabilities is the orchestrator's own capability set: every tool the
// gateway registers plus the delegate capability. Specialists never
// receive delegate, so their sets stay strictly narrower and delegation
// depth stays at one.
func (o *Orchestrator) capabilities() []string {
	caps := []string{"delegate"}
	for _, desc := range o.gateway.Tools() {
		caps = append(caps, desc.ID)
	}
	return caps
}

// synthesize folds the joined specialist results into one user-facing
// reply. Degraded contributions are named, never silently dropped.
func (o *Orchestrator) synthesize(ctx context.Context, session *types.SessionIndex, run *Run, results []*specialist.Result, degraded []string) (string, int64, error) {
	var sb strings.Builder
	if len(results) > 0 {
		sb.WriteString("Specialist results for the user's request:\n\n")
	}
	for _, r := range results {
		fmt.Fprintf(&sb, "## %s\n", r.Specialist)
		if len(r.Output) > 0 {
			sb.Write(r.Output)
		} else {
			sb.WriteString(r.Summary)
			fmt.Fprintf(&sb, "\n(full output stored as artifact %s)", r.HandoffRef)
		}
		sb.WriteString("\n\n")
	}
	if len(degraded) > 0 {
		sb.WriteString("These specialists failed; acknowledge the gap in your answer:\n")
		for _, d := range degraded {
			sb.WriteString("- " + d + "\n")
		}
	}

	messages, err := o.buildContext(ctx, session)
	if err != nil {
		return "", 0, err
	}
	messages = append(messages, llm.Message{Role: "user", Content: sb.String()})

	estimate := int64(o.counter.Count(sb.String())) + int64(o.cfg.Generation.OutputReserve)
	if !o.ledger.TryDecrement(session.SessionID, estimate) {
		return "", 0, fmt.Errorf("%w: session %s", types.ErrBudgetExceeded, session.SessionID)
	}

	content, used, err := o.completeWithTools(ctx, session.SessionID, messages)
	if err != nil {
		o.ledger.Refund(session.SessionID, estimate)
		return "", 0, err
	}
	if used < estimate {
		o.ledger.Refund(session.SessionID, estimate-used)
	}
	return content, used, nil
}

// spawnCanvases opens a canvas for the first result carrying a UI hint.
// One active artifact per session; later hints ride in the reply text.
func (o *Orchestrator) spawnCanvases(session *types.SessionIndex, run *Run, results []*specialist.Result) types.CanvasID {
	for _, r := range results {
		if r.UIHint == "" {
			continue
		}
		content := string(r.Output)
		if content == "" {
			content = r.Summary
		}
		artifact := o.canvases.Spawn(session.SessionID, run.ID, r.UIHint, content)
		return artifact.ID
	}
	return ""
}

// maxToolRounds bounds model->tool->model iterations per completion.
const maxToolRounds = 8

// completeWithTools runs the completion loop: the model may request tool
// calls, each of which passes through the gateway (permission evaluation,
// audit, caching) before its output feeds back into the conversation.
func (o *Orchestrator) completeWithTools(ctx context.Context, sessionID types.SessionID, messages []llm.Message) (string, int64, error) {
	tools := o.modelTools()
	var total int64

	for round := 0; round < maxToolRounds; round++ {
		resp, err := o.complete(ctx, messages, tools)
		if err != nil {
			return "", total, err
		}
		total += int64(resp.Usage.TotalTokens)

		if len(resp.ToolCalls) == 0 {
			return resp.Content, total, nil
		}

		messages = append(messages, llm.Message{
			Role:    "assistant",
			Content: resp.Content,
			Tools:   resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			messages = append(messages, o.executeToolCall(ctx, sessionID, tc))
		}
	}
	return "", total, fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)
}

// executeToolCall routes one model-requested call through the gateway and
// renders the outcome as a tool message. Denials come back as content the
// model can work around, not as turn failures.
func (o *Orchestrator) executeToolCall(ctx context.Context, sessionID types.SessionID, tc llm.ToolCall) llm.Message {
	msg := llm.Message{Role: "tool", Tools: []llm.ToolCall{tc}}

	req, err := o.gateway.NewRequest(sessionID, "orchestrator", tc.Function.Name, tc.Function.Arguments)
	if err != nil {
		msg.Content = fmt.Sprintf("tool error: %v", err)
		return msg
	}
	result, err := o.gateway.Execute(ctx, req)
	if err != nil {
		msg.Content = fmt.Sprintf("tool error: %v", err)
		return msg
	}
	msg.Content = string(result.Output)
	return msg
}

// modelTools renders the gateway's registered tools in the model's format.
func (o *Orchestrator) modelTools() []llm.Tool {
	descriptors := o.gateway.Tools()
	tools := make([]llm.Tool, 0, len(descriptors))
	for _, d := range descriptors {
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

// complete calls the model once with the fixed retry ladder applied to
// rate limiting and transient unavailability.
func (o *Orchestrator) complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	backoff := provider.DefaultBackoffPolicy()
	var lastErr error
	for attempt := 1; attempt <= backoff.MaxAttempts(); attempt++ {
		resp, err := o.model.Complete(ctx, messages, tools)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !provider.Retryable(err) {
			return nil, err
		}
		if attempt < backoff.MaxAttempts() {
			select {
			case <-time.After(backoff.NextDelay(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("completion retries exhausted: %w", lastErr)
}

// buildContext assembles the completion context: system prompt with
// durable preferences, then the recent turn window (the compaction
// summary, when present, is the oldest turn).
func (o *Orchestrator) buildContext(ctx context.Context, session *types.SessionIndex) ([]llm.Message, error) {
	turns, err := o.sessions.Export(ctx, session.SessionID)
	if err != nil {
		if errors.Is(err, types.ErrCorruptSession) {
			return nil, err
		}
		return nil, fmt.Errorf("load history: %w", err)
	}

	var system strings.Builder
	system.WriteString("You are a personal attaché: triage, organize, and answer on the user's behalf.\n")
	if prefs, err := o.prefs.All(ctx); err == nil && len(prefs) > 0 {
		system.WriteString("\nDurable user preferences:\n")
		keys := make([]string, 0, len(prefs))
		for k := range prefs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&system, "- %s: %s\n", k, prefs[k])
		}
	}

	messages := []llm.Message{{Role: "system", Content: system.String()}}

	if len(turns) > recentTurnWindow {
		turns = turns[len(turns)-recentTurnWindow:]
	}
	for _, turn := range turns {
		role := turn.Role
		if role == "summary" {
			role = "system"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	return messages, nil
}

// maybeCompact compacts the session's history once usage crosses the
// configured fraction of the context budget.
func (o *Orchestrator) maybeCompact(ctx context.Context, session *types.SessionIndex) error {
	budgetTokens := int64(o.cfg.Generation.MaxContextTokens - o.cfg.Generation.OutputReserve)
	if !compact.ShouldCompact(session.TokensUsed, budgetTokens, o.cfg.Budget.CompactThreshold) {
		return nil
	}

	turns, err := o.sessions.Export(ctx, session.SessionID)
	if err != nil {
		return err
	}

	prefs, _ := o.prefs.All(ctx)
	summary := compact.Compact(turns, compact.Preserve{
		Goals:       sessionGoals(turns),
		Preferences: prefs,
	})
	summaryTurn, err := summary.AsTurn(session.SessionID)
	if err != nil {
		return err
	}
	if err := o.sessions.ReplaceTurns(ctx, session.SessionID, []*types.Turn{summaryTurn}); err != nil {
		return err
	}

	session.Compactions++
	session.TokensUsed = int64(o.counter.Count(summaryTurn.Content))
	session.TurnCount = 1
	if err := o.sessions.Update(ctx, session); err != nil {
		return err
	}
	slog.Info("compacted session history",
		"session_id", session.SessionID, "compactions", session.Compactions)
	return nil
}

// sessionGoals extracts goal lines the user stated. Turns whose metadata
// carries a goal marker survive compaction verbatim.
func sessionGoals(turns []*types.Turn) []string {
	var goals []string
	for _, turn := range turns {
		if len(turn.Meta) == 0 {
			continue
		}
		var meta struct {
			Goal string `json:"goal"`
		}
		if err := json.Unmarshal(turn.Meta, &meta); err == nil && meta.Goal != "" {
			goals = append(goals, meta.Goal)
		}
	}
	return goals
}

// accountTokens adds the turn's usage to the session and emits the delta.
func (o *Orchestrator) accountTokens(ctx context.Context, session *types.SessionIndex, used int64) {
	if used <= 0 {
		return
	}
	session.TokensUsed += used
	if err := o.sessions.Update(ctx, session); err != nil {
		slog.Warn("token accounting update failed", "session_id", session.SessionID, "error", err)
	}
	o.events.Publish(session.SessionID, types.EventTokenDelta, map[string]any{
		"delta": used,
		"total": session.TokensUsed,
	})
}

// fail finalizes a failed run and publishes the failure event.
func (o *Orchestrator) fail(run *Run, err error) error {
	ended := time.Now()
	run.Status = RunStatusFailed
	run.EndedAt = &ended
	run.Error = err
	o.events.Publish(run.SessionID, types.EventTurnFailed, map[string]any{
		"turn_id": run.ID,
		"error":   err.Error(),
	})
	return err
}
