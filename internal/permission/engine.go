// internal/permission/engine.go
package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/attache/internal/types"
)

// Engine evaluates every ToolCallRequest against the rule chain, first
// match wins:
//
//  1. hard block list — sensitive/destructive patterns, unconditional
//  2. explicit allow list — read-only tools and tools on the allow list
//  3. default mode — remaining writes ask, unless the session holds a
//     blanket grant for that exact tool (cleared when the session ends)
//
// It also hosts the lifecycle hook pipeline (hooks.go).
type Engine struct {
	blockPatterns []string
	allowTools    map[string]bool
	hooks         []Hook
	hookTimeout   time.Duration

	mu      sync.Mutex
	grants  map[types.SessionID]map[string]bool
	pending map[types.RequestID]chan types.PermissionDecision
}

// Options configures an Engine.
type Options struct {
	BlockPatterns []string
	AllowTools    []string
	Hooks         []Hook
	HookTimeout   time.Duration
}

// New creates an Engine from options. The hook timeout defaults to 5s.
func New(opts Options) *Engine {
	allow := make(map[string]bool, len(opts.AllowTools))
	for _, tool := range opts.AllowTools {
		allow[tool] = true
	}
	timeout := opts.HookTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{
		blockPatterns: opts.BlockPatterns,
		allowTools:    allow,
		hooks:         opts.Hooks,
		hookTimeout:   timeout,
		grants:        make(map[types.SessionID]map[string]bool),
		pending:       make(map[types.RequestID]chan types.PermissionDecision),
	}
}

// Evaluate runs the before-tool-call hooks and the rule chain, returning
// allow, deny, or ask. It never blocks on the user; callers that receive
// ask use Await to wait for resolution.
func (e *Engine) Evaluate(ctx context.Context, req *types.ToolCallRequest) *types.PermissionDecision {
	if result := e.RunStage(ctx, StageBeforeToolCall, req); result.Decision != types.DecisionAllow {
		return &types.PermissionDecision{
			RequestID: req.ID,
			Decision:  result.Decision,
			Reason:    result.Reason,
		}
	}

	// 1. Hard block list runs before any other rule.
	haystack := strings.ToLower(req.Tool + " " + string(req.Input))
	for _, pattern := range e.blockPatterns {
		if pattern != "" && strings.Contains(haystack, strings.ToLower(pattern)) {
			return &types.PermissionDecision{
				RequestID: req.ID,
				Decision:  types.DecisionDeny,
				Reason:    fmt.Sprintf("blocked pattern: %s", pattern),
			}
		}
	}

	// 2. Explicit allow list: read-only operations and allow-listed tools.
	if req.Access == types.AccessRead || e.allowTools[req.Tool] {
		return &types.PermissionDecision{
			RequestID: req.ID,
			Decision:  types.DecisionAllow,
			Reason:    "auto-allowed",
		}
	}

	// 3. Default mode: session grant for this exact tool, else ask.
	e.mu.Lock()
	granted := e.grants[req.SessionID][req.Tool]
	e.mu.Unlock()
	if granted {
		return &types.PermissionDecision{
			RequestID: req.ID,
			Decision:  types.DecisionAllow,
			Reason:    "session grant",
			Scope:     types.ScopeSession,
		}
	}

	return &types.PermissionDecision{
		RequestID: req.ID,
		Decision:  types.DecisionAsk,
		Reason:    "write operation requires confirmation",
	}
}

// Await registers the request as pending and blocks until Resolve is
// called or the context is cancelled. Exactly one terminal decision is
// returned per request.
func (e *Engine) Await(ctx context.Context, req *types.ToolCallRequest) (*types.PermissionDecision, error) {
	ch := make(chan types.PermissionDecision, 1)

	e.mu.Lock()
	e.pending[req.ID] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, req.ID)
		e.mu.Unlock()
	}()

	select {
	case decision := <-ch:
		if decision.Decision == types.DecisionAllow && decision.Scope == types.ScopeSession {
			e.grant(req.SessionID, req.Tool)
		}
		return &decision, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers the user's decision for a pending request.
func (e *Engine) Resolve(requestID types.RequestID, decision types.Decision, scope types.GrantScope) error {
	e.mu.Lock()
	ch, ok := e.pending[requestID]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending permission request: %s", requestID)
	}

	select {
	case ch <- types.PermissionDecision{RequestID: requestID, Decision: decision, Scope: scope}:
		return nil
	default:
		return fmt.Errorf("permission request already resolved: %s", requestID)
	}
}

// Pending returns the IDs of requests currently awaiting a user decision.
func (e *Engine) Pending() []types.RequestID {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.RequestID, 0, len(e.pending))
	for id := range e.pending {
		out = append(out, id)
	}
	return out
}

func (e *Engine) grant(sessionID types.SessionID, tool string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants[sessionID] == nil {
		e.grants[sessionID] = make(map[string]bool)
	}
	e.grants[sessionID][tool] = true
}

// ClearSession drops all session-scoped grants, called when a session ends.
func (e *Engine) ClearSession(sessionID types.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, sessionID)
}
