// internal/permission/hooks.go
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/attache/internal/types"
)

// Stage is a lifecycle point at which hooks fire.
type Stage string

const (
	StageBeforeSession  Stage = "before-session"
	StageBeforeToolCall Stage = "before-tool-call"
	StageAfterToolCall  Stage = "after-tool-call"
	StageAfterSession   Stage = "after-session"
)

// HookResult is what a hook decides about a request.
type HookResult struct {
	Decision types.Decision
	Reason   string
}

// HookFunc inspects a request and returns a decision. Hooks are pure stage
// functions composed in declaration order; evaluation order is a property
// of the pipeline slice, not of registration time.
type HookFunc func(ctx context.Context, req *types.ToolCallRequest) HookResult

// Hook is one named stage function in the pipeline.
type Hook struct {
	Name  string
	Stage Stage
	Fn    HookFunc
}

// Allow is the neutral hook result.
func Allow() HookResult {
	return HookResult{Decision: types.DecisionAllow}
}

// Block produces a blocking hook result with the given reason.
func Block(reason string) HookResult {
	return HookResult{Decision: types.DecisionDeny, Reason: reason}
}

// Ask requests interactive confirmation.
func Ask(reason string) HookResult {
	return HookResult{Decision: types.DecisionAsk, Reason: reason}
}

// runHook executes one hook under the engine's timeout. A failing or
// timed-out hook fails open for read-classified calls (warn and continue)
// and fails closed for write-classified calls (block).
func runHook(ctx context.Context, hook Hook, req *types.ToolCallRequest, timeout time.Duration) HookResult {
	done := make(chan HookResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failMode(hook, req, fmt.Sprintf("hook panic: %v", r))
			}
		}()
		done <- hook.Fn(ctx, req)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return failMode(hook, req, "context cancelled during hook")
	case <-timer.C:
		return failMode(hook, req, "hook timed out")
	}
}

func failMode(hook Hook, req *types.ToolCallRequest, cause string) HookResult {
	if req.Access == types.AccessRead {
		slog.Warn("hook failed open for read call",
			"hook", hook.Name, "stage", hook.Stage, "tool", req.Tool, "cause", cause)
		return Allow()
	}
	return Block(fmt.Sprintf("%s: %s (write calls fail closed)", hook.Name, cause))
}

// RunStage runs every hook bound to the stage, in pipeline order, stopping
// at the first non-allow result.
func (e *Engine) RunStage(ctx context.Context, stage Stage, req *types.ToolCallRequest) HookResult {
	for _, hook := range e.hooks {
		if hook.Stage != stage {
			continue
		}
		result := runHook(ctx, hook, req, e.hookTimeout)
		if result.Decision != types.DecisionAllow {
			return result
		}
	}
	return Allow()
}
