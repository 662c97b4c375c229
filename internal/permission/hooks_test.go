// internal/permission/hooks_test.go
package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/user/attache/internal/types"
)

func TestRunStageStopsAtFirstNonAllow(t *testing.T) {
	var order []string
	engine := New(Options{Hooks: []Hook{
		{Name: "first", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
			order = append(order, "first")
			return Allow()
		}},
		{Name: "second", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
			order = append(order, "second")
			return Block("policy says no")
		}},
		{Name: "third", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
			order = append(order, "third")
			return Allow()
		}},
	}})

	result := engine.RunStage(context.Background(), StageBeforeToolCall, writeRequest(types.NewSessionID(), "send_email", `{}`))
	assert.Equal(t, types.DecisionDeny, result.Decision)
	assert.Equal(t, "policy says no", result.Reason)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRunStageFiltersByStage(t *testing.T) {
	fired := false
	engine := New(Options{Hooks: []Hook{
		{Name: "session-only", Stage: StageAfterSession, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
			fired = true
			return Block("wrong stage")
		}},
	}})

	result := engine.RunStage(context.Background(), StageBeforeToolCall, writeRequest(types.NewSessionID(), "send_email", `{}`))
	assert.Equal(t, types.DecisionAllow, result.Decision)
	assert.False(t, fired)
}

func TestHookDecisionShortCircuitsEvaluate(t *testing.T) {
	engine := New(Options{Hooks: []Hook{
		{Name: "veto", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
			return Block("vetoed")
		}},
	}})

	// Even a read-classified call that would auto-allow is denied by the hook.
	decision := engine.Evaluate(context.Background(), readRequest(types.NewSessionID(), "web_fetch"))
	assert.Equal(t, types.DecisionDeny, decision.Decision)
	assert.Equal(t, "vetoed", decision.Reason)
}

func TestTimedOutHookFailsOpenForReads(t *testing.T) {
	slow := Hook{Name: "slow", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
		time.Sleep(time.Second)
		return Block("too late to matter")
	}}
	engine := New(Options{Hooks: []Hook{slow}, HookTimeout: 20 * time.Millisecond})

	result := engine.RunStage(context.Background(), StageBeforeToolCall, readRequest(types.NewSessionID(), "web_fetch"))
	assert.Equal(t, types.DecisionAllow, result.Decision)
}

func TestTimedOutHookFailsClosedForWrites(t *testing.T) {
	slow := Hook{Name: "slow", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
		time.Sleep(time.Second)
		return Allow()
	}}
	engine := New(Options{Hooks: []Hook{slow}, HookTimeout: 20 * time.Millisecond})

	result := engine.RunStage(context.Background(), StageBeforeToolCall, writeRequest(types.NewSessionID(), "send_email", `{}`))
	assert.Equal(t, types.DecisionDeny, result.Decision)
	assert.Contains(t, result.Reason, "timed out")
}

func TestPanickingHookFailsClosedForWrites(t *testing.T) {
	engine := New(Options{Hooks: []Hook{
		{Name: "broken", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
			panic("nil map write")
		}},
	}})

	result := engine.RunStage(context.Background(), StageBeforeToolCall, writeRequest(types.NewSessionID(), "send_email", `{}`))
	assert.Equal(t, types.DecisionDeny, result.Decision)
	assert.Contains(t, result.Reason, "hook panic")
}

func TestPanickingHookFailsOpenForReads(t *testing.T) {
	// A crashing hook is a failing hook: read-classified calls proceed
	// with a warning, same as a timeout.
	engine := New(Options{Hooks: []Hook{
		{Name: "broken", Stage: StageBeforeToolCall, Fn: func(ctx context.Context, req *types.ToolCallRequest) HookResult {
			panic("nil map write")
		}},
	}})

	result := engine.RunStage(context.Background(), StageBeforeToolCall, readRequest(types.NewSessionID(), "web_fetch"))
	assert.Equal(t, types.DecisionAllow, result.Decision)
}
