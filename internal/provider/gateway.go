// internal/provider/gateway.go
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/attache/internal/bus"
	"github.com/user/attache/internal/permission"
	"github.com/user/attache/internal/state"
	"github.com/user/attache/internal/types"
)

// Gateway is the single choke point for external effects. Every
// ToolCallRequest passes through the permission engine, and every
// evaluated request produces exactly one audit entry, no exceptions:
// allowed calls record executed/failed, denials record denied, and
// cancellations record cancelled.
type Gateway struct {
	engine  *permission.Engine
	audit   types.AuditLog
	events  *bus.Bus
	backoff *BackoffPolicy

	mu        sync.RWMutex
	providers map[string]types.ToolProvider // tool id -> provider
	tools     map[string]types.ToolDescriptor

	cache    map[string]cacheEntry
	cacheTTL time.Duration

	deferred []*types.ToolCallRequest
}

type cacheEntry struct {
	result  *types.ToolResult
	expires time.Time
}

// NewGateway creates a Gateway wired to the permission engine, audit log,
// and event bus.
func NewGateway(engine *permission.Engine, audit types.AuditLog, events *bus.Bus, cacheTTL time.Duration) *Gateway {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Gateway{
		engine:    engine,
		audit:     audit,
		events:    events,
		backoff:   DefaultBackoffPolicy(),
		providers: make(map[string]types.ToolProvider),
		tools:     make(map[string]types.ToolDescriptor),
		cache:     make(map[string]cacheEntry),
		cacheTTL:  cacheTTL,
	}
}

// Register adds a provider's tools to the gateway.
func (g *Gateway) Register(p types.ToolProvider) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, desc := range p.Tools() {
		g.providers[desc.ID] = p
		g.tools[desc.ID] = desc
	}
}

// Tools returns every registered tool descriptor.
func (g *Gateway) Tools() []types.ToolDescriptor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.ToolDescriptor, 0, len(g.tools))
	for _, desc := range g.tools {
		out = append(out, desc)
	}
	return out
}

// Describe returns the descriptor for a tool, if registered.
func (g *Gateway) Describe(toolID string) (types.ToolDescriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	desc, ok := g.tools[toolID]
	return desc, ok
}

// NewRequest builds a ToolCallRequest with the tool's fixed read/write
// classification.
func (g *Gateway) NewRequest(sessionID types.SessionID, agent, toolID string, input json.RawMessage) (*types.ToolCallRequest, error) {
	desc, ok := g.Describe(toolID)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", toolID)
	}
	return &types.ToolCallRequest{
		ID:        types.NewRequestID(),
		SessionID: sessionID,
		Tool:      toolID,
		Input:     input,
		Agent:     agent,
		Access:    desc.Access,
		At:        time.Now(),
	}, nil
}

// Execute runs the full lifecycle for one request: propose, evaluate,
// await the user when asked, invoke with backoff and caching, and write
// the request's single audit entry.
func (g *Gateway) Execute(ctx context.Context, req *types.ToolCallRequest) (*types.ToolResult, error) {
	g.events.Publish(req.SessionID, types.EventToolCallProposed, req)

	decision := g.engine.Evaluate(ctx, req)

	if decision.Decision == types.DecisionAsk {
		g.events.Publish(req.SessionID, types.EventPermissionRequested, map[string]any{
			"request_id": req.ID,
			"tool":       req.Tool,
			"reason":     decision.Reason,
		})
		resolved, err := g.engine.Await(ctx, req)
		if err != nil {
			g.record(req, types.OutcomeCancelled, "cancelled while awaiting permission")
			return nil, fmt.Errorf("%w: awaiting permission: %v", types.ErrCancelled, err)
		}
		g.events.Publish(req.SessionID, types.EventPermissionResolved, resolved)
		decision = resolved
	}

	if decision.Decision != types.DecisionAllow {
		g.record(req, types.OutcomeDenied, decision.Reason)
		return nil, fmt.Errorf("%w: %s: %s", types.ErrPermissionDenied, req.Tool, decision.Reason)
	}

	result, err := g.invoke(ctx, req)
	g.engine.RunStage(ctx, permission.StageAfterToolCall, req)

	switch {
	case err == nil:
		g.record(req, types.OutcomeExecuted, "")
		return result, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, types.ErrCancelled):
		g.record(req, types.OutcomeCancelled, err.Error())
		return nil, err
	default:
		g.record(req, types.OutcomeFailed, err.Error())
		return nil, err
	}
}

// invoke calls the provider with the short-window cache and the fixed
// backoff ladder. Exhausted retryable calls go to the deferred queue.
func (g *Gateway) invoke(ctx context.Context, req *types.ToolCallRequest) (*types.ToolResult, error) {
	key := req.Tool + ":" + state.Digest(req.Input)

	g.mu.RLock()
	entry, hit := g.cache[key]
	p, registered := g.providers[req.Tool]
	g.mu.RUnlock()

	if hit && time.Now().Before(entry.expires) {
		cached := *entry.result
		cached.Cached = true
		return &cached, nil
	}
	if !registered {
		return nil, fmt.Errorf("unknown tool: %s", req.Tool)
	}

	var lastErr error
	for attempt := 1; attempt <= g.backoff.MaxAttempts(); attempt++ {
		result, err := p.Invoke(ctx, req.Tool, req.Input)
		if err == nil {
			g.mu.Lock()
			g.cache[key] = cacheEntry{result: result, expires: time.Now().Add(g.cacheTTL)}
			g.mu.Unlock()
			return result, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
		if attempt < g.backoff.MaxAttempts() {
			delay := g.backoff.NextDelay(attempt)
			slog.Warn("tool call retrying", "tool", req.Tool, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
			}
		}
	}

	g.enqueueDeferred(req)
	return nil, fmt.Errorf("retries exhausted for %s: %w", req.Tool, lastErr)
}

// enqueueDeferred queues an exhausted retryable request for the scheduler's drain.
func (g *Gateway) enqueueDeferred(req *types.ToolCallRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deferred = append(g.deferred, req)
}

// DrainDeferred retries queued requests once each, keeping the ones that
// still fail retryably. Called periodically by the scheduler.
func (g *Gateway) DrainDeferred(ctx context.Context) {
	g.mu.Lock()
	queued := g.deferred
	g.deferred = nil
	g.mu.Unlock()

	for _, req := range queued {
		g.mu.RLock()
		p, ok := g.providers[req.Tool]
		g.mu.RUnlock()
		if !ok {
			continue
		}
		result, err := p.Invoke(ctx, req.Tool, req.Input)
		if err != nil {
			if Retryable(err) {
				g.enqueueDeferred(req)
			}
			slog.Warn("deferred tool call still failing", "tool", req.Tool, "error", err)
			continue
		}
		key := req.Tool + ":" + state.Digest(req.Input)
		g.mu.Lock()
		g.cache[key] = cacheEntry{result: result, expires: time.Now().Add(g.cacheTTL)}
		g.mu.Unlock()
		slog.Info("deferred tool call succeeded", "tool", req.Tool, "request_id", req.ID)
	}
}

// DeferredCount reports how many requests await a deferred retry.
func (g *Gateway) DeferredCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.deferred)
}

// record writes the request's single audit entry.
func (g *Gateway) record(req *types.ToolCallRequest, outcome types.AuditOutcome, reason string) {
	entry := &types.AuditLogEntry{
		At:          time.Now(),
		SessionID:   req.SessionID,
		RequestID:   req.ID,
		Tool:        req.Tool,
		Access:      req.Access,
		InputDigest: state.Digest(req.Input),
		Outcome:     outcome,
		Reason:      reason,
	}
	if err := g.audit.Append(context.Background(), entry); err != nil {
		slog.Error("audit append failed", "request_id", req.ID, "error", err)
	}
}
