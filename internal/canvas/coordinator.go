// internal/canvas/coordinator.go
package canvas

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/attache/internal/bus"
	"github.com/user/attache/internal/types"
)

// Coordinator owns canvas artifact lifecycles. Per session at most one
// artifact is active at a time; spawning a new one collapses the previous.
// Artifacts auto-collapse after the inactivity timeout without losing
// state, and dirty artifacts resurface on session resume. Nothing is
// silently discarded; artifacts are garbage-collected only when their
// owning session is archived.
type Coordinator struct {
	events        *bus.Bus
	collapseAfter time.Duration

	mu        sync.Mutex
	artifacts map[types.CanvasID]*types.CanvasArtifact
	active    map[types.SessionID]types.CanvasID
	timers    map[types.CanvasID]*time.Timer
}

// New creates a Coordinator publishing lifecycle events on the bus.
func New(events *bus.Bus, collapseAfter time.Duration) *Coordinator {
	if collapseAfter <= 0 {
		collapseAfter = 5 * time.Minute
	}
	return &Coordinator{
		events:        events,
		collapseAfter: collapseAfter,
		artifacts:     make(map[types.CanvasID]*types.CanvasArtifact),
		active:        make(map[types.SessionID]types.CanvasID),
		timers:        make(map[types.CanvasID]*time.Timer),
	}
}

// Spawn creates a new display-mode artifact bound to a turn and makes it
// the session's active artifact, collapsing any previous one.
func (c *Coordinator) Spawn(sessionID types.SessionID, turnID types.TurnID, canvasType, content string) *types.CanvasArtifact {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prevID, ok := c.active[sessionID]; ok {
		c.collapseLocked(prevID, "superseded")
	}

	artifact := &types.CanvasArtifact{
		ID:        types.NewCanvasID(),
		SessionID: sessionID,
		TurnID:    turnID,
		Type:      canvasType,
		Mode:      types.ModeDisplay,
		Content:   content,
		State:     types.CanvasActive,
		UpdatedAt: time.Now(),
	}

	c.artifacts[artifact.ID] = artifact
	c.active[sessionID] = artifact.ID
	c.armTimerLocked(artifact.ID)

	c.events.Publish(sessionID, types.EventCanvasSpawned, artifact)
	return artifact
}

// Get returns the artifact with the given ID.
func (c *Coordinator) Get(id types.CanvasID) (*types.CanvasArtifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	artifact, ok := c.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("canvas artifact not found: %s", id)
	}
	return artifact, nil
}

// Active returns the session's active artifact, if any.
func (c *Coordinator) Active(sessionID types.SessionID) (*types.CanvasArtifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.active[sessionID]
	if !ok {
		return nil, false
	}
	return c.artifacts[id], true
}

// Interact applies one user action to an artifact. Supported actions:
// edit (explicit display->edit transition), update (mutate content, sets
// dirty), save (clears dirty), collapse, expand, close.
func (c *Coordinator) Interact(id types.CanvasID, action, payload string) (*types.CanvasArtifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	artifact, ok := c.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("canvas artifact not found: %s", id)
	}
	if artifact.State == types.CanvasClosed {
		return nil, fmt.Errorf("canvas artifact closed: %s", id)
	}

	switch action {
	case "edit":
		if artifact.State != types.CanvasActive {
			return nil, fmt.Errorf("cannot edit %s artifact", artifact.State)
		}
		artifact.Mode = types.ModeEdit
	case "update":
		if artifact.Mode != types.ModeEdit {
			return nil, fmt.Errorf("artifact not in edit mode")
		}
		artifact.Content = payload
		artifact.Dirty = true
	case "save":
		artifact.Dirty = false
	case "collapse":
		c.collapseLocked(id, "user")
	case "expand":
		c.expandLocked(artifact)
	case "close":
		c.closeLocked(artifact, "user")
	default:
		return nil, fmt.Errorf("unknown canvas action: %s", action)
	}

	artifact.UpdatedAt = time.Now()
	if artifact.State == types.CanvasActive {
		c.armTimerLocked(id)
	}
	c.events.Publish(artifact.SessionID, types.EventCanvasStateChanged, artifact)
	return artifact, nil
}

// Resume surfaces artifacts on session resume. An artifact with pending
// unsaved changes is restored to active and reported so the caller can
// show an unsaved-changes indicator.
func (c *Coordinator) Resume(sessionID types.SessionID) (dirty []*types.CanvasArtifact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, artifact := range c.artifacts {
		if artifact.SessionID != sessionID || artifact.State == types.CanvasClosed {
			continue
		}
		if artifact.Dirty {
			c.expandLocked(artifact)
			dirty = append(dirty, artifact)
		}
	}
	return dirty
}

// SessionArchived closes and drops every artifact owned by the session.
func (c *Coordinator) SessionArchived(sessionID types.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, artifact := range c.artifacts {
		if artifact.SessionID != sessionID {
			continue
		}
		c.closeLocked(artifact, "session archived")
		delete(c.artifacts, id)
	}
	delete(c.active, sessionID)
}

// collapseLocked collapses without discarding state. Caller holds c.mu.
func (c *Coordinator) collapseLocked(id types.CanvasID, cause string) {
	artifact, ok := c.artifacts[id]
	if !ok || artifact.State != types.CanvasActive {
		return
	}
	artifact.State = types.CanvasCollapsed
	artifact.UpdatedAt = time.Now()
	if c.active[artifact.SessionID] == id {
		delete(c.active, artifact.SessionID)
	}
	c.disarmTimerLocked(id)
	c.events.Publish(artifact.SessionID, types.EventCanvasStateChanged, map[string]any{
		"artifact": artifact,
		"cause":    cause,
	})
}

// expandLocked reactivates a collapsed artifact, collapsing any other
// active one first. Caller holds c.mu.
func (c *Coordinator) expandLocked(artifact *types.CanvasArtifact) {
	if artifact.State == types.CanvasActive {
		return
	}
	if prevID, ok := c.active[artifact.SessionID]; ok && prevID != artifact.ID {
		c.collapseLocked(prevID, "superseded")
	}
	artifact.State = types.CanvasActive
	artifact.UpdatedAt = time.Now()
	c.active[artifact.SessionID] = artifact.ID
	c.armTimerLocked(artifact.ID)
}

func (c *Coordinator) closeLocked(artifact *types.CanvasArtifact, cause string) {
	if artifact.State == types.CanvasClosed {
		return
	}
	artifact.State = types.CanvasClosed
	artifact.UpdatedAt = time.Now()
	if c.active[artifact.SessionID] == artifact.ID {
		delete(c.active, artifact.SessionID)
	}
	c.disarmTimerLocked(artifact.ID)
	c.events.Publish(artifact.SessionID, types.EventCanvasStateChanged, map[string]any{
		"artifact": artifact,
		"cause":    cause,
	})
}

// armTimerLocked (re)starts the inactivity auto-collapse timer.
func (c *Coordinator) armTimerLocked(id types.CanvasID) {
	c.disarmTimerLocked(id)
	c.timers[id] = time.AfterFunc(c.collapseAfter, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.collapseLocked(id, "inactivity")
	})
}

func (c *Coordinator) disarmTimerLocked(id types.CanvasID) {
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
}
