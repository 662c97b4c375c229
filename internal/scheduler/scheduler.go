// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/attache/internal/provider"
	"github.com/user/attache/internal/state"
)

// Handler is the callback invoked when a scheduled automation fires.
type Handler func(sessionKey, prompt string)

// drainInterval is how often deferred tool calls get another attempt.
const drainInterval = time.Minute

// Scheduler evaluates cron expressions from the automation store and
// fires automations through a handler callback. It also owns the
// periodic retry of deferred tool calls parked at the gateway.
type Scheduler struct {
	store   *state.AutomationStore
	handler Handler
	gateway *provider.Gateway
	cron    *cron.Cron

	drainStop chan struct{}
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler backed by the given automation store. The
// handler is called each time an automation fires.
func New(store *state.AutomationStore, gateway *provider.Gateway, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		gateway: gateway,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads automations from the store, registers enabled ones that
// have a schedule as cron entries, starts the cron ticker, and starts
// the deferred-call drain loop.
func (s *Scheduler) Start() error {
	automations, err := s.store.List()
	if err != nil {
		return err
	}

	for _, automation := range automations {
		if automation.Schedule == "" || !automation.Enabled {
			continue
		}

		sessionKey := automation.SessionKey
		prompt := automation.Prompt
		schedule := automation.Schedule
		name := automation.Name

		_, err := s.cron.AddFunc(schedule, func() {
			slog.Info("cron firing automation", "name", name, "session_key", sessionKey)
			s.handler(sessionKey, prompt)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", schedule, "error", err)
			continue
		}
		slog.Info("scheduled automation", "name", name, "schedule", schedule)
	}

	s.cron.Start()

	if s.gateway != nil && s.drainStop == nil {
		s.drainStop = make(chan struct{})
		go s.drainLoop()
	}
	return nil
}

// drainLoop periodically retries tool calls that exhausted their backoff.
func (s *Scheduler) drainLoop() {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.gateway.DeferredCount(); n > 0 {
				slog.Info("draining deferred tool calls", "count", n)
				s.gateway.DrainDeferred(context.Background())
			}
		case <-s.drainStop:
			return
		}
	}
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker and the drain loop.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	if s.drainStop != nil {
		close(s.drainStop)
		s.drainStop = nil
	}
}
