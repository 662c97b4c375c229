// internal/budget/budget.go
package budget

import (
	"sync"
	"sync/atomic"

	"github.com/user/attache/internal/types"
)

// Ledger tracks per-session token budgets. TryDecrement is a single atomic
// check-and-decrement, so concurrent specialists dispatched within one turn
// can never overcommit the remaining budget.
type Ledger struct {
	limit    int64
	mu       sync.Mutex
	sessions map[types.SessionID]*atomic.Int64
}

// NewLedger creates a Ledger where each session starts with limit tokens.
func NewLedger(limit int64) *Ledger {
	return &Ledger{
		limit:    limit,
		sessions: make(map[types.SessionID]*atomic.Int64),
	}
}

func (l *Ledger) counter(id types.SessionID) *atomic.Int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.sessions[id]; ok {
		return c
	}
	c := &atomic.Int64{}
	c.Store(l.limit)
	l.sessions[id] = c
	return c
}

// Remaining returns the session's remaining token budget.
func (l *Ledger) Remaining(id types.SessionID) int64 {
	return l.counter(id).Load()
}

// Limit returns the configured per-session limit.
func (l *Ledger) Limit() int64 {
	return l.limit
}

// TryDecrement reserves n tokens from the session's budget. It returns
// false without changing the counter when the remainder is insufficient.
func (l *Ledger) TryDecrement(id types.SessionID, n int64) bool {
	c := l.counter(id)
	for {
		current := c.Load()
		if current < n {
			return false
		}
		if c.CompareAndSwap(current, current-n) {
			return true
		}
	}
}

// Refund returns unused reserved tokens to the session's budget.
func (l *Ledger) Refund(id types.SessionID, n int64) {
	if n > 0 {
		l.counter(id).Add(n)
	}
}
