// internal/types/errors.go
package types

import "errors"

// Typed errors callers branch on. Everything else is wrapped with %w.
var (
	// ErrBudgetExceeded means the session's token/cost ceiling was reached.
	// Nothing partial is committed after this point.
	ErrBudgetExceeded = errors.New("session budget exceeded")

	// ErrPermissionDenied means a rule or the user denied a write.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCorruptSession means a turn log failed its integrity check. The
	// session is isolated; other sessions stay readable.
	ErrCorruptSession = errors.New("corrupt session data")

	// ErrRateLimited and ErrUnavailable are retryable provider outcomes.
	ErrRateLimited = errors.New("tool provider rate limited")
	ErrUnavailable = errors.New("tool provider unavailable")

	// ErrValidation means specialist output failed its schema check.
	ErrValidation = errors.New("specialist output failed validation")

	// ErrCancelled means the user cancelled the in-flight turn.
	ErrCancelled = errors.New("turn cancelled")
)
