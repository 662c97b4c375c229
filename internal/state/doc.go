// Package state implements the file-backed durable stores: the session
// index and per-session turn logs, the append-only audit log, the handoff
// store for large specialist outputs, the preference store, and the
// automation store. All writes are atomic (append-with-sync or temp file
// plus rename); the index and each turn log are independent files so a
// crash or a corrupt log never takes down anything but its own session.
package state
