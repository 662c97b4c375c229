// internal/state/audit.go
package state

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/attache/internal/types"
)

// AuditLog is a JSONL-backed append-only audit log. Entries are stored
// per-session in sessions/<sessionID>/audit.jsonl and are safe for
// concurrent writers across sessions.
type AuditLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewAuditLog creates a file-backed AuditLog rooted at the given directory.
func NewAuditLog(root string) *AuditLog {
	return &AuditLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// Digest returns the sha-256 hex digest of a tool call input. Raw inputs
// never land in the audit log, only their digest.
func Digest(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func (a *AuditLog) getLock(sessionID types.SessionID) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lock, ok := a.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	a.locks[sessionID] = lock
	return lock
}

func (a *AuditLog) auditPath(sessionID types.SessionID) string {
	return filepath.Join(a.root, "sessions", string(sessionID), "audit.jsonl")
}

// Append adds one entry to the session's audit log.
func (a *AuditLog) Append(_ context.Context, entry *types.AuditLogEntry) error {
	lock := a.getLock(entry.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	dir := filepath.Dir(a.auditPath(entry.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(a.auditPath(entry.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	return nil
}

// Query returns all audit entries for the given session in append order.
func (a *AuditLog) Query(_ context.Context, sessionID types.SessionID) ([]*types.AuditLogEntry, error) {
	lock := a.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(a.auditPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []*types.AuditLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry types.AuditLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	return entries, nil
}
