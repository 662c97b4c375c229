// internal/state/session.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/attache/internal/types"
)

// SessionStore is a file-backed session store. The index lives in
// sessions/sessions.json; each session's turn log is an append-only JSONL
// file at sessions/<sessionID>/turns.jsonl. Index and turn log are written
// as two independent atomic steps, so a crash between them leaves at worst
// a session with one fewer recorded turn, never a corrupt index. A turn log
// that fails its integrity check isolates only that session.
type SessionStore struct {
	root  string
	mu    sync.RWMutex
	turns map[types.SessionID]*sync.RWMutex
}

// NewSessionStore creates a file-backed SessionStore rooted at the given directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{
		root:  root,
		turns: make(map[types.SessionID]*sync.RWMutex),
	}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

func (s *SessionStore) sessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

func (s *SessionStore) turnsPath(id types.SessionID) string {
	return filepath.Join(s.sessionDir(id), "turns.jsonl")
}

// turnLock returns the per-session turn-log lock, creating it on first use.
// Single writer, multiple readers per session.
func (s *SessionStore) turnLock(id types.SessionID) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.turns[id]; ok {
		return lock
	}
	lock := &sync.RWMutex{}
	s.turns[id] = lock
	return lock
}

// loadIndex reads sessions.json keyed by SessionKey. Caller must hold s.mu.
func (s *SessionStore) loadIndex() (map[types.SessionKey]*types.SessionIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionKey]*types.SessionIndex), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.SessionIndex
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionKey]*types.SessionIndex, len(sessions))
	for _, sess := range sessions {
		index[sess.SessionKey] = sess
	}
	return index, nil
}

// saveIndex writes the index atomically via temp file + rename.
func (s *SessionStore) saveIndex(index map[types.SessionKey]*types.SessionIndex) error {
	sessions := make([]*types.SessionIndex, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// CreateOrResume returns the session for the given key, creating one if needed.
func (s *SessionStore) CreateOrResume(_ context.Context, key types.SessionKey, kind types.SessionKind) (*types.SessionIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	if existing, ok := index[key]; ok && existing.Status != "archived" {
		return existing, nil
	}

	now := time.Now()
	session := &types.SessionIndex{
		SessionID:  types.NewSessionID(),
		SessionKey: key,
		Kind:       kind,
		Status:     "active",
		CreatedAt:  now,
		LastActive: now,
	}

	index[key] = session

	if err := s.saveIndex(index); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.sessionDir(session.SessionID), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	return session, nil
}

// Get returns the session with the given ID.
func (s *SessionStore) Get(_ context.Context, id types.SessionID) (*types.SessionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	for _, sess := range index {
		if sess.SessionID == id {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("session not found: %s", id)
}

// List returns all sessions.
func (s *SessionStore) List(_ context.Context) ([]*types.SessionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	sessions := make([]*types.SessionIndex, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Update persists changes to the given session, setting LastActive to now.
func (s *SessionStore) Update(_ context.Context, session *types.SessionIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	if _, ok := index[session.SessionKey]; !ok {
		return fmt.Errorf("session not found: %s", session.SessionKey)
	}

	session.LastActive = time.Now()
	index[session.SessionKey] = session

	return s.saveIndex(index)
}

// AppendTurn appends one turn to the session's log, assigning the next
// sequence number. The line is fully written before the index is touched;
// turns are immutable once written.
func (s *SessionStore) AppendTurn(ctx context.Context, turn *types.Turn) error {
	lock := s.turnLock(turn.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.sessionDir(turn.SessionID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	existing, err := s.readTurns(turn.SessionID)
	if err != nil {
		return err
	}
	turn.Seq = int64(len(existing)) + 1
	if turn.At.IsZero() {
		turn.At = time.Now()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	f, err := os.OpenFile(s.turnsPath(turn.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write turn: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync turn log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close turn log: %w", err)
	}

	// Second, independent atomic step: bump the index.
	return s.bumpTurnCount(ctx, turn.SessionID)
}

func (s *SessionStore) bumpTurnCount(ctx context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, sess := range index {
		if sess.SessionID == id {
			sess.TurnCount++
			sess.LastActive = time.Now()
			return s.saveIndex(index)
		}
	}
	return fmt.Errorf("session not found: %s", id)
}

// ReplaceTurns atomically rewrites the session's turn log, renumbering
// from one. Used by compaction to swap history for its summary; the
// replacement is a temp file rename, so a crash leaves either the old
// log or the new one, never a mix.
func (s *SessionStore) ReplaceTurns(ctx context.Context, id types.SessionID, turns []*types.Turn) error {
	lock := s.turnLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.sessionDir(id), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp := s.turnsPath(id) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp turn log: %w", err)
	}

	for i, turn := range turns {
		turn.Seq = int64(i) + 1
		if turn.At.IsZero() {
			turn.At = time.Now()
		}
		data, err := json.Marshal(turn)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal turn: %w", err)
		}
		data = append(data, '\n')
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write turn: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp turn log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp turn log: %w", err)
	}
	if err := os.Rename(tmp, s.turnsPath(id)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename turn log: %w", err)
	}

	// Second, independent atomic step: reset the index count.
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, sess := range index {
		if sess.SessionID == id {
			sess.TurnCount = int64(len(turns))
			sess.LastActive = time.Now()
			return s.saveIndex(index)
		}
	}
	return fmt.Errorf("session not found: %s", id)
}

// readTurns reads the turn log. Caller must hold the session's turn lock.
// A line that fails to parse marks the whole log corrupt.
func (s *SessionStore) readTurns(id types.SessionID) ([]*types.Turn, error) {
	f, err := os.Open(s.turnsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open turn log: %w", err)
	}
	defer f.Close()

	var turns []*types.Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var turn types.Turn
		if err := json.Unmarshal(line, &turn); err != nil {
			return nil, fmt.Errorf("%w: session %s: %v", types.ErrCorruptSession, id, err)
		}
		turns = append(turns, &turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan turn log: %w", err)
	}
	return turns, nil
}

// Export returns the full ordered turn sequence for the session. A corrupt
// log flags the session in the index and returns ErrCorruptSession without
// affecting any other session.
func (s *SessionStore) Export(ctx context.Context, id types.SessionID) ([]*types.Turn, error) {
	lock := s.turnLock(id)
	lock.RLock()
	turns, err := s.readTurns(id)
	lock.RUnlock()

	if err != nil {
		if errors.Is(err, types.ErrCorruptSession) {
			s.flagCorrupted(id)
		}
		return nil, err
	}
	return turns, nil
}

func (s *SessionStore) flagCorrupted(id types.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return
	}
	for _, sess := range index {
		if sess.SessionID == id && !sess.Corrupted {
			sess.Corrupted = true
			s.saveIndex(index)
			return
		}
	}
}

// Fork copies the session's history into a new session with a fresh ID.
// The fork shares no mutable state with its parent.
func (s *SessionStore) Fork(ctx context.Context, id types.SessionID) (*types.SessionIndex, error) {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	lock := s.turnLock(id)
	lock.RLock()
	src, err := os.Open(s.turnsPath(id))
	if err != nil && !os.IsNotExist(err) {
		lock.RUnlock()
		return nil, fmt.Errorf("open parent turn log: %w", err)
	}

	forkID := types.NewSessionID()
	if err := os.MkdirAll(s.sessionDir(forkID), 0o755); err != nil {
		if src != nil {
			src.Close()
		}
		lock.RUnlock()
		return nil, fmt.Errorf("create fork dir: %w", err)
	}

	if src != nil {
		dst, err := os.Create(s.turnsPath(forkID))
		if err != nil {
			src.Close()
			lock.RUnlock()
			return nil, fmt.Errorf("create fork turn log: %w", err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			dst.Close()
			lock.RUnlock()
			return nil, fmt.Errorf("copy turn log: %w", err)
		}
		src.Close()
		if err := dst.Close(); err != nil {
			lock.RUnlock()
			return nil, fmt.Errorf("close fork turn log: %w", err)
		}
	}
	lock.RUnlock()

	now := time.Now()
	fork := &types.SessionIndex{
		SessionID:  forkID,
		SessionKey: types.NewSessionKey(string(parent.SessionKey), "fork", string(forkID)[:8]),
		Kind:       parent.Kind,
		Status:     "active",
		CreatedAt:  now,
		LastActive: now,
		TurnCount:  parent.TurnCount,
		ForkedFrom: id,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	index[fork.SessionKey] = fork
	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	return fork, nil
}

// Archive marks the session archived. Sessions are never deleted.
func (s *SessionStore) Archive(ctx context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, sess := range index {
		if sess.SessionID == id {
			sess.Status = "archived"
			return s.saveIndex(index)
		}
	}
	return fmt.Errorf("session not found: %s", id)
}
