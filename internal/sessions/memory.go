package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmcarnahan/bondai/pkg/models"
)

// maxMessagesPerThread bounds memory use; older messages are trimmed.
const maxMessagesPerThread = 1000

// MemoryStore is an in-memory Store and MessageLog for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]models.Message
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		messages: map[string][]models.Message{},
		now:      time.Now,
	}
}

// Get returns a copy of the thread's session.
func (m *MemoryStore) Get(ctx context.Context, threadID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// Put replaces the thread's session.
func (m *MemoryStore) Put(ctx context.Context, threadID string, session *models.Session) error {
	if threadID == "" {
		return errors.New("thread ID is required")
	}
	if session == nil {
		return errors.New("session is required")
	}
	clone := cloneSession(session)
	clone.ThreadID = threadID
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = m.now()
	}
	m.mu.Lock()
	m.sessions[threadID] = clone
	m.mu.Unlock()
	return nil
}

// RecordMessage appends msg to its thread.
func (m *MemoryStore) RecordMessage(ctx context.Context, msg models.Message) error {
	if msg.ThreadID == "" {
		return errors.New("thread ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append(m.messages[msg.ThreadID], msg)
	if len(msgs) > maxMessagesPerThread {
		msgs = append([]models.Message(nil), msgs[len(msgs)-maxMessagesPerThread:]...)
	}
	m.messages[msg.ThreadID] = msgs
	return nil
}

// History returns up to limit of the most recent messages, oldest first. A
// non-positive limit returns all of them.
func (m *MemoryStore) History(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.Message(nil), msgs...), nil
}
