// Package sessions persists per-thread provider sessions and the messages
// produced by turns.
package sessions

import (
	"context"
	"errors"

	"github.com/jmcarnahan/bondai/pkg/models"
)

// ErrNotFound is returned when a thread has no stored session.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence. One turn per thread runs
// at a time, so Put is last-write-wins and needs no locking by callers.
type Store interface {
	Get(ctx context.Context, threadID string) (*models.Session, error)
	Put(ctx context.Context, threadID string, session *models.Session) error
}

// MessageLog stores closed frames as messages.
type MessageLog interface {
	RecordMessage(ctx context.Context, msg models.Message) error
	History(ctx context.Context, threadID string, limit int) ([]models.Message, error)
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.State != nil {
		clone.State = append([]byte(nil), s.State...)
	}
	return &clone
}
