package agent

import (
	"context"
	"io"
	"sync"

	"github.com/jmcarnahan/bondai/pkg/models"
)

// Provider opens response streams from a hosted agent.
//
// Implementations must be safe for concurrent use; each call belongs to one
// turn.
type Provider interface {
	// Invoke starts a response. When req.ToolResponses is set, it continues
	// the paused response identified by req.InvocationID instead.
	Invoke(ctx context.Context, req *InvokeRequest) (EventStream, error)
}

// EventStream yields events in order. Recv returns io.EOF after the last
// event. Close releases the connection and may be called more than once.
type EventStream interface {
	Recv() (models.StreamEvent, error)
	Close() error
}

// InvokeRequest is one provider call.
type InvokeRequest struct {
	AgentID   string
	SessionID string

	// Input is the user's prompt. Empty on continuations.
	Input string

	// InvocationID and ToolResponses are set on continuations.
	InvocationID  string
	ToolResponses []models.ToolResponse

	// SessionState is the opaque state returned by the previous round.
	SessionState []byte
}

// IsContinuation reports whether the request resumes a paused response.
func (r *InvokeRequest) IsContinuation() bool {
	return r.InvocationID != "" || len(r.ToolResponses) > 0
}

func (r *InvokeRequest) phase() string {
	if r.IsContinuation() {
		return "continue"
	}
	return "invoke"
}

// peekedStream replays the event read while the call was being retried.
type peekedStream struct {
	first    models.StreamEvent
	firstErr error
	consumed bool

	inner     EventStream
	closeOnce sync.Once
	closeErr  error
}

func (s *peekedStream) Recv() (models.StreamEvent, error) {
	if !s.consumed {
		s.consumed = true
		if s.firstErr != nil {
			return nil, s.firstErr
		}
		return s.first, nil
	}
	return s.inner.Recv()
}

func (s *peekedStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.inner.Close() })
	return s.closeErr
}

// SliceStream is an EventStream over fixed events, followed by Err or io.EOF.
type SliceStream struct {
	Events []models.StreamEvent
	Err    error

	mu     sync.Mutex
	next   int
	closed bool
}

func (s *SliceStream) Recv() (models.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.next < len(s.Events) {
		ev := s.Events[s.next]
		s.next++
		return ev, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return nil, io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
