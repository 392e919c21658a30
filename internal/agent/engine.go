package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmcarnahan/bondai/internal/compaction"
	"github.com/jmcarnahan/bondai/internal/observability"
	"github.com/jmcarnahan/bondai/internal/retry"
	"github.com/jmcarnahan/bondai/internal/sessions"
	"github.com/jmcarnahan/bondai/internal/stream"
	"github.com/jmcarnahan/bondai/internal/tools"
	"github.com/jmcarnahan/bondai/pkg/models"
)

// Config bounds a turn.
type Config struct {
	// MaxToolCallDepth is the number of provider calls a turn may make,
	// counting the initial invoke. Default: 10.
	MaxToolCallDepth int

	// ToolConcurrency limits parallel tool calls within one batch. Default: 4.
	ToolConcurrency int

	// ToolTimeout bounds each tool call. Default: 60 seconds.
	ToolTimeout time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxToolCallDepth: 10,
		ToolConcurrency:  4,
		ToolTimeout:      60 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxToolCallDepth <= 0 {
		cfg.MaxToolCallDepth = defaults.MaxToolCallDepth
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = defaults.ToolConcurrency
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaults.ToolTimeout
	}
	return cfg
}

// Deps are the collaborators of an Engine. Provider and Tools are required.
type Deps struct {
	Provider Provider
	Tools    tools.Executor

	// Sessions loads state at turn start and saves it at turn end. Optional.
	Sessions sessions.Store
	// Locker serializes turns per thread. Optional.
	Locker sessions.Locker
	// Messages receives every closed frame. Optional.
	Messages stream.MessageRecorder
	// Files renders file events. Optional; files are dropped without it.
	Files stream.FileSink

	Compactor *compaction.Compactor
	Retry     retry.Policy

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// NewID generates turn, session and frame ids. Defaults to uuid.NewString.
	NewID func() string
	Now   func() time.Time
}

// Engine runs turns. It holds no per-turn state and is safe for concurrent
// use; callers run at most one turn per thread at a time.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewEngine validates deps and applies defaults.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Provider == nil {
		return nil, ErrNoProvider
	}
	if deps.Tools == nil {
		return nil, errors.New("tool executor is required")
	}
	if deps.Compactor == nil {
		deps.Compactor = compaction.New(compaction.DefaultBudget())
	}
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry.MaxAttempts = retry.DefaultPolicy().MaxAttempts
	}
	if deps.Retry.BaseDelay <= 0 {
		deps.Retry.BaseDelay = retry.DefaultPolicy().BaseDelay
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		cfg:    sanitizeConfig(cfg),
		deps:   deps,
		logger: deps.Logger.With("component", "agent"),
	}, nil
}

// TurnRequest starts one turn on a thread.
type TurnRequest struct {
	ThreadID string
	AgentID  string
	// SessionID overrides the stored session id. Empty reuses the stored
	// one or starts a new session.
	SessionID string
	Input     string
}

// TurnSummary describes a finished turn.
type TurnSummary struct {
	TurnID        string
	SessionID     string
	ProviderCalls int
	ToolCalls     int
	MaxDepth      int
	Frames        int
	Duration      time.Duration
	// Err is the failure reported in the error frame, if any.
	Err *TurnError
}

// turn is the state shared by every depth of one turn.
type turn struct {
	id        string
	req       TurnRequest
	em        *stream.Emitter
	sessionID string
	state     []byte

	providerCalls int
	toolCalls     int
	maxDepth      int

	mu        sync.Mutex
	oversized bool
}

func (t *turn) markOversized() {
	t.mu.Lock()
	t.oversized = true
	t.mu.Unlock()
}

func (t *turn) payloadSuspect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oversized
}

// Run executes a turn and writes its frames to w. The output always ends
// with a done frame or one error frame unless w itself fails. The returned
// error is the TurnError reported in the error frame, or the write error.
func (e *Engine) Run(ctx context.Context, req TurnRequest, w io.Writer) (*TurnSummary, error) {
	if req.ThreadID == "" {
		return nil, errors.New("thread ID is required")
	}
	start := e.deps.Now()
	t := &turn{id: e.deps.NewID(), req: req}

	ctx = observability.WithThreadID(ctx, req.ThreadID)
	ctx = observability.WithAgentID(ctx, req.AgentID)
	ctx = observability.WithTurnID(ctx, t.id)
	ctx, span := e.deps.Tracer.TraceTurn(ctx, req.ThreadID, req.AgentID)
	defer span.End()

	t.em = stream.NewEmitter(w, stream.Config{
		ThreadID: req.ThreadID,
		AgentID:  req.AgentID,
		Files:    e.deps.Files,
		Recorder: e.deps.Messages,
		NewID:    e.deps.NewID,
		Now:      e.deps.Now,
		Logger:   e.logger,
	})

	locked, err := e.lockThread(ctx, req.ThreadID)
	if err == nil {
		defer e.unlockThread(req.ThreadID)
		e.loadSession(ctx, t)
		e.logger.InfoContext(ctx, "turn started", "session_id", t.sessionID)
		err = e.execute(ctx, t, &InvokeRequest{
			AgentID:      req.AgentID,
			SessionID:    t.sessionID,
			Input:        req.Input,
			SessionState: t.state,
		}, 0)
	}

	summary := &TurnSummary{TurnID: t.id, SessionID: t.sessionID}
	outcome := "done"
	var result error
	switch {
	case t.em.Err() != nil:
		// The caller went away; nothing more can be written.
		outcome = "canceled"
		result = t.em.Err()
		e.logger.InfoContext(ctx, "turn output closed", "error", result)
	case err != nil:
		turnErr := newTurnError(err, 1, t.payloadSuspect())
		summary.Err = turnErr
		result = turnErr
		outcome = "error"
		if turnErr.Kind == ErrorCanceled {
			outcome = "canceled"
		}
		observability.RecordError(span, turnErr)
		e.logger.WarnContext(ctx, "turn failed",
			"kind", turnErr.Kind, "attempts", turnErr.Attempts, "error", turnErr.Cause)
		if ferr := t.em.Fail(ctx, turnErr.Message); ferr != nil {
			result = errors.Join(turnErr, ferr)
		}
	default:
		if derr := t.em.Done(ctx); derr != nil {
			outcome = "canceled"
			result = derr
		}
	}

	if locked {
		e.saveSession(context.WithoutCancel(ctx), t)
	}

	summary.ProviderCalls = t.providerCalls
	summary.ToolCalls = t.toolCalls
	summary.MaxDepth = t.maxDepth
	summary.Frames = t.em.Frames()
	summary.Duration = e.deps.Now().Sub(start)
	e.deps.Metrics.RecordTurn(outcome, summary.Duration.Seconds())
	e.logger.InfoContext(ctx, "turn finished",
		"outcome", outcome,
		"provider_calls", summary.ProviderCalls,
		"tool_calls", summary.ToolCalls,
		"frames", summary.Frames,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, result
}

// Stream runs the turn in a goroutine and returns its output. Closing the
// reader cancels the turn and closes the provider stream.
func (e *Engine) Stream(ctx context.Context, req TurnRequest) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		defer cancel()
		_, err := e.Run(ctx, req, pw)
		var turnErr *TurnError
		if errors.As(err, &turnErr) && !errors.Is(err, io.ErrClosedPipe) {
			// Already reported in the error frame.
			err = nil
		}
		pw.CloseWithError(err)
	}()
	return &cancelReader{PipeReader: pr, cancel: cancel}
}

type cancelReader struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (r *cancelReader) Close() error {
	r.cancel()
	return r.PipeReader.Close()
}

// execute consumes one provider stream at depth and recurses on tool
// requests. Output already framed is never discarded.
func (e *Engine) execute(ctx context.Context, t *turn, req *InvokeRequest, depth int) error {
	if depth > t.maxDepth {
		t.maxDepth = depth
	}
	st, err := e.open(ctx, t, req, depth)
	if err != nil {
		return err
	}
	defer st.Close()

	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// Output may already be framed; a mid-stream failure is not retried.
			return newTurnError(err, 1, t.payloadSuspect())
		}

		switch ev := ev.(type) {
		case *models.TextChunk:
			if err := t.em.Text(ctx, ev.Text); err != nil {
				return err
			}

		case *models.FileEvent:
			if err := t.em.File(ctx, *ev); err != nil {
				return err
			}

		case *models.SessionStateUpdate:
			t.state = ev.State

		case *models.TraceEvent:
			e.logger.DebugContext(ctx, "provider trace", "agent_id", ev.AgentID, "trace", ev.Payload)

		case *models.StreamError:
			return newTurnError(ev, 1, t.payloadSuspect())

		case *models.StreamDone:
			return nil

		case *models.ToolInvocationRequested:
			next := depth + 1
			if next >= e.cfg.MaxToolCallDepth {
				e.logger.WarnContext(ctx, "tool call depth exceeded",
					"depth", depth, "max", e.cfg.MaxToolCallDepth, "calls", len(ev.Calls))
				return depthExceededError(e.cfg.MaxToolCallDepth)
			}
			// The paused stream carries nothing more.
			st.Close()
			if err := t.em.FlushText(ctx); err != nil {
				return err
			}

			t.toolCalls += len(ev.Calls)
			responses := e.runTools(ctx, t, ev.Calls)
			if err := ctx.Err(); err != nil {
				return err
			}
			return e.execute(ctx, t, &InvokeRequest{
				AgentID:       t.req.AgentID,
				SessionID:     t.sessionID,
				InvocationID:  ev.InvocationID,
				ToolResponses: responses,
				SessionState:  t.state,
			}, next)

		default:
			e.logger.DebugContext(ctx, "ignoring stream event", "type", fmt.Sprintf("%T", ev))
		}
	}
}

// open calls the provider under the retry policy. The first event is read
// inside the retried operation, so a call is only retried while nothing of
// its stream has been framed.
func (e *Engine) open(ctx context.Context, t *turn, req *InvokeRequest, depth int) (EventStream, error) {
	phase := req.phase()
	ctx, span := e.deps.Tracer.TraceProviderCall(ctx, phase, depth)
	defer span.End()

	policy := e.deps.Retry
	policy.IsRetryable = func(err error) bool { return Classify(err).Retryable() }
	onRetry := e.deps.Retry.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.deps.Metrics.RecordProviderRetry(phase)
		e.logger.WarnContext(ctx, "retrying provider call",
			"phase", phase, "depth", depth, "attempt", attempt+1, "delay", delay, "error", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	st, res := retry.DoWithValue(ctx, policy, func(ctx context.Context, _ int) (EventStream, error) {
		t.providerCalls++
		s, err := e.deps.Provider.Invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		first, err := s.Recv()
		if err != nil && !errors.Is(err, io.EOF) {
			_ = s.Close()
			return nil, err
		}
		return &peekedStream{first: first, firstErr: err, inner: s}, nil
	})
	if res.Err != nil {
		e.deps.Metrics.RecordProviderCall(phase, "error")
		observability.RecordError(span, res.Err)
		return nil, newTurnError(res.Err, res.Attempts, t.payloadSuspect())
	}
	e.deps.Metrics.RecordProviderCall(phase, "success")
	return st, nil
}

// lockThread reports whether the turn owns the thread. Without a Locker
// every turn does.
func (e *Engine) lockThread(ctx context.Context, threadID string) (bool, error) {
	if e.deps.Locker == nil {
		return true, nil
	}
	if err := e.deps.Locker.Lock(ctx, threadID); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, &TurnError{
			Kind:    ErrorThreadBusy,
			Message: "Another turn is still running on this thread. Please try again when it finishes.",
			Cause:   err,
		}
	}
	return true, nil
}

func (e *Engine) unlockThread(threadID string) {
	if e.deps.Locker != nil {
		e.deps.Locker.Unlock(threadID)
	}
}

func (e *Engine) loadSession(ctx context.Context, t *turn) {
	t.sessionID = t.req.SessionID
	if e.deps.Sessions != nil {
		sess, err := e.deps.Sessions.Get(ctx, t.req.ThreadID)
		switch {
		case err == nil:
			if t.sessionID == "" || t.sessionID == sess.SessionID {
				t.sessionID = sess.SessionID
				t.state = sess.State
			}
		case !errors.Is(err, sessions.ErrNotFound):
			e.logger.WarnContext(ctx, "failed to load session, starting a new one", "error", err)
		}
	}
	if t.sessionID == "" {
		t.sessionID = e.deps.NewID()
	}
}

func (e *Engine) saveSession(ctx context.Context, t *turn) {
	if e.deps.Sessions == nil {
		return
	}
	err := e.deps.Sessions.Put(ctx, t.req.ThreadID, &models.Session{
		ThreadID:  t.req.ThreadID,
		SessionID: t.sessionID,
		State:     t.state,
		UpdatedAt: e.deps.Now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "failed to save session", "error", err)
	}
}
