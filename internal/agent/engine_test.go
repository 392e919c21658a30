package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmcarnahan/bondai/internal/compaction"
	"github.com/jmcarnahan/bondai/internal/retry"
	"github.com/jmcarnahan/bondai/internal/sessions"
	"github.com/jmcarnahan/bondai/internal/stream"
	"github.com/jmcarnahan/bondai/pkg/models"
)

// scriptedProvider answers call n with script(n, req).
type scriptedProvider struct {
	mu       sync.Mutex
	requests []*InvokeRequest
	streams  []*SliceStream
	script   func(n int, req *InvokeRequest) (*SliceStream, error)
}

func (p *scriptedProvider) Invoke(_ context.Context, req *InvokeRequest) (EventStream, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	s, err := p.script(n, req)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

func (p *scriptedProvider) stream(i int) *SliceStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeTools struct {
	mu      sync.Mutex
	paths   []string
	results map[string]models.ToolResult
	delay   map[string]time.Duration
	panics  map[string]bool
	// ignoreCtx makes delays uninterruptible.
	ignoreCtx bool
}

func (f *fakeTools) Execute(ctx context.Context, path string, _ map[string]string) models.ToolResult {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	if f.panics[path] {
		panic("tool exploded")
	}
	if d := f.delay[path]; d > 0 && f.ignoreCtx {
		time.Sleep(d)
	} else if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return models.ToolFailed(ctx.Err().Error())
		}
	}
	if res, ok := f.results[path]; ok {
		return res
	}
	return models.ToolSucceeded(`{"ok":true}`)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

type testEnv struct {
	engine   *Engine
	provider *scriptedProvider
	tools    *fakeTools
	sleeps   *sleepRecorder
	sessions *sessions.MemoryStore
}

func newTestEnv(t *testing.T, cfg Config, script func(n int, req *InvokeRequest) (*SliceStream, error)) *testEnv {
	t.Helper()
	env := &testEnv{
		provider: &scriptedProvider{script: script},
		tools:    &fakeTools{},
		sleeps:   &sleepRecorder{},
		sessions: sessions.NewMemoryStore(),
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	engine, err := NewEngine(cfg, Deps{
		Provider:  env.provider,
		Tools:     env.tools,
		Sessions:  env.sessions,
		Messages:  env.sessions,
		Compactor: compaction.New(compaction.DefaultBudget()),
		Retry:     retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Sleep: env.sleeps.sleep},
		NewID:     sequentialIDs(),
		Now:       func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	env.engine = engine
	return env
}

func (env *testEnv) run(t *testing.T) (string, []stream.Frame, *TurnSummary, error) {
	t.Helper()
	var buf bytes.Buffer
	summary, err := env.engine.Run(context.Background(), TurnRequest{
		ThreadID: "thread-1",
		AgentID:  "agent-1",
		Input:    "find my open issues",
	}, &buf)
	frames, perr := stream.Parse(bytes.NewReader(buf.Bytes()))
	if perr != nil {
		t.Fatalf("output is not well framed: %v\n%s", perr, buf.String())
	}
	return buf.String(), frames, summary, err
}

func toolRequest(id string, paths ...string) *models.ToolInvocationRequested {
	req := &models.ToolInvocationRequested{InvocationID: id}
	for _, p := range paths {
		req.Calls = append(req.Calls, models.ToolCall{ActionGroup: "tools", Path: p, HTTPMethod: "POST"})
	}
	return req
}

func text(s string) *models.TextChunk { return &models.TextChunk{Text: s} }

func errorFrames(frames []stream.Frame) []stream.Frame {
	var out []stream.Frame
	for _, f := range frames {
		if f.IsError {
			out = append(out, f)
		}
	}
	return out
}

func TestEngine_SimpleTurn(t *testing.T) {
	env := newTestEnv(t, Config{}, func(int, *InvokeRequest) (*SliceStream, error) {
		return &SliceStream{Events: []models.StreamEvent{
			text("Hello "),
			text("world"),
			&models.SessionStateUpdate{State: []byte(`{"k":"v"}`)},
			&models.StreamDone{},
		}}, nil
	})

	_, frames, summary, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want text + done: %+v", len(frames), frames)
	}
	if frames[0].Payload != "Hello world" || frames[0].Type != models.FrameText || frames[0].Role != models.RoleAssistant {
		t.Errorf("text frame = %+v", frames[0])
	}
	if !frames[1].IsDone || frames[1].Payload != stream.DoneMessage || frames[1].Role != models.RoleSystem {
		t.Errorf("done frame = %+v", frames[1])
	}
	if summary.ProviderCalls != 1 || summary.Err != nil {
		t.Errorf("summary = %+v", summary)
	}
	if env.provider.requests[0].Input != "find my open issues" || env.provider.requests[0].IsContinuation() {
		t.Errorf("first request = %+v", env.provider.requests[0])
	}
	if !env.provider.streams[0].Closed() {
		t.Error("provider stream should be closed")
	}

	sess, err := env.sessions.Get(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("session not saved: %v", err)
	}
	if string(sess.State) != `{"k":"v"}` || sess.SessionID != summary.SessionID {
		t.Errorf("saved session = %+v", sess)
	}
	history, _ := env.sessions.History(context.Background(), "thread-1", 0)
	if len(history) != 1 || history[0].Content != "Hello world" {
		t.Errorf("history = %+v", history)
	}
}

func TestEngine_ToolContinuation(t *testing.T) {
	env := newTestEnv(t, Config{}, func(n int, req *InvokeRequest) (*SliceStream, error) {
		switch n {
		case 0:
			return &SliceStream{Events: []models.StreamEvent{
				text("Looking it up."),
				&models.SessionStateUpdate{State: []byte("s1")},
				toolRequest("inv-1", "/b.1a2b3c4d.search", "/_bond/list_mcp_servers"),
			}}, nil
		default:
			return &SliceStream{Events: []models.StreamEvent{
				&models.SessionStateUpdate{State: []byte("s2")},
				text("Found 2."),
			}}, nil
		}
	})
	env.tools.results = map[string]models.ToolResult{
		"/b.1a2b3c4d.search": models.ToolFailed("jql syntax error"),
	}

	_, frames, summary, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ProviderCalls != 2 || summary.ToolCalls != 2 || summary.MaxDepth != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if len(frames) != 3 || frames[0].Payload != "Looking it up." || frames[1].Payload != "Found 2." || !frames[2].IsDone {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].ID == frames[1].ID {
		t.Error("text after a tool call must be a new frame")
	}

	cont := env.provider.requests[1]
	if cont.InvocationID != "inv-1" || string(cont.SessionState) != "s1" || !cont.IsContinuation() {
		t.Errorf("continuation = %+v", cont)
	}
	if cont.SessionID != env.provider.requests[0].SessionID {
		t.Error("continuation must reuse the session id")
	}
	if len(cont.ToolResponses) != 2 {
		t.Fatalf("got %d tool responses", len(cont.ToolResponses))
	}
	failed := cont.ToolResponses[0]
	if failed.StatusCode != 200 || failed.Call.Path != "/b.1a2b3c4d.search" {
		t.Errorf("failed tool response = %+v", failed)
	}
	if !strings.Contains(failed.Body, "jql syntax error") || !strings.Contains(failed.Body, `"error"`) {
		t.Errorf("tool error should be in the body: %s", failed.Body)
	}
	if cont.ToolResponses[1].Call.Path != "/_bond/list_mcp_servers" {
		t.Errorf("responses out of order: %+v", cont.ToolResponses)
	}

	sess, _ := env.sessions.Get(context.Background(), "thread-1")
	if string(sess.State) != "s2" {
		t.Errorf("saved state = %q, want last write", sess.State)
	}
}

func TestEngine_DepthBound(t *testing.T) {
	const max = 4
	env := newTestEnv(t, Config{MaxToolCallDepth: max}, func(n int, _ *InvokeRequest) (*SliceStream, error) {
		return &SliceStream{Events: []models.StreamEvent{
			text(fmt.Sprintf("step %d", n)),
			toolRequest(fmt.Sprintf("inv-%d", n), "/_bond/loop"),
		}}, nil
	})

	_, frames, summary, err := env.run(t)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Kind != ErrorDepthExceeded {
		t.Fatalf("err = %v, want depth exceeded", err)
	}
	if got := env.provider.calls(); got != max {
		t.Errorf("provider calls = %d, want %d", got, max)
	}
	if len(env.tools.paths) != max-1 {
		t.Errorf("tool calls = %d, want %d", len(env.tools.paths), max-1)
	}
	errs := errorFrames(frames)
	if len(errs) != 1 {
		t.Fatalf("got %d error frames, want 1", len(errs))
	}
	if !strings.Contains(errs[0].Payload, "maximum tool call depth (4)") || !errs[0].IsDone {
		t.Errorf("error frame = %+v", errs[0])
	}
	if frames[len(frames)-1].ID != errs[0].ID {
		t.Error("error frame must be last")
	}
	// Output from every depth survives.
	for i := 0; i < max; i++ {
		if frames[i].Payload != fmt.Sprintf("step %d", i) {
			t.Errorf("frame %d = %q", i, frames[i].Payload)
		}
	}
	if summary.Err == nil || summary.Err.Kind != ErrorDepthExceeded {
		t.Errorf("summary.Err = %v", summary.Err)
	}
}

func TestEngine_TransientContinuationRetried(t *testing.T) {
	base := func(n int, _ *InvokeRequest) []models.StreamEvent {
		if n == 0 {
			return []models.StreamEvent{text("A"), toolRequest("inv-1", "/_bond/x")}
		}
		return []models.StreamEvent{text("B"), &models.StreamDone{}}
	}

	clean := newTestEnv(t, Config{}, func(n int, req *InvokeRequest) (*SliceStream, error) {
		return &SliceStream{Events: base(n, req)}, nil
	})
	wantOut, _, _, err := clean.run(t)
	if err != nil {
		t.Fatalf("clean run: %v", err)
	}

	flaky := newTestEnv(t, Config{}, func(n int, req *InvokeRequest) (*SliceStream, error) {
		switch n {
		case 0:
			return &SliceStream{Events: base(0, req)}, nil
		case 1:
			return &SliceStream{Err: errors.New("read tcp: connection reset by peer")}, nil
		default:
			return &SliceStream{Events: base(1, req)}, nil
		}
	})
	gotOut, _, summary, err := flaky.run(t)
	if err != nil {
		t.Fatalf("flaky run: %v", err)
	}
	if gotOut != wantOut {
		t.Errorf("output differs after retry:\n got %s\nwant %s", gotOut, wantOut)
	}
	if len(flaky.sleeps.delays) != 1 || flaky.sleeps.delays[0] != 100*time.Millisecond {
		t.Errorf("delays = %v, want one 100ms delay", flaky.sleeps.delays)
	}
	if summary.ProviderCalls != 3 {
		t.Errorf("provider calls = %d, want 3", summary.ProviderCalls)
	}
	if !flaky.provider.streams[1].Closed() {
		t.Error("failed attempt's stream should be closed")
	}
}

func TestEngine_ValidationErrorNotRetried(t *testing.T) {
	env := newTestEnv(t, Config{}, func(int, *InvokeRequest) (*SliceStream, error) {
		return nil, &fakeAPIError{code: "ValidationException", msg: "input is invalid"}
	})

	_, frames, _, err := env.run(t)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Kind != ErrorProviderValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if env.provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", env.provider.calls())
	}
	if len(env.sleeps.delays) != 0 {
		t.Errorf("unexpected delays %v", env.sleeps.delays)
	}
	if len(frames) != 1 || !frames[0].IsError || frames[0].Type != models.FrameError {
		t.Fatalf("frames = %+v", frames)
	}
	if !strings.Contains(frames[0].Payload, "input is invalid") {
		t.Errorf("payload = %q", frames[0].Payload)
	}
}

func TestEngine_TransientExhausted(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		oversized bool
		want      string
	}{
		{name: "timeout", err: context.DeadlineExceeded, want: "timed out"},
		{name: "connection", err: errors.New("remote end closed connection"), want: "Lost the connection"},
		{name: "after oversized result", err: errors.New("connection reset by peer"), oversized: true, want: "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, func(n int, _ *InvokeRequest) (*SliceStream, error) {
				if n == 0 && tt.oversized {
					return &SliceStream{Events: []models.StreamEvent{toolRequest("inv", "/_bond/big")}}, nil
				}
				return nil, tt.err
			})
			env.tools.results = map[string]models.ToolResult{
				"/_bond/big": models.ToolSucceeded(strings.Repeat("x", 40000)),
			}

			_, frames, summary, err := env.run(t)
			if err == nil {
				t.Fatal("expected error")
			}
			errs := errorFrames(frames)
			if len(errs) != 1 || !strings.Contains(errs[0].Payload, tt.want) {
				t.Fatalf("error frames = %+v, want containing %q", errs, tt.want)
			}
			if summary.Err.Attempts != 3 {
				t.Errorf("attempts = %d, want 3", summary.Err.Attempts)
			}
			if len(env.sleeps.delays) != 2 {
				t.Errorf("delays = %v, want 2", env.sleeps.delays)
			}
		})
	}
}

func TestEngine_StreamErrorKeepsPartialOutput(t *testing.T) {
	env := newTestEnv(t, Config{}, func(n int, _ *InvokeRequest) (*SliceStream, error) {
		if n == 0 {
			return &SliceStream{Events: []models.StreamEvent{text("part one"), toolRequest("inv", "/_bond/x")}}, nil
		}
		return &SliceStream{Events: []models.StreamEvent{
			text("part two"),
			&models.StreamError{Code: "DependencyFailedException", Message: "action group failed"},
		}}, nil
	})

	_, frames, _, err := env.run(t)
	var turnErr *TurnError
	if !errors.As(err, &turnErr) || turnErr.Kind != ErrorProviderStream {
		t.Fatalf("err = %v, want stream error", err)
	}
	if env.provider.calls() != 2 {
		t.Errorf("stream errors must not be retried; calls = %d", env.provider.calls())
	}
	if len(frames) != 3 || frames[0].Payload != "part one" || frames[1].Payload != "part two" {
		t.Fatalf("frames = %+v", frames)
	}
	if !frames[2].IsError || !strings.Contains(frames[2].Payload, "action group failed") {
		t.Errorf("error frame = %+v", frames[2])
	}
}

func TestEngine_MidStreamFailureNotRetried(t *testing.T) {
	env := newTestEnv(t, Config{}, func(int, *InvokeRequest) (*SliceStream, error) {
		return &SliceStream{Events: []models.StreamEvent{text("partial")}, Err: io.ErrUnexpectedEOF}, nil
	})
	_, frames, _, err := env.run(t)
	if err == nil {
		t.Fatal("expected error")
	}
	if env.provider.calls() != 1 {
		t.Errorf("calls = %d, want 1", env.provider.calls())
	}
	if len(frames) != 2 || frames[0].Payload != "partial" || !frames[1].IsError {
		t.Errorf("frames = %+v", frames)
	}
}

func TestEngine_DuplicateFilesAcrossDepths(t *testing.T) {
	chart := &models.FileEvent{Name: "chart.png", MimeType: "image/png", Data: []byte("png-bytes")}
	env := newTestEnv(t, Config{}, func(n int, _ *InvokeRequest) (*SliceStream, error) {
		if n == 0 {
			return &SliceStream{Events: []models.StreamEvent{chart, toolRequest("inv", "/_bond/x")}}, nil
		}
		return &SliceStream{Events: []models.StreamEvent{chart, text("done")}}, nil
	})
	env.engine.deps.Files = inlineSink{}

	_, frames, _, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	files := 0
	for _, f := range frames {
		if f.Type == models.FrameImageFile {
			files++
		}
	}
	if files != 1 {
		t.Errorf("got %d file frames, want 1", files)
	}
}

type failOnceSink struct {
	mu    sync.Mutex
	calls int
}

func (s *failOnceSink) Handle(_ context.Context, f models.FileEvent) (models.FramePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return models.FramePayload{}, errors.New("store unavailable")
	}
	return models.FramePayload{Type: models.FrameFileLink, Body: `{"name":"` + f.Name + `"}`}, nil
}

func TestEngine_FileSinkFailure(t *testing.T) {
	report := &models.FileEvent{Name: "r.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.7")}
	env := newTestEnv(t, Config{}, func(n int, _ *InvokeRequest) (*SliceStream, error) {
		if n == 0 {
			return &SliceStream{Events: []models.StreamEvent{report, toolRequest("inv", "/_bond/x")}}, nil
		}
		return &SliceStream{Events: []models.StreamEvent{report, text("attached")}}, nil
	})
	sink := &failOnceSink{}
	env.engine.deps.Files = sink

	_, frames, summary, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Err != nil {
		t.Fatalf("summary.Err = %v", summary.Err)
	}
	if sink.calls != 2 {
		t.Errorf("sink calls = %d, want 2", sink.calls)
	}
	var links int
	for _, f := range frames {
		if f.Type == models.FrameFileLink {
			links++
		}
	}
	errs := errorFrames(frames)
	if links != 1 || len(errs) != 1 {
		t.Fatalf("frames = %+v, want one file frame and one error frame", frames)
	}
	if errs[0].IsDone || !strings.Contains(errs[0].Payload, "r.pdf") {
		t.Errorf("error frame = %+v", errs[0])
	}
	if last := frames[len(frames)-1]; !last.IsDone || last.IsError {
		t.Errorf("last frame = %+v, want done", last)
	}
}

func TestEngine_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, Config{}, func(int, *InvokeRequest) (*SliceStream, error) {
		return nil, errors.New("remote end closed connection")
	})
	env.engine.deps.Retry.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	var buf bytes.Buffer
	summary, err := env.engine.Run(ctx, TurnRequest{ThreadID: "thread-1", AgentID: "agent-1", Input: "q"}, &buf)
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != ErrorCanceled {
		t.Fatalf("err = %v, want canceled", err)
	}
	if summary == nil || summary.Err == nil || summary.Err.Kind != ErrorCanceled {
		t.Errorf("summary = %+v", summary)
	}
	if n := env.provider.calls(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

type inlineSink struct{}

func (inlineSink) Handle(_ context.Context, f models.FileEvent) (models.FramePayload, error) {
	return models.FramePayload{Type: models.FrameImageFile, Body: "data:" + f.MimeType + ";base64,AAAA"}, nil
}

func TestEngine_ResumesStoredSession(t *testing.T) {
	env := newTestEnv(t, Config{}, func(int, *InvokeRequest) (*SliceStream, error) {
		return &SliceStream{Events: []models.StreamEvent{text("hi")}}, nil
	})
	_ = env.sessions.Put(context.Background(), "thread-1", &models.Session{SessionID: "sess-old", State: []byte("prior")})

	_, _, summary, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	req := env.provider.requests[0]
	if req.SessionID != "sess-old" || string(req.SessionState) != "prior" || summary.SessionID != "sess-old" {
		t.Errorf("request = %+v", req)
	}
}

func TestEngine_StreamCancel(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, Config{}, func(int, *InvokeRequest) (*SliceStream, error) {
		return &SliceStream{Events: []models.StreamEvent{text("first"), toolRequest("inv", "/_bond/slow")}}, nil
	})
	env.tools.delay = map[string]time.Duration{"/_bond/slow": time.Minute}

	rc := env.engine.Stream(context.Background(), TurnRequest{ThreadID: "thread-1", Input: "go"})
	buf := make([]byte, 16)
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	go func() {
		_ = rc.Close()
		close(release)
	}()

	select {
	case <-release:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked")
	}
	deadline := time.After(5 * time.Second)
	for s := env.provider.stream(0); s == nil || !s.Closed(); s = env.provider.stream(0) {
		select {
		case <-deadline:
			t.Fatal("provider stream not closed after cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if env.provider.calls() != 1 {
		t.Errorf("no continuation expected after cancel, calls = %d", env.provider.calls())
	}
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	if _, err := NewEngine(Config{}, Deps{Tools: &fakeTools{}}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
	if _, err := NewEngine(Config{}, Deps{Provider: &scriptedProvider{}}); err == nil {
		t.Error("expected error without tools")
	}
}

func TestEngine_ThreadLocked(t *testing.T) {
	env := newTestEnv(t, Config{}, func(int, *InvokeRequest) (*SliceStream, error) {
		return &SliceStream{Events: []models.StreamEvent{text("hi")}}, nil
	})
	locker := sessions.NewLocalLocker(10 * time.Millisecond)
	env.engine.deps.Locker = locker
	if err := locker.Lock(context.Background(), "thread-1"); err != nil {
		t.Fatal(err)
	}

	_, frames, summary, err := env.run(t)
	var te *TurnError
	if !errors.As(err, &te) || te.Kind != ErrorThreadBusy {
		t.Fatalf("err = %v, want thread_busy", err)
	}
	if n := env.provider.calls(); n != 0 {
		t.Errorf("provider called %d times while the thread was locked", n)
	}
	if errs := errorFrames(frames); len(errs) != 1 || len(frames) != 1 {
		t.Fatalf("frames = %+v, want exactly one error frame", frames)
	}
	if _, getErr := env.sessions.Get(context.Background(), "thread-1"); !errors.Is(getErr, sessions.ErrNotFound) {
		t.Errorf("a locked-out turn must not save the session: %v", getErr)
	}
	if summary.Err == nil || summary.Err.Kind != ErrorThreadBusy {
		t.Errorf("summary = %+v", summary)
	}

	locker.Unlock("thread-1")
	if _, _, _, err := env.run(t); err != nil {
		t.Fatalf("Run after unlock: %v", err)
	}
	if err := locker.Lock(context.Background(), "thread-1"); err != nil {
		t.Errorf("engine should release the lock after the turn: %v", err)
	}
}
