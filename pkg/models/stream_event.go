package models

// StreamEvent is one event of a provider response stream. The set of
// implementations is closed; switch on the concrete type.
type StreamEvent interface {
	streamEvent()
}

// TextChunk carries a piece of assistant text.
type TextChunk struct {
	Text string
}

// FileEvent carries a file produced by the agent. Either Data or Reference
// is set; Reference points at an object already stored by the provider.
type FileEvent struct {
	Name      string
	MimeType  string
	Data      []byte
	Reference string
}

// ToolInvocationRequested pauses the response until results for Calls are
// supplied under InvocationID.
type ToolInvocationRequested struct {
	InvocationID string
	Calls        []ToolCall
}

// SessionStateUpdate replaces the tracked session state.
type SessionStateUpdate struct {
	State []byte
}

// TraceEvent is provider diagnostics. It never produces output.
type TraceEvent struct {
	AgentID string
	Payload string
}

// StreamError is an error reported inside the stream rather than by the
// call that opened it.
type StreamError struct {
	Code    string
	Message string
}

// StreamDone is an explicit end-of-response signal.
type StreamDone struct{}

func (*TextChunk) streamEvent()               {}
func (*FileEvent) streamEvent()               {}
func (*ToolInvocationRequested) streamEvent() {}
func (*SessionStateUpdate) streamEvent()      {}
func (*TraceEvent) streamEvent()              {}
func (*StreamError) streamEvent()             {}
func (*StreamDone) streamEvent()              {}

func (e *StreamError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
