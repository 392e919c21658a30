package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/jmcarnahan/bondai/pkg/models"
)

var (
	// ErrNoProvider is returned when an Engine is built without a provider.
	ErrNoProvider = errors.New("no provider configured")

	// ErrStreamClosed is returned by Recv after Close.
	ErrStreamClosed = errors.New("provider stream closed")
)

// ErrorKind classifies failures at the provider-call boundary.
type ErrorKind string

const (
	// ErrorProviderTransient covers connection drops, timeouts, throttling
	// and 5xx responses. Retried with backoff.
	ErrorProviderTransient ErrorKind = "provider_transient"

	// ErrorProviderValidation covers malformed requests and other 4xx
	// responses. Never retried.
	ErrorProviderValidation ErrorKind = "provider_validation"

	// ErrorProviderStream is a failure reported inside the event stream.
	ErrorProviderStream ErrorKind = "provider_stream"

	// ErrorToolExecution is a tool failure. It is delivered to the model as
	// data and never ends a turn.
	ErrorToolExecution ErrorKind = "tool_execution"

	// ErrorPayloadTooLarge means a request exceeded the provider's size limit.
	ErrorPayloadTooLarge ErrorKind = "payload_too_large"

	// ErrorDepthExceeded stops a turn that keeps requesting tools.
	ErrorDepthExceeded ErrorKind = "depth_exceeded"

	// ErrorThreadBusy means another turn holds the thread.
	ErrorThreadBusy ErrorKind = "thread_busy"

	ErrorCanceled ErrorKind = "canceled"
	ErrorUnknown  ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	return k == ErrorProviderTransient
}

// TurnError is the classified failure that ended a turn. Message is safe to
// show to the user.
type TurnError struct {
	Kind     ErrorKind
	Message  string
	Attempts int
	Cause    error
}

func (e *TurnError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (attempts=%d)", e.Attempts)
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}

// ToolError is a failed tool execution. It is turned into a response body.
type ToolError struct {
	Path    string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("tool %s: %s", e.Path, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Classify maps an error from a provider call or stream to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}

	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		return turnErr.Kind
	}
	var streamErr *models.StreamError
	if errors.As(err, &streamErr) {
		// In-stream failures are not retried; only the size signal is kept.
		if classifyCode(streamErr.Code, 0, "") == ErrorPayloadTooLarge {
			return ErrorPayloadTooLarge
		}
		return ErrorProviderStream
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorProviderTransient
	}

	var code string
	var status int
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if code != "" || status != 0 {
		if kind := classifyCode(code, status, ""); kind != "" {
			return kind
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorProviderTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrorProviderTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "too large", "payload size", "request entity"):
		return ErrorPayloadTooLarge
	case containsAny(msg, "connection reset", "connection refused", "broken pipe",
		"remote end closed", "remotedisconnected", "unexpected eof", "read timeout",
		"i/o timeout", "timed out", "tls handshake", "no such host"):
		return ErrorProviderTransient
	}
	return ErrorUnknown
}

// classifyCode maps an AWS error code and HTTP status. Returns fallback when
// neither is recognized.
func classifyCode(code string, status int, fallback ErrorKind) ErrorKind {
	switch strings.TrimSuffix(code, "Exception") {
	case "Throttling", "TooManyRequests", "InternalServer", "ServiceUnavailable",
		"BadGateway", "ModelNotReady", "ServiceQuotaExceeded", "RequestTimeout":
		return ErrorProviderTransient
	case "Validation", "AccessDenied", "ResourceNotFound", "Conflict",
		"UnrecognizedClient", "InvalidSignature", "ExpiredToken":
		return ErrorProviderValidation
	case "DependencyFailed", "BadRequest":
		return ErrorProviderStream
	case "PayloadTooLarge", "RequestEntityTooLarge":
		return ErrorPayloadTooLarge
	}
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return ErrorPayloadTooLarge
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return ErrorProviderTransient
	case status >= 400:
		return ErrorProviderValidation
	}
	return fallback
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, "timeout", "timed out")
}

// newTurnError builds the user-facing error for a failed provider call.
// payloadSuspect is set when a tool result this turn was oversized.
func newTurnError(err error, attempts int, payloadSuspect bool) *TurnError {
	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		return turnErr
	}
	kind := Classify(err)
	te := &TurnError{Kind: kind, Attempts: attempts, Cause: err}

	switch kind {
	case ErrorProviderTransient:
		switch {
		case payloadSuspect:
			te.Message = "The agent connection failed after a large tool result. " +
				"The request was probably too large; try narrowing the query."
		case isTimeout(err):
			te.Message = "The request timed out. Please try again."
		default:
			te.Message = "Lost the connection to the agent. Please try again."
		}
	case ErrorProviderValidation:
		te.Message = "The agent rejected the request: " + providerMessage(err)
	case ErrorProviderStream:
		te.Message = "The agent reported an error: " + providerMessage(err)
	case ErrorPayloadTooLarge:
		te.Message = "The request was too large for the agent. Try narrowing the query."
	case ErrorCanceled:
		te.Message = "The request was canceled."
	default:
		te.Message = "The agent failed unexpectedly: " + providerMessage(err)
	}
	return te
}

func depthExceededError(max int) *TurnError {
	return &TurnError{
		Kind:    ErrorDepthExceeded,
		Message: fmt.Sprintf("Stopped: maximum tool call depth (%d) reached.", max),
	}
}

// providerMessage extracts the most readable text from err.
func providerMessage(err error) string {
	var streamErr *models.StreamError
	if errors.As(err, &streamErr) && streamErr.Message != "" {
		return streamErr.Message
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}
