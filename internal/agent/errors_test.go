package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/jmcarnahan/bondai/pkg/models"
)

type fakeAPIError struct {
	code string
	msg  string
}

func (e *fakeAPIError) Error() string                 { return e.code + ": " + e.msg }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.msg }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func responseError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("http error"),
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"throttling", &fakeAPIError{code: "ThrottlingException"}, ErrorProviderTransient},
		{"internal server", &fakeAPIError{code: "InternalServerException"}, ErrorProviderTransient},
		{"bad gateway", &fakeAPIError{code: "BadGatewayException"}, ErrorProviderTransient},
		{"validation", &fakeAPIError{code: "ValidationException"}, ErrorProviderValidation},
		{"access denied", &fakeAPIError{code: "AccessDeniedException"}, ErrorProviderValidation},
		{"not found", &fakeAPIError{code: "ResourceNotFoundException"}, ErrorProviderValidation},
		{"dependency failed", &fakeAPIError{code: "DependencyFailedException"}, ErrorProviderStream},
		{"wrapped api error", fmt.Errorf("invoke agent: %w", &fakeAPIError{code: "ThrottlingException"}), ErrorProviderTransient},
		{"status 503", responseError(503), ErrorProviderTransient},
		{"status 429", responseError(429), ErrorProviderTransient},
		{"status 400", responseError(400), ErrorProviderValidation},
		{"status 413", responseError(413), ErrorPayloadTooLarge},
		{"net timeout", timeoutErr{}, ErrorProviderTransient},
		{"deadline", context.DeadlineExceeded, ErrorProviderTransient},
		{"canceled", context.Canceled, ErrorCanceled},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrorProviderTransient},
		{"connection reset", errors.New("read tcp 10.0.0.1: connection reset by peer"), ErrorProviderTransient},
		{"remote closed", errors.New("RemoteDisconnected: remote end closed connection without response"), ErrorProviderTransient},
		{"broken pipe", errors.New("write: broken pipe"), ErrorProviderTransient},
		{"too large message", errors.New("input payload size too large"), ErrorPayloadTooLarge},
		{"stream error", &models.StreamError{Code: "DependencyFailedException", Message: "lambda failed"}, ErrorProviderStream},
		{"stream throttling", &models.StreamError{Code: "ThrottlingException"}, ErrorProviderStream},
		{"stream too large", &models.StreamError{Code: "PayloadTooLargeException"}, ErrorPayloadTooLarge},
		{"turn error", &TurnError{Kind: ErrorDepthExceeded}, ErrorDepthExceeded},
		{"unknown", errors.New("something odd"), ErrorUnknown},
		{"nil", nil, ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	for _, k := range []ErrorKind{ErrorProviderValidation, ErrorProviderStream, ErrorPayloadTooLarge, ErrorDepthExceeded, ErrorCanceled, ErrorUnknown} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if !ErrorProviderTransient.Retryable() {
		t.Error("transient should be retryable")
	}
}

func TestNewTurnError_Messages(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		suspect   bool
		wantKind  ErrorKind
		wantInMsg string
	}{
		{"timeout", context.DeadlineExceeded, false, ErrorProviderTransient, "timed out"},
		{"transport", errors.New("connection reset by peer"), false, ErrorProviderTransient, "Lost the connection"},
		{"payload suspect", errors.New("connection reset by peer"), true, ErrorProviderTransient, "too large"},
		{"validation", &fakeAPIError{code: "ValidationException", msg: "bad input"}, false, ErrorProviderValidation, "bad input"},
		{"stream", &models.StreamError{Code: "DependencyFailedException", Message: "lambda failed"}, false, ErrorProviderStream, "lambda failed"},
		{"too large", responseError(413), false, ErrorPayloadTooLarge, "narrowing"},
		{"canceled", context.Canceled, false, ErrorCanceled, "canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTurnError(tt.err, 2, tt.suspect)
			if te.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", te.Kind, tt.wantKind)
			}
			if !strings.Contains(te.Message, tt.wantInMsg) {
				t.Errorf("Message = %q, want containing %q", te.Message, tt.wantInMsg)
			}
			if !errors.Is(te, tt.err) {
				t.Error("cause should unwrap to the original error")
			}
			if te.Attempts != 2 {
				t.Errorf("Attempts = %d", te.Attempts)
			}
		})
	}
}

func TestNewTurnError_KeepsExisting(t *testing.T) {
	orig := depthExceededError(3)
	if got := newTurnError(fmt.Errorf("wrap: %w", orig), 1, true); got != orig {
		t.Errorf("got %v, want the original TurnError", got)
	}
	if !strings.Contains(orig.Message, "maximum tool call depth (3)") {
		t.Errorf("Message = %q", orig.Message)
	}
}

func TestTurnError_Error(t *testing.T) {
	te := &TurnError{Kind: ErrorProviderTransient, Message: "Lost the connection", Attempts: 3, Cause: errors.New("eof")}
	got := te.Error()
	for _, want := range []string{"provider_transient", "Lost the connection", "attempts=3", "eof"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}
