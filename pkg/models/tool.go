package models

import "net/http"

// ToolCall identifies a tool to run and its arguments.
type ToolCall struct {
	ActionGroup string            `json:"action_group"`
	Path        string            `json:"path"`
	HTTPMethod  string            `json:"http_method,omitempty"`
	Params      map[string]string `json:"params,omitempty"`

	// Function is set instead of Path for function-style action groups.
	Function string `json:"function,omitempty"`
}

// ToolPath returns the path used to resolve the executor.
func (c ToolCall) ToolPath() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Function
}

// ToolResult is the outcome of one tool execution. A failed result is data,
// not an error: Body carries the failure text.
type ToolResult struct {
	Success bool   `json:"success"`
	Body    string `json:"body"`
}

// ToolSucceeded returns a successful result.
func ToolSucceeded(body string) ToolResult {
	return ToolResult{Success: true, Body: body}
}

// ToolFailed returns a failed result carrying msg.
func ToolFailed(msg string) ToolResult {
	return ToolResult{Success: false, Body: msg}
}

// ToolResponse is a tool result wrapped for the provider. StatusCode is
// always 200; failures are described inside Body.
type ToolResponse struct {
	Call        ToolCall `json:"call"`
	StatusCode  int      `json:"status_code"`
	ContentType string   `json:"content_type"`
	Body        string   `json:"body"`
}

// NewToolResponse wraps body for call with a transport-success status.
func NewToolResponse(call ToolCall, contentType, body string) ToolResponse {
	return ToolResponse{
		Call:        call,
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Body:        body,
	}
}
