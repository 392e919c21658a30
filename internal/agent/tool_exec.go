package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jmcarnahan/bondai/internal/observability"
	"github.com/jmcarnahan/bondai/internal/tools"
	"github.com/jmcarnahan/bondai/pkg/models"
	"golang.org/x/sync/errgroup"
)

// runTools executes one batch of calls and returns the wrapped responses in
// request order. It never fails: every failure becomes a response body.
func (e *Engine) runTools(ctx context.Context, t *turn, calls []models.ToolCall) []models.ToolResponse {
	responses := make([]models.ToolResponse, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			responses[i] = e.runTool(gctx, t, call)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

func (e *Engine) runTool(ctx context.Context, t *turn, call models.ToolCall) models.ToolResponse {
	path := call.ToolPath()
	namespace := tools.Resolve(path).Namespace.String()

	ctx, span := e.deps.Tracer.TraceToolExecution(ctx, path, namespace)
	defer span.End()

	start := time.Now()
	result := e.executeWithTimeout(ctx, call)
	elapsed := time.Since(start)

	status := "success"
	body := result.Body
	if !result.Success {
		status = "error"
		toolErr := &ToolError{Path: path, Message: result.Body}
		observability.RecordError(span, toolErr)
		e.logger.WarnContext(ctx, "tool returned an error",
			"path", path, "error", toolErr.Message, "duration_ms", elapsed.Milliseconds())
		body = toolErrorBody(path, result.Body)
	}
	e.deps.Metrics.RecordToolExecution(namespace, status, elapsed.Seconds())

	compacted := e.deps.Compactor.Compact(body)
	e.deps.Metrics.RecordCompaction(string(compacted.Format), compacted.Truncated, compacted.OriginalBytes, len(compacted.Body))
	if compacted.Truncated || compacted.Oversized(e.deps.Compactor.Budget().MaxBytes) {
		t.markOversized()
		e.logger.InfoContext(ctx, "compacted oversized tool result",
			"path", path,
			"format", compacted.Format,
			"original_bytes", compacted.OriginalBytes,
			"bytes", len(compacted.Body),
			"truncated", compacted.Truncated,
		)
	}
	return models.NewToolResponse(call, compacted.Format.ContentType(), compacted.Body)
}

// executeWithTimeout runs the executor under the per-call timeout. A result
// that arrives after the deadline is discarded.
func (e *Engine) executeWithTimeout(ctx context.Context, call models.ToolCall) models.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	resultCh := make(chan models.ToolResult, 1)
	go func() {
		resultCh <- e.safeExecute(ctx, call)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ToolFailed(fmt.Sprintf("tool execution timed out after %v", e.cfg.ToolTimeout))
		}
		return models.ToolFailed("tool execution canceled")
	}
}

func (e *Engine) safeExecute(ctx context.Context, call models.ToolCall) (result models.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "tool panicked",
				"path", call.ToolPath(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result = models.ToolFailed(fmt.Sprintf("tool panicked: %v", r))
		}
	}()
	return e.deps.Tools.Execute(ctx, call.ToolPath(), call.Params)
}

// toolErrorBody is the body reported for a failed tool. The transport status
// stays 200 so the model can read it.
func toolErrorBody(path, msg string) string {
	data, err := json.Marshal(map[string]any{
		"error": map[string]string{"tool": path, "message": msg},
	})
	if err != nil {
		return msg
	}
	return string(data)
}
