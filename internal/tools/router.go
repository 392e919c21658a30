package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcarnahan/bondai/internal/mcp"
	"github.com/jmcarnahan/bondai/internal/tools/admin"
	"github.com/jmcarnahan/bondai/pkg/models"
)

// Executor runs a tool by path. Failures are returned as data, never as an
// error: the model reads them and may retry with different arguments.
type Executor interface {
	Execute(ctx context.Context, toolPath string, params map[string]string) models.ToolResult
}

// MCPCaller calls a tool on the MCP server identified by hash.
type MCPCaller interface {
	CallTool(ctx context.Context, hash, tool string, args map[string]any) (mcp.ToolOutput, error)
}

// Router dispatches a tool path to the MCP pool or the admin registry.
type Router struct {
	mcp    MCPCaller
	admin  *admin.Registry
	logger *slog.Logger
}

// NewRouter returns a Router. Either backend may be nil, in which case paths
// in its namespace fail.
func NewRouter(mcpCaller MCPCaller, registry *admin.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{mcp: mcpCaller, admin: registry, logger: logger.With("component", "tools")}
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, toolPath string, params map[string]string) models.ToolResult {
	route := Resolve(toolPath)
	switch route.Namespace {
	case NamespaceMCP:
		if r.mcp == nil {
			return models.ToolFailed("no MCP servers are configured")
		}
		out, err := r.mcp.CallTool(ctx, route.Server, route.Tool, mcpArguments(params))
		if err != nil {
			r.logger.Warn("mcp tool failed", "path", toolPath, "error", err)
			return models.ToolFailed(err.Error())
		}
		if out.IsError {
			return models.ToolFailed(out.Text)
		}
		return models.ToolSucceeded(out.Text)

	case NamespaceAdmin:
		if r.admin == nil {
			return models.ToolFailed("no admin tools are registered")
		}
		body, err := r.admin.Execute(ctx, route.Tool, params)
		if err != nil {
			r.logger.Warn("admin tool failed", "path", toolPath, "error", err)
			return models.ToolFailed(err.Error())
		}
		return models.ToolSucceeded(body)
	}
	return models.ToolFailed(fmt.Sprintf("unknown tool path %q", toolPath))
}

// mcpArguments converts provider string parameters to MCP arguments. Values
// that look like JSON arrays or objects are decoded so structured inputs
// reach the server with their shape.
func mcpArguments(params map[string]string) map[string]any {
	args := make(map[string]any, len(params))
	for k, v := range params {
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
			var decoded any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				args[k] = decoded
				continue
			}
		}
		args[k] = v
	}
	return args
}
