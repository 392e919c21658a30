// Package admin holds built-in tools addressed under the /_bond/ prefix.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for an unregistered tool name.
var ErrNotFound = errors.New("admin tool not found")

// Tool is a built-in tool.
type Tool interface {
	Name() string
	Execute(ctx context.Context, params map[string]string) (string, error)
}

// Func adapts a function to Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]string) (string, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Execute(ctx context.Context, params map[string]string) (string, error) {
	return f.Fn(ctx, params)
}

// Registry maps names to admin tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.Execute(ctx, params)
}

// ServerLister reports configured MCP servers.
type ServerLister[T any] interface {
	Servers() []T
}

// ListServers returns the list_mcp_servers tool, which reports every
// configured MCP server with the hash used in its tool paths.
func ListServers[T any](lister ServerLister[T]) Tool {
	return Func{
		ToolName: "list_mcp_servers",
		Fn: func(context.Context, map[string]string) (string, error) {
			servers := lister.Servers()
			if servers == nil {
				servers = []T{}
			}
			data, err := json.Marshal(map[string]any{"servers": servers})
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}
