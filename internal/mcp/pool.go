// Package mcp leases sessions to configured MCP servers and calls their
// tools.
package mcp

import (
	"context"
	"crypto/sha1" // #nosec G505 -- used for short stable identifiers, not security
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultMaxSessions is the per-server session limit.
const DefaultMaxSessions = 4

var (
	// ErrUnknownServer is returned for a hash that matches no server.
	ErrUnknownServer = errors.New("mcp: unknown server")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("mcp: pool closed")
)

// ServerConfig describes one MCP server. Either URL (streamable HTTP) or
// Command (stdio) is set.
type ServerConfig struct {
	Name        string            `yaml:"name"`
	URL         string            `yaml:"url"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	MaxSessions int               `yaml:"max_sessions"`
}

// ServerInfo identifies a configured server.
type ServerInfo struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// ToolOutput is the text content of a tool call.
type ToolOutput struct {
	Text    string
	IsError bool
}

// Session is the part of an MCP client session the pool uses.
type Session interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// Dialer opens a new session to a server.
type Dialer func(ctx context.Context, cfg ServerConfig) (Session, error)

// HashServerName returns the 8 hex character identifier used in tool paths.
func HashServerName(name string) string {
	sum := sha1.Sum([]byte(name)) // #nosec G401 -- identifier, not security
	return hex.EncodeToString(sum[:])[:8]
}

// Pool leases sessions per server. Sessions are returned after every call
// and never held across turns.
type Pool struct {
	dial   Dialer
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*server
	closed  bool
}

type server struct {
	cfg  ServerConfig
	hash string
	sem  chan struct{}

	mu   sync.Mutex
	idle []Session
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialer replaces the go-sdk dialer.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// NewPool validates servers and returns an idle pool. No connection is made
// until the first call.
func NewPool(servers []ServerConfig, logger *slog.Logger, opts ...Option) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		dial:    DialSDK,
		logger:  logger.With("component", "mcp"),
		servers: make(map[string]*server, len(servers)),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, cfg := range servers {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, errors.New("mcp: server name is required")
		}
		if cfg.URL == "" && cfg.Command == "" {
			return nil, fmt.Errorf("mcp: server %q needs a url or a command", name)
		}
		hash := HashServerName(name)
		if existing, ok := p.servers[hash]; ok {
			return nil, fmt.Errorf("mcp: servers %q and %q share id %s", existing.cfg.Name, name, hash)
		}
		max := cfg.MaxSessions
		if max <= 0 {
			max = DefaultMaxSessions
		}
		cfg.Name = name
		p.servers[hash] = &server{cfg: cfg, hash: hash, sem: make(chan struct{}, max)}
	}
	return p, nil
}

// Servers lists configured servers sorted by name.
func (p *Pool) Servers() []ServerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ServerInfo, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, ServerInfo{Name: s.cfg.Name, Hash: s.hash})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lease is exclusive use of one session.
type Lease struct {
	Session Session

	pool   *Pool
	server *server
	once   sync.Once
}

// Release returns the session. An unhealthy session is closed instead of
// pooled.
func (l *Lease) Release(healthy bool) {
	l.once.Do(func() {
		defer func() { <-l.server.sem }()

		l.pool.mu.Lock()
		closed := l.pool.closed
		l.pool.mu.Unlock()

		if !healthy || closed {
			if err := l.Session.Close(); err != nil {
				l.pool.logger.Debug("close mcp session", "server", l.server.cfg.Name, "error", err)
			}
			return
		}
		l.server.mu.Lock()
		l.server.idle = append(l.server.idle, l.Session)
		l.server.mu.Unlock()
	})
}

// Acquire leases a session to the server identified by hash, waiting for a
// free slot.
func (p *Pool) Acquire(ctx context.Context, hash string) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	srv, ok := p.servers[hash]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, hash)
	}

	select {
	case srv.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	srv.mu.Lock()
	var sess Session
	if n := len(srv.idle); n > 0 {
		sess = srv.idle[n-1]
		srv.idle = srv.idle[:n-1]
	}
	srv.mu.Unlock()

	if sess == nil {
		var err error
		sess, err = p.dial(ctx, srv.cfg)
		if err != nil {
			<-srv.sem
			return nil, fmt.Errorf("connect to MCP server %s: %w", srv.cfg.Name, err)
		}
		p.logger.Debug("opened mcp session", "server", srv.cfg.Name)
	}
	return &Lease{Session: sess, pool: p, server: srv}, nil
}

// CallTool runs tool on the server identified by hash.
func (p *Pool) CallTool(ctx context.Context, hash, tool string, args map[string]any) (ToolOutput, error) {
	lease, err := p.Acquire(ctx, hash)
	if err != nil {
		return ToolOutput{}, err
	}
	result, err := lease.Session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	lease.Release(err == nil)
	if err != nil {
		return ToolOutput{}, fmt.Errorf("call tool %s: %w", tool, err)
	}
	return ToolOutput{Text: formatContent(result), IsError: result.IsError}, nil
}

// Close closes idle sessions. Leased sessions are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	servers := make([]*server, 0, len(p.servers))
	for _, s := range p.servers {
		servers = append(servers, s)
	}
	p.mu.Unlock()

	var errs []error
	for _, s := range servers {
		s.mu.Lock()
		idle := s.idle
		s.idle = nil
		s.mu.Unlock()
		for _, sess := range idle {
			if err := sess.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// DialSDK connects with the go-sdk client over streamable HTTP or stdio.
func DialSDK(ctx context.Context, cfg ServerConfig) (Session, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "bondai",
		Version: "1.0.0",
	}, nil)

	var transport mcpsdk.Transport
	if cfg.URL != "" {
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	} else {
		// Not bound to ctx: the process outlives the call that started it.
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func formatContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range result.Content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			b.WriteString(v.Text)
		default:
			if data, err := json.Marshal(c); err == nil {
				b.Write(data)
			}
		}
	}
	if b.Len() == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			b.Write(data)
		}
	}
	return b.String()
}
