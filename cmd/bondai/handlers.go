package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcarnahan/bondai/internal/agent"
	"github.com/jmcarnahan/bondai/internal/artifacts"
	"github.com/jmcarnahan/bondai/internal/config"
	"github.com/jmcarnahan/bondai/internal/mcp"
	"github.com/jmcarnahan/bondai/internal/stream"
	"github.com/jmcarnahan/bondai/internal/tools"
	"github.com/jmcarnahan/bondai/internal/tools/admin"
	"github.com/jmcarnahan/bondai/pkg/models"
)

type turnOptions struct {
	configPath  string
	threadID    string
	agentID     string
	sessionID   string
	input       string
	text        bool
	metricsAddr string
}

// runTurn handles the turn command.
func runTurn(cmd *cobra.Command, opts turnOptions) error {
	cfg, err := config.Load(resolveConfigPath(opts.configPath))
	if err != nil {
		return err
	}

	input := strings.TrimSpace(opts.input)
	if input == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(string(data))
	}
	if input == "" {
		return errors.New("input is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		srv, err := serveMetrics(addr, reg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	rt, err := buildRuntime(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			rt.logger.Warn("shutdown failed", "error", err)
		}
	}()

	threadID := opts.threadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	req := agent.TurnRequest{
		ThreadID:  threadID,
		AgentID:   opts.agentID,
		SessionID: opts.sessionID,
		Input:     input,
	}

	out := cmd.OutOrStdout()
	var buf bytes.Buffer
	w := out
	if opts.text {
		w = &buf
	}
	summary, err := rt.engine.Run(ctx, req, w)
	if summary == nil {
		return err
	}
	if opts.text {
		if perr := printFrames(out, &buf); perr != nil {
			return perr
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "thread=%s session=%s provider_calls=%d tool_calls=%d duration=%s\n",
		threadID, summary.SessionID, summary.ProviderCalls, summary.ToolCalls, summary.Duration.Round(time.Millisecond))
	if summary.Err != nil {
		return fmt.Errorf("turn failed (%s): %s", summary.Err.Kind, summary.Err.Message)
	}
	return err
}

func printFrames(w io.Writer, r io.Reader) error {
	frames, err := stream.Parse(r)
	if err != nil {
		return fmt.Errorf("parse frames: %w", err)
	}
	for _, f := range frames {
		if f.IsDone && !f.IsError {
			continue
		}
		switch {
		case f.IsError:
			fmt.Fprintf(w, "error: %s\n", f.Payload)
		case f.Type == models.FrameText:
			fmt.Fprintln(w, f.Payload)
		default:
			fmt.Fprintf(w, "[%s] %s\n", f.Type, f.Payload)
		}
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv, nil
}

// runHistory handles the history command.
func runHistory(cmd *cobra.Command, configPath, threadID string, limit int) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	if cfg.Sessions.Driver == config.SessionDriverMemory {
		return errors.New("history needs a persistent session store (sessions.driver: postgres)")
	}
	store, err := openSessionStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		defer c.Close()
	}

	messages, err := store.History(cmd.Context(), threadID, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(messages) == 0 {
		fmt.Fprintln(out, "No messages recorded.")
		return nil
	}
	for _, m := range messages {
		fmt.Fprintf(out, "%s %-9s %-10s %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Type, m.Content)
	}
	return nil
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s is invalid:\n", path)
			for _, issue := range ve.Issues {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue)
			}
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid\n", path)
	fmt.Fprintf(out, "  agent:       %s (alias %s, %s)\n", cfg.Provider.Bedrock.AgentID, cfg.Provider.Bedrock.AgentAliasID, cfg.Provider.Bedrock.Region)
	fmt.Fprintf(out, "  sessions:    %s\n", cfg.Sessions.Driver)
	fmt.Fprintf(out, "  files:       %s\n", describeFiles(cfg))
	fmt.Fprintf(out, "  mcp servers: %d\n", len(cfg.MCP.Servers))
	fmt.Fprintf(out, "  max depth:   %d\n", cfg.Turn.MaxToolCallDepth)
	return nil
}

func describeFiles(cfg *config.Config) string {
	switch {
	case cfg.Files.S3.Bucket != "":
		return "s3://" + cfg.Files.S3.Bucket + "/" + cfg.Files.S3.Prefix
	case cfg.Files.LocalDir != "":
		return cfg.Files.LocalDir
	default:
		return "inline only"
	}
}

// runToolsResolve handles the tools resolve command.
func runToolsResolve(cmd *cobra.Command, paths []string) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tNAMESPACE\tSERVER\tTOOL")
	for _, p := range paths {
		route := tools.Resolve(p)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p, route.Namespace, dash(route.Server), dash(route.Tool))
	}
	return tw.Flush()
}

// runToolsServers handles the tools servers command.
func runToolsServers(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	pool, err := mcp.NewPool(cfg.MCP.Servers, slog.Default())
	if err != nil {
		return err
	}
	defer pool.Close()

	registry := admin.NewRegistry()
	registry.Register(admin.ListServers[mcp.ServerInfo](pool))

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPATH PREFIX")
	for _, s := range pool.Servers() {
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, tools.MCPPath(s.Hash, ""))
	}
	for _, name := range registry.Names() {
		fmt.Fprintf(tw, "(admin)\t%s\n", tools.AdminPath(name))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// openConfiguredFileStore loads the config and opens its file store. File ids
// are the file_id values of file link frames.
func openConfiguredFileStore(cmd *cobra.Command, configPath string) (artifacts.Store, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	store, err := openFileStore(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("no file store configured (set files.s3.bucket or files.local_dir)")
	}
	return store, nil
}

func runFilesGet(cmd *cobra.Command, configPath, id, output string) error {
	store, err := openConfiguredFileStore(cmd, configPath)
	if err != nil {
		return err
	}
	rc, err := store.Get(cmd.Context(), id)
	if errors.Is(err, artifacts.ErrNotFound) {
		return fmt.Errorf("file %q not found", id)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	if output == "" {
		_, err = io.Copy(cmd.OutOrStdout(), rc)
		return err
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, output)
	return nil
}

func runFilesDelete(cmd *cobra.Command, configPath string, ids []string) error {
	store, err := openConfiguredFileStore(cmd, configPath)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := store.Delete(cmd.Context(), id); err != nil {
			return fmt.Errorf("delete %q: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
	}
	return nil
}
