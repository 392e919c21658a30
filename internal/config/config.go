// Package config loads and validates bondai configuration files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmcarnahan/bondai/internal/agent"
	"github.com/jmcarnahan/bondai/internal/agent/providers"
	"github.com/jmcarnahan/bondai/internal/artifacts"
	"github.com/jmcarnahan/bondai/internal/compaction"
	"github.com/jmcarnahan/bondai/internal/mcp"
	"github.com/jmcarnahan/bondai/internal/observability"
	"github.com/jmcarnahan/bondai/internal/retry"
	"github.com/jmcarnahan/bondai/internal/sessions"
)

// Config is the root configuration.
type Config struct {
	Version    int                       `yaml:"version"`
	Provider   ProviderConfig            `yaml:"provider"`
	Turn       TurnConfig                `yaml:"turn"`
	Retry      RetryConfig               `yaml:"retry"`
	Compaction CompactionConfig          `yaml:"compaction"`
	Files      FilesConfig               `yaml:"files"`
	Sessions   SessionsConfig            `yaml:"sessions"`
	MCP        MCPConfig                 `yaml:"mcp"`
	Logging    observability.LogConfig   `yaml:"logging"`
	Tracing    observability.TraceConfig `yaml:"tracing"`
	Metrics    MetricsConfig             `yaml:"metrics"`
}

// ProviderConfig selects the hosted agent.
type ProviderConfig struct {
	Bedrock BedrockConfig `yaml:"bedrock"`
}

// BedrockConfig configures the Bedrock Agents provider.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AgentID         string `yaml:"agent_id"`
	AgentAliasID    string `yaml:"agent_alias_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	EnableTrace     bool   `yaml:"enable_trace"`
	Endpoint        string `yaml:"endpoint"`
}

// TurnConfig bounds a single turn.
type TurnConfig struct {
	MaxToolCallDepth int           `yaml:"max_tool_call_depth"`
	ToolConcurrency  int           `yaml:"tool_concurrency"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	// LockTimeout bounds the wait for a thread held by another turn.
	LockTimeout      time.Duration `yaml:"lock_timeout"`
}

// RetryConfig configures provider call retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CompactionConfig configures tool result compaction.
type CompactionConfig struct {
	MaxBytes         int           `yaml:"max_bytes"`
	MinRecordsForCSV int           `yaml:"min_records_for_csv"`
	MaxCellLength    int           `yaml:"max_cell_length"`
	Records          RecordsConfig `yaml:"records"`
}

// RecordsConfig lists the keys searched for record arrays.
type RecordsConfig struct {
	Keys []string `yaml:"keys"`
}

// FilesConfig configures where agent files go.
type FilesConfig struct {
	InlineMaxBytes int           `yaml:"inline_max_bytes"`
	S3             S3FilesConfig `yaml:"s3"`
	LocalDir       string        `yaml:"local_dir"`
}

// S3FilesConfig configures S3 file storage. Bucket empty disables it.
type S3FilesConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Session store drivers.
const (
	SessionDriverMemory   = "memory"
	SessionDriverPostgres = "postgres"
)

// SessionsConfig selects the session store.
type SessionsConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// MCPConfig lists MCP servers.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultLockTimeout is how long a turn waits for its thread.
const DefaultLockTimeout = 10 * time.Second

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Provider.Bedrock.Region == "" {
		cfg.Provider.Bedrock.Region = "us-east-1"
	}
	if cfg.Provider.Bedrock.AgentAliasID == "" {
		cfg.Provider.Bedrock.AgentAliasID = providers.DefaultAgentAliasID
	}

	turn := agent.DefaultConfig()
	if cfg.Turn.MaxToolCallDepth == 0 {
		cfg.Turn.MaxToolCallDepth = turn.MaxToolCallDepth
	}
	if cfg.Turn.ToolConcurrency == 0 {
		cfg.Turn.ToolConcurrency = turn.ToolConcurrency
	}
	if cfg.Turn.ToolTimeout == 0 {
		cfg.Turn.ToolTimeout = turn.ToolTimeout
	}
	if cfg.Turn.LockTimeout == 0 {
		cfg.Turn.LockTimeout = DefaultLockTimeout
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = policy.MaxAttempts
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = policy.BaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = policy.MaxDelay
	}

	budget := compaction.DefaultBudget()
	if cfg.Compaction.MaxBytes == 0 {
		cfg.Compaction.MaxBytes = budget.MaxBytes
	}
	if cfg.Compaction.MinRecordsForCSV == 0 {
		cfg.Compaction.MinRecordsForCSV = budget.MinRecordsForCSV
	}
	if cfg.Compaction.MaxCellLength == 0 {
		cfg.Compaction.MaxCellLength = budget.MaxCellLength
	}
	if len(cfg.Compaction.Records.Keys) == 0 {
		cfg.Compaction.Records.Keys = append([]string(nil), budget.RecordKeys...)
	}

	if cfg.Files.InlineMaxBytes == 0 {
		cfg.Files.InlineMaxBytes = artifacts.DefaultInlineMaxBytes
	}
	if cfg.Files.S3.Region == "" {
		cfg.Files.S3.Region = cfg.Provider.Bedrock.Region
	}

	if cfg.Sessions.Driver == "" {
		cfg.Sessions.Driver = SessionDriverMemory
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "bondai"
	}
}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	if strings.TrimSpace(c.Provider.Bedrock.AgentID) == "" {
		add("provider.bedrock.agent_id is required")
	}
	if (c.Provider.Bedrock.AccessKeyID == "") != (c.Provider.Bedrock.SecretAccessKey == "") {
		add("provider.bedrock.access_key_id and secret_access_key must be set together")
	}

	if c.Turn.MaxToolCallDepth < 1 {
		add("turn.max_tool_call_depth must be at least 1")
	}
	if c.Turn.ToolConcurrency < 1 {
		add("turn.tool_concurrency must be at least 1")
	}
	if c.Turn.ToolTimeout < 0 {
		add("turn.tool_timeout must not be negative")
	}
	if c.Turn.LockTimeout < 0 {
		add("turn.lock_timeout must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		add("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		add("retry.base_delay must not exceed retry.max_delay")
	}

	if c.Compaction.MaxBytes < 1024 {
		add("compaction.max_bytes must be at least 1024")
	}
	if c.Compaction.MinRecordsForCSV < 1 {
		add("compaction.min_records_for_csv must be at least 1")
	}
	if c.Compaction.MaxCellLength < 1 {
		add("compaction.max_cell_length must be at least 1")
	}
	for i, key := range c.Compaction.Records.Keys {
		if strings.TrimSpace(key) == "" {
			add("compaction.records.keys[%d] is empty", i)
		}
	}

	if c.Files.InlineMaxBytes < 0 {
		add("files.inline_max_bytes must not be negative")
	}
	if c.Files.S3.Bucket != "" && c.Files.LocalDir != "" {
		add("files.s3.bucket and files.local_dir are mutually exclusive")
	}

	switch c.Sessions.Driver {
	case SessionDriverMemory:
	case SessionDriverPostgres:
		if strings.TrimSpace(c.Sessions.DSN) == "" {
			add("sessions.dsn is required for the postgres driver")
		}
	default:
		add("sessions.driver %q is not supported (use memory or postgres)", c.Sessions.Driver)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, srv := range c.MCP.Servers {
		name := strings.TrimSpace(srv.Name)
		switch {
		case name == "":
			add("mcp.servers[%d].name is required", i)
		case seen[name]:
			add("mcp.servers[%d].name %q is duplicated", i, name)
		}
		seen[name] = true
		if (srv.URL == "") == (srv.Command == "") {
			add("mcp.servers[%d] must set exactly one of url or command", i)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// EngineConfig returns the turn limits.
func (c *Config) EngineConfig() agent.Config {
	return agent.Config{
		MaxToolCallDepth: c.Turn.MaxToolCallDepth,
		ToolConcurrency:  c.Turn.ToolConcurrency,
		ToolTimeout:      c.Turn.ToolTimeout,
	}
}

// RetryPolicy returns the provider retry policy. The classifier is set by
// the engine.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// Budget returns the compaction budget.
func (c *Config) Budget() compaction.Budget {
	return compaction.Budget{
		MaxBytes:         c.Compaction.MaxBytes,
		MinRecordsForCSV: c.Compaction.MinRecordsForCSV,
		MaxCellLength:    c.Compaction.MaxCellLength,
		RecordKeys:       append([]string(nil), c.Compaction.Records.Keys...),
	}
}

// BedrockConfig returns the provider settings.
func (c *Config) BedrockConfig() providers.BedrockConfig {
	b := c.Provider.Bedrock
	return providers.BedrockConfig{
		Region:          b.Region,
		AccessKeyID:     b.AccessKeyID,
		SecretAccessKey: b.SecretAccessKey,
		SessionToken:    b.SessionToken,
		AgentID:         b.AgentID,
		AgentAliasID:    b.AgentAliasID,
		EnableTrace:     b.EnableTrace,
		Endpoint:        b.Endpoint,
	}
}

// S3StoreConfig returns the S3 file store settings.
func (c *Config) S3StoreConfig() artifacts.S3StoreConfig {
	s := c.Files.S3
	return artifacts.S3StoreConfig{
		Bucket:          s.Bucket,
		Region:          s.Region,
		Endpoint:        s.Endpoint,
		Prefix:          s.Prefix,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		UsePathStyle:    s.UsePathStyle,
	}
}

// PostgresConfig returns the Postgres session store settings.
func (c *Config) PostgresConfig() sessions.PostgresConfig {
	pg := sessions.DefaultPostgresConfig()
	pg.DSN = c.Sessions.DSN
	if c.Sessions.MaxOpenConns > 0 {
		pg.MaxOpenConns = c.Sessions.MaxOpenConns
	}
	if c.Sessions.MaxIdleConns > 0 {
		pg.MaxIdleConns = c.Sessions.MaxIdleConns
	}
	if c.Sessions.ConnMaxLifetime > 0 {
		pg.ConnMaxLifetime = c.Sessions.ConnMaxLifetime
	}
	return pg
}
