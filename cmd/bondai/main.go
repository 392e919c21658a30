// Package main provides the CLI entry point for bondai, a streaming turn
// engine for hosted agents that call tools mid-response.
//
// # Basic Usage
//
// Run one turn and print the framed output:
//
//	bondai turn --thread t1 "what changed in PROJ-42?"
//
// Check a configuration file:
//
//	bondai config validate --config bondai.yaml
//
// Show how a tool path is dispatched:
//
//	bondai tools resolve /b.1a2b3c4d.search
//
// # Environment Variables
//
//   - BONDAI_CONFIG: Path to configuration file (default: bondai.yaml)
//   - AWS_REGION, AWS_PROFILE: standard AWS SDK settings when no static
//     credentials are configured
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "bondai.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bondai",
		Short: "bondai - streaming turns against hosted agents",
		Long: `bondai runs conversation turns against a hosted agent, executes the
tools the agent asks for (MCP servers and built-in admin tools), and streams
the response as framed messages.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildTurnCmd(),
		buildHistoryCmd(),
		buildConfigCmd(),
		buildToolsCmd(),
		buildFilesCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("BONDAI_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
