package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// buildTurnCmd creates the "turn" command.
func buildTurnCmd() *cobra.Command {
	var opts turnOptions
	cmd := &cobra.Command{
		Use:   "turn [input...]",
		Short: "Run one conversation turn",
		Long: `Run one turn against the configured agent and write the framed
response to stdout. Input is taken from the arguments, or from stdin when no
arguments are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.input = strings.Join(args, " ")
			return runTurn(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file (default: $BONDAI_CONFIG or bondai.yaml)")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "Thread id (default: a new id)")
	cmd.Flags().StringVar(&opts.agentID, "agent", "", "Agent id (default: provider.bedrock.agent_id)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Provider session id to resume")
	cmd.Flags().BoolVar(&opts.text, "text", false, "Print frame payloads instead of raw frames")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the turn runs")
	return cmd
}

// buildHistoryCmd creates the "history" command.
func buildHistoryCmd() *cobra.Command {
	var configPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "history <thread-id>",
		Short: "Show recorded messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, configPath, args[0], limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of messages")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.AddCommand(validate)
	return cmd
}

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect tool dispatch",
	}
	resolve := &cobra.Command{
		Use:   "resolve <path>...",
		Short: "Show which executor a tool path dispatches to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsResolve(cmd, args)
		},
	}
	var configPath string
	servers := &cobra.Command{
		Use:   "servers",
		Short: "List configured MCP servers and their path prefixes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsServers(cmd, configPath)
		},
	}
	servers.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.AddCommand(resolve, servers)
	return cmd
}

// buildFilesCmd creates the "files" command group.
func buildFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Fetch or remove files stored by past turns",
	}
	var configPath, output string
	get := &cobra.Command{
		Use:   "get <file-id>",
		Short: "Write a stored file to stdout or --output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFilesGet(cmd, configPath, args[0], output)
		},
	}
	get.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	get.Flags().StringVarP(&output, "output", "o", "", "Write to this path instead of stdout")

	del := &cobra.Command{
		Use:   "delete <file-id>...",
		Short: "Delete stored files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFilesDelete(cmd, configPath, args)
		},
	}
	del.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.AddCommand(get, del)
	return cmd
}
