// Package main provides the tally CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/richinex/tally/cli"
	"github.com/richinex/tally/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	provider    string
	script      string
	engine      string
	prompt      string
	maxIter     int
	toolRetries uint32
	verbose     bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "tally",
		Short: "Ask questions about a SQL script in plain language",
		Long: `Loads a SQL script into an in-memory database and answers questions
about it with a tool-calling LLM agent.

The agent lists the tables, reads their schema, checks its query and runs
it read-only. Serve it behind a login page, ask from the shell, chat in the
terminal, or expose the database tools to MCP clients.`,
		Version:       cli.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider ("+strings.Join(config.SupportedProviders(), ", ")+"), default LLM_PROVIDER")
	rootCmd.PersistentFlags().StringVarP(&script, "script", "s", "", "SQL script to load, default TALLY_SCRIPT")
	rootCmd.PersistentFlags().StringVar(&engine, "engine", "", "Database engine (sqlite, duckdb), default TALLY_ENGINE")
	rootCmd.PersistentFlags().StringVar(&prompt, "prompt", "", "Agent prompt ("+strings.Join(cli.AvailableAgents(), ", ")+"), default AGENT_PROMPT")
	rootCmd.PersistentFlags().IntVarP(&maxIter, "max-iter", "m", 0, "Maximum agent iterations, default AGENT_MAX_ITERATIONS")
	rootCmd.PersistentFlags().Uint32Var(&toolRetries, "tool-retries", 0, "Maximum attempts per tool call, default TOOL_MAX_RETRIES")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(tablesCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(secretCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func options() cli.Options {
	return cli.Options{
		Provider:    provider,
		Script:      script,
		Engine:      engine,
		Prompt:      prompt,
		MaxIter:     maxIter,
		ToolRetries: toolRetries,
		Verbose:     verbose,
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the login-gated query page",
		Long: `Serve the browser UI. Users log in, type a question and get the
agent's answer. POST /api/query accepts {"query": "..."} from a logged-in
session. Stops gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Serve(context.Background(), addr, options())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, default TALLY_ADDR (:8501)")

	return cmd
}

func askCmd() *cobra.Command {
	var trace bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question on stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := cli.OutputAnswer
			switch {
			case trace:
				output = cli.OutputTrace
			case asJSON:
				output = cli.OutputJSON
			}
			return cli.Ask(context.Background(), args[0], output, options())
		},
	}

	cmd.Flags().BoolVar(&trace, "trace", false, "Print every event of the run, not just the answer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run as JSON with its steps and token usage")
	cmd.MarkFlagsMutuallyExclusive("trace", "json")

	return cmd
}

func chatCmd() *cobra.Command {
	var sessionID string
	var dbPath string
	var listSessions bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session behind the login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listSessions {
				return cli.ListSessions(context.Background(), dbPath)
			}
			return cli.Chat(context.Background(), sessionID, dbPath, options())
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID for conversation persistence")
	cmd.Flags().StringVar(&dbPath, "db", cli.DefaultDBPath(), "Database path for chat history")
	cmd.Flags().BoolVar(&listSessions, "list-sessions", false, "List saved sessions, most recent first, and exit")

	return cmd
}

func mcpCmd() *cobra.Command {
	var printConfig bool
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve list_tables, table_schema and run_query over MCP stdio",
		Long: `Serve the database tools to MCP clients over stdin/stdout. No LLM is
involved, so no API key is needed.

--print-config writes the client configuration that launches this server;
with --merge it is added to an existing configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printConfig {
				return cli.PrintMCPConfig(configPath, options())
			}
			return cli.ServeMCP(context.Background(), options())
		},
	}

	cmd.Flags().BoolVar(&printConfig, "print-config", false, "Print MCP client configuration and exit")
	cmd.Flags().StringVar(&configPath, "merge", "", "Existing MCP config file to merge into (with --print-config)")

	return cmd
}

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the loaded tables with row counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListTables(context.Background(), options())
		},
	}
}

func toolsCmd() *cobra.Command {
	var verboseTools bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List available tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.ListTools(verboseTools)
		},
	}

	cmd.Flags().BoolVarP(&verboseTools, "verbose", "V", false, "Show tool parameters")

	return cmd
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage provider API keys in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [provider] [key]",
		Short: "Store an API key (prompted without echo when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 2 {
				key = args[1]
			}
			return cli.SetSecret(args[0], key)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [provider]",
		Short: "Remove an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.DeleteSecret(args[0])
		},
	})

	return cmd
}
