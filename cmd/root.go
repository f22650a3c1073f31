// Package cmd provides the standalone entrypoint: a cobra root command that
// wires a Runtime, a TaskRunner Scheduler, and the httpapi Server together
// with hardcoded defaults. Config-file parsing is explicitly out of scope
// (see internal/runtime.Options) — every value here is a flag or an env var.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/wangenius/shipmyagent/cmd.Version=v1.0.0"
var Version = "dev"

var (
	rootDir string
	addr    string
	token   string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "shipmyagent",
	Short: "shipmyagent — a chat-driven agent runtime",
	Long: "shipmyagent runs the agent turn engine, shell tool sessions, and the cron task " +
		"runner behind a small HTTP surface. Telegram/Feishu/QQ adapters start when their " +
		"credentials are set in the environment; the LLM provider is supplied by the embedder. " +
		"This binary is a thin, config-free runner for local use.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", defaultRootDir(), "runtime root directory (ship.json, logs/, task/, history live in its .ship/ subdirectory)")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", ":8787", "address the HTTP API listens on")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SHIPMYAGENT_TOKEN"), "bearer token required on /api/* routes (default: $SHIPMYAGENT_TOKEN, empty disables auth)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
}

func defaultRootDir() string {
	if v := os.Getenv("SHIPMYAGENT_ROOT"); v != "" {
		return v
	}
	return "."
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shipmyagent %s\n", Version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime and its HTTP API (the root command's default action)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
