package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "lexgate",
	Short:         "lexgate - governed workflow control plane",
	Long:          `lexgate coordinates autonomous agents through a staged legislative workflow. Agent output stays non-authoritative until a human review gate approves it, and side effects run only through approved execution requests.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
	actor      string
)

func init() {
	hostname, _ := os.Hostname()

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", fmt.Sprintf("cli@%s", hostname), "Identity recorded on decisions and transitions")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(pollerCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
