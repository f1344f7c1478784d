package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/mochi-ai/mochi-server/cmd.Version=v0.4.0"
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mochi-server",
	Short: "Headless chat backend for local LLMs",
	Long: "mochi-server mediates between chat clients and a local Ollama-compatible daemon: " +
		"persistent sessions, streaming turns, tool execution with confirmation, and agent delegation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: MOCHI_* environment only)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mochi-server %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
