// Package cmd holds the concierge CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/steiger/concierge/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/steiger/concierge/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgDir  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "concierge — personal AI assistant gateway",
	Long: "Concierge runs a personal AI assistant: local and hosted LLMs with tool " +
		"access, Matrix and Discord channels, scheduled tasks and an HTTP API.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default: $CONCIERGE_CONFIG or ~/.concierge)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("concierge %s\n", Version)
		},
	}
}

func resolveConfigDir() string {
	if cfgDir != "" {
		return cfgDir
	}
	return config.DefaultDir()
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigDir())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	return cfg
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
