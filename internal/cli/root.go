// Package cli implements the ltm-agent commands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zenin797/SunoTherapist/app"
	"github.com/Zenin797/SunoTherapist/config"
)

var (
	configPath string
	verbose    bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "ltm-agent",
	Short: "Conversational agent with long-term memory",
	Long: "A chat agent that remembers facts, episodes and procedures across conversations.\n" +
		"Memories are stored per user and recalled by semantic similarity.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./ltm-agent.yaml or ~/.ltm-agent/ltm-agent.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	config.SetupLogging(cfg.Log)
	return cfg, nil
}

func openApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, opts...)
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
