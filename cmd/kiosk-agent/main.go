package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"kioskads/internal/config"
	"kioskads/internal/kiosk/agent"
)

var profilePath string

var rootCmd = &cobra.Command{
	Use:           "kiosk-agent",
	Short:         "Keeps a kiosk's ad cache in sync and plays it",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync, play and follow push notifications until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, logger, err := newAgent()
		if err != nil {
			return err
		}
		if err := a.Run(cmd.Context()); err != nil {
			return err
		}
		logger.Info("kiosk agent stopped cleanly")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, logger, err := newAgent()
		if err != nil {
			return err
		}
		res, err := a.SyncOnce(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("sync finished",
			"downloaded", res.Downloaded, "unchanged", res.Unchanged, "purged", res.Purged, "failed", res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("%d ads failed to download", res.Failed)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the local cache with the server and print the result as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, _, err := newAgent()
		if err != nil {
			return err
		}
		report, err := a.Check(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profilePath, "config", "c", "kiosk.toml", "TOML agent profile")
	rootCmd.AddCommand(runCmd, syncCmd, checkCmd)
}

func newAgent() (*agent.Agent, *slog.Logger, error) {
	cfg, err := config.LoadAgent(profilePath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	return agent.New(cfg, logger), logger, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("kiosk agent failed", "error", err)
		os.Exit(1)
	}
}

func logLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
