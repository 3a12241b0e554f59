package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"kioskads/internal/app"
	"kioskads/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ad sync server terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	logger.Info("starting ad sync server",
		"http_port", cfg.HTTPPort,
		"mqtt_bind", cfg.MQTTBindAddress,
		"database", cfg.DatabasePath,
		"blob_backend", cfg.Blob.Backend,
		"public_url", cfg.BaseURL(),
		"mdns", cfg.MDNSEnabled,
		"admin_key_required", cfg.AdminAPIKey != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger).Run(ctx); err != nil {
		return err
	}
	logger.Info("ad sync server stopped cleanly")
	return nil
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
