package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vadosdog/multipleWebSocketServer/internal/server"
	"github.com/vadosdog/multipleWebSocketServer/pkg/config"
	"github.com/vadosdog/multipleWebSocketServer/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warn("Falling back to info logging", slog.Any("error", err))
	}
	logger = logging.New(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, cfg)
	if err != nil {
		logger.Error("Failed to build server", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Listen(ctx); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
