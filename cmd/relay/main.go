// Command relay is an Anthropic Messages API relay.
//
// It accepts Anthropic-format requests, routes them to a configured upstream
// provider (Anthropic-native or OpenAI-compatible), translates formats where
// needed and fails over between providers on qualifying errors.
//
// Quick-start:
//
//	./relay --listen :3456 --config config.yaml --log-level info
//
// Exit codes: 1 for configuration errors, 2 when the listen address cannot
// be bound. See .env.example for the environment variables.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/claude-relay/internal/app"
	"github.com/nulpointcorp/claude-relay/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialise the application — snapshot parsing and infra connections
	// happen here, so any failure is a configuration problem.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("bind failed",
			slog.String("addr", cfg.Listen),
			slog.String("error", err.Error()),
		)
		os.Exit(2)
	}

	if err := a.Run(ctx, ln); err != nil {
		logger.Error("relay stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
