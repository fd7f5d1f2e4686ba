// Command mcdctl manages Maker CDPs through a DSProxy. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and runs either the HTTP API or a one-shot command.
//
// Usage:
//
//	mcdctl [-config config.toml] [mode] [args...]
//
// The mode defaults to the configured one, normally "serve".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/abbaskiko/mcdkit/internal/app"
	"github.com/abbaskiko/mcdkit/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: mcdctl [-config path] [%s] [args...]\n", strings.Join(config.Modes, "|"))
		flag.PrintDefaults()
	}
	flag.Parse()

	// Logs go to stderr; command output owns stdout.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) > 0 {
		cfg.Mode = args[0]
		args = args[1:]
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = application.Run(ctx, args)
	stop()
	application.Close()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("mcdctl interrupted")
			return
		}
		logger.Error("mcdctl exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
