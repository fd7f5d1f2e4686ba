// Package app wires mcdctl's dependencies and runs the selected command:
// the HTTP server, one-shot position commands, archiving or key
// encryption.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/abbaskiko/mcdkit/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// Run wires all dependencies, runs cfg.Mode with args and returns when the
// command finishes or ctx is cancelled.
func (a *App) Run(ctx context.Context, args []string) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	if mode == "encrypt-key" {
		return a.EncryptKeyMode(args)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	return a.dispatch(ctx, mode, args, deps)
}

func (a *App) dispatch(ctx context.Context, mode string, args []string, deps *Dependencies) error {
	if mode == "serve" {
		return a.ServeMode(ctx, deps)
	}
	if mode == "archive" {
		return a.ArchiveMode(ctx, deps)
	}

	stop := a.startJournal(deps)
	defer stop()

	switch mode {
	case "proxy":
		return a.ProxyMode(ctx, deps)
	case "open":
		return a.OpenMode(ctx, deps, args)
	case "open-lock-draw":
		return a.OpenLockDrawMode(ctx, deps, args)
	case "list":
		return a.ListMode(ctx, deps, args)
	case "cdp":
		return a.CdpMode(ctx, deps, args)
	case "debt":
		return a.DebtMode(ctx, deps, args)
	case "history":
		return a.HistoryMode(ctx, deps, args)
	case "free":
		return a.FreeMode(ctx, deps, args)
	default:
		return fmt.Errorf("app: unsupported mode %q", mode)
	}
}

// startJournal runs the journal beside a one-shot command. The returned
// func stops it once the queue is flushed.
func (a *App) startJournal(deps *Dependencies) func() {
	if deps.Journal == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := deps.Journal.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("journal stopped with error", slog.String("error", err.Error()))
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
