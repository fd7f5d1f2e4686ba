package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/abbaskiko/mcdkit/internal/cdp"
	"github.com/abbaskiko/mcdkit/internal/crypto"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/server"
	"github.com/abbaskiko/mcdkit/internal/server/handler"
	"github.com/abbaskiko/mcdkit/internal/server/ws"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// ServeMode runs the HTTP API, the WebSocket hub, the journal and, when
// configured, the periodic archiver until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.Tracker, a.logger, ws.Config{
		Account:     deps.Ledger.Account().Hex(),
		CheckOrigin: originChecker(a.cfg.Server.CORSOrigins),
	})
	if deps.SignalBus == nil {
		deps.Tracker.AddSink(hub)
	}
	g.Go(func() error { return hub.Run(ctx, deps.SignalBus) })

	if deps.Journal != nil {
		g.Go(func() error { return deps.Journal.Run(ctx) })
	}

	if deps.Archiver != nil && a.cfg.Archive.Interval.Duration > 0 {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	var signer *crypto.RequestAuth
	if a.cfg.Server.HMACKey != "" {
		signer = &crypto.RequestAuth{Key: a.cfg.Server.HMACKey, Secret: a.cfg.Server.HMACSecret}
	}
	srv := server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Signer:      signer,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		Gatherer:    deps.Metrics,
	}, server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Cdps: handler.NewCdpHandler(deps.Manager, deps.Registry, deps.Proxies, handler.CdpHandlerOptions{
			History: deps.HistoryCache,
			Audit:   deps.AuditStore,
		}, a.logger),
		Operations: handler.NewOperationHandler(deps.Tracker, deps.OperationStore, a.logger),
	}, hub, a.logger)
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.archive(ctx, deps); err != nil {
				a.logger.WarnContext(ctx, "scheduled archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveMode exports settled operations older than the retention window
// to object storage and removes them from the database.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	n, err := a.archive(ctx, deps)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"archived": n})
}

func (a *App) archive(ctx context.Context, deps *Dependencies) (int64, error) {
	if deps.Archiver == nil {
		return 0, errors.New("app: archive needs database and s3")
	}
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	return deps.Archiver.ArchiveOperations(ctx, before)
}

// ProxyMode ensures the account has a proxy and prints it.
func (a *App) ProxyMode(ctx context.Context, deps *Dependencies) error {
	f := deps.Proxies.Ensure(ctx)
	a.follow(deps, f)
	addr, err := f.Await(ctx)
	if err != nil {
		return err
	}
	return a.print(map[string]string{
		"account": deps.Ledger.Account().Hex(),
		"proxy":   addr.Hex(),
	})
}

// OpenMode opens an empty CDP: open <ilk>.
func (a *App) OpenMode(ctx context.Context, deps *Dependencies, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: open <ilk>")
	}
	return a.awaitCdp(ctx, deps, deps.Manager.Open(ctx, args[0]))
}

// OpenLockDrawMode opens a CDP, locks collateral and draws debt in one
// action: open-lock-draw <ilk> <collateral> [debt]. Use "-" to omit the
// collateral.
func (a *App) OpenLockDrawMode(ctx context.Context, deps *Dependencies, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: open-lock-draw <ilk> <collateral|-> [debt]")
	}
	t, err := deps.Registry.CdpType(args[0])
	if err != nil {
		return err
	}
	var collateral, debt domain.Amount
	if args[1] != "-" {
		if collateral, err = domain.ParseAmount(t.Currency, args[1]); err != nil {
			return fmt.Errorf("collateral: %w", err)
		}
	}
	if len(args) == 3 {
		if debt, err = domain.ParseAmount(domain.DAI, args[2]); err != nil {
			return fmt.Errorf("debt: %w", err)
		}
	}
	return a.awaitCdp(ctx, deps, deps.Manager.OpenLockAndDraw(ctx, t.Ilk, collateral, debt))
}

// FreeMode withdraws collateral: free <id> <amount>.
func (a *App) FreeMode(ctx context.Context, deps *Dependencies, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: free <id> <amount>")
	}
	c, err := a.cdpArg(ctx, deps, args[0])
	if err != nil {
		return err
	}
	amount, err := domain.ParseAmount(c.Type.Currency, args[1])
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	return a.awaitCdp(ctx, deps, c.FreeCollateral(ctx, amount))
}

// ListMode prints the CDP ids of a proxy: list [proxy].
func (a *App) ListMode(ctx context.Context, deps *Dependencies, args []string) error {
	proxyAddr, err := a.proxyArg(ctx, deps, args)
	if err != nil {
		return err
	}
	refs, err := deps.Manager.GetCdpIds(ctx, proxyAddr)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"proxy": proxyAddr.Hex(), "cdps": refs})
}

// CdpMode prints the live state of one CDP: cdp <id>.
func (a *App) CdpMode(ctx context.Context, deps *Dependencies, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cdp <id>")
	}
	c, err := a.cdpArg(ctx, deps, args[0])
	if err != nil {
		return err
	}
	collateral, err := c.CollateralAmount(ctx)
	if err != nil {
		return err
	}
	debt, err := c.DebtValue(ctx)
	if err != nil {
		return err
	}
	owner, err := c.Owner(ctx)
	if err != nil {
		return err
	}
	return a.print(map[string]any{
		"id":         c.ID,
		"ilk":        c.Ilk,
		"owner":      owner.Hex(),
		"collateral": collateral,
		"debt":       debt,
	})
}

// DebtMode prints the combined debt of a proxy: debt [proxy].
func (a *App) DebtMode(ctx context.Context, deps *Dependencies, args []string) error {
	proxyAddr, err := a.proxyArg(ctx, deps, args)
	if err != nil {
		return err
	}
	total, err := deps.Manager.GetCombinedDebtValue(ctx, proxyAddr)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"proxy": proxyAddr.Hex(), "debt": total})
}

// HistoryMode prints the combined event history of a proxy:
// history [proxy].
func (a *App) HistoryMode(ctx context.Context, deps *Dependencies, args []string) error {
	proxyAddr, err := a.proxyArg(ctx, deps, args)
	if err != nil {
		return err
	}
	events, err := deps.Manager.GetCombinedEventHistory(ctx, proxyAddr)
	if err != nil {
		return err
	}
	return a.print(map[string]any{"proxy": proxyAddr.Hex(), "events": events})
}

// EncryptKeyMode writes wallet.private_key encrypted with
// wallet.key_password to wallet.key_file, or to the path given as the only
// argument.
func (a *App) EncryptKeyMode(args []string) error {
	path := a.cfg.Wallet.KeyFile
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return errors.New("usage: encrypt-key <out-file> (or set wallet.key_file)")
	}
	if a.cfg.Wallet.PrivateKey == "" {
		return errors.New("encrypt-key: wallet.private_key (MCD_WALLET_PRIVATE_KEY) is not set")
	}
	data, err := crypto.EncryptKey(a.cfg.Wallet.PrivateKey, a.cfg.Wallet.KeyPassword)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("encrypt-key: %w", err)
	}
	return a.print(map[string]string{"key_file": path})
}

// proxyArg returns the proxy named in args, or the account's own proxy.
func (a *App) proxyArg(ctx context.Context, deps *Dependencies, args []string) (common.Address, error) {
	if len(args) > 1 {
		return common.Address{}, errors.New("expected at most one proxy address")
	}
	if len(args) == 1 {
		if !common.IsHexAddress(args[0]) {
			return common.Address{}, fmt.Errorf("not a hex address: %q", args[0])
		}
		return common.HexToAddress(args[0]), nil
	}
	addr, err := deps.Proxies.Current(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("account %s has no proxy: %w", deps.Ledger.Account().Hex(), domain.ErrNotFound)
	}
	return addr, nil
}

func (a *App) cdpArg(ctx context.Context, deps *Dependencies, s string) (*cdp.Cdp, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cdp id %q: %w", s, err)
	}
	return deps.Manager.GetCdp(ctx, id)
}

func (a *App) awaitCdp(ctx context.Context, deps *Dependencies, f *txmgr.Future[*cdp.Cdp]) error {
	a.follow(deps, f)
	c, err := f.Await(ctx)
	if err != nil {
		return fmt.Errorf("operation %s: %w", f.ID(), err)
	}
	return a.print(map[string]any{"operation_id": f.ID(), "cdp": c})
}

// follow logs each step transition of h as it happens.
func (a *App) follow(deps *Dependencies, h txmgr.Handle) {
	log := func(e domain.TxEvent) []slog.Attr {
		return []slog.Attr{
			slog.String("operation_id", e.OperationID),
			slog.Int("step", e.Step),
			slog.String("call", e.Metadata.Label()),
			slog.String("hash", e.Hash),
		}
	}
	deps.Tracker.Listen(h, txmgr.Handlers{
		Pending: func(e domain.TxEvent) {
			a.logger.LogAttrs(context.Background(), slog.LevelInfo, "step submitted", log(e)...)
		},
		Mined: func(e domain.TxEvent) {
			a.logger.LogAttrs(context.Background(), slog.LevelInfo, "step mined",
				append(log(e), slog.Uint64("block", e.BlockNumber))...)
		},
		Error: func(e domain.TxEvent) {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "step failed",
				append(log(e), slog.String("error", e.Error))...)
		},
	})
}

func (a *App) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
