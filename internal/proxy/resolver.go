// Package proxy resolves, and builds on demand, the per-account DS-Proxy
// through which every CDP action is routed.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/registry"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

const (
	buildLockTTL      = 10 * time.Minute
	remotePollPeriod  = 2 * time.Second
	operationName     = "ensureProxy"
	buildLockKeyStart = "proxy-build:"
)

// Resolver finds the caller's proxy and creates one when missing.
type Resolver struct {
	tracker *txmgr.Tracker
	client  ledger.Client
	locks   domain.LockManager
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[common.Address]*txmgr.Future[common.Address]
}

// New creates a Resolver. locks is optional; when set, builds are guarded
// across processes sharing the same account.
func New(tracker *txmgr.Tracker, locks domain.LockManager, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tracker:  tracker,
		client:   tracker.Client(),
		locks:    locks,
		logger:   logger.With(slog.String("component", "proxy")),
		inflight: make(map[common.Address]*txmgr.Future[common.Address]),
	}
}

// ProxyOf returns account's proxy, or the zero address when it has none.
func (r *Resolver) ProxyOf(ctx context.Context, account common.Address) (common.Address, error) {
	addr, err := ledger.ReadAddress(ctx, r.client, ledger.Call{
		Contract: registry.ProxyRegistry,
		Method:   "proxies",
		Args:     []any{account},
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("proxy: lookup %s: %w", account.Hex(), err)
	}
	return addr, nil
}

// Current returns the calling account's proxy, or the zero address.
func (r *Resolver) Current(ctx context.Context) (common.Address, error) {
	return r.ProxyOf(ctx, r.client.Account())
}

// Ensure returns a future for the caller's proxy address, building the proxy
// when none exists. Concurrent calls share one in-flight operation, so at
// most one build is submitted per account.
func (r *Resolver) Ensure(ctx context.Context) *txmgr.Future[common.Address] {
	account := r.client.Account()

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.inflight[account]; ok {
		return f
	}
	f := txmgr.Go(ctx, r.tracker, operationName, func(ctx context.Context, run *txmgr.Run) (common.Address, error) {
		defer r.forget(account, run.Op())
		return r.ensure(ctx, run, account)
	})
	r.inflight[account] = f
	return f
}

// EnsureProxy is Ensure followed by Await.
func (r *Resolver) EnsureProxy(ctx context.Context) (common.Address, error) {
	return r.Ensure(ctx).Await(ctx)
}

func (r *Resolver) forget(account common.Address, op *txmgr.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.inflight[account]; ok && f.Op() == op {
		delete(r.inflight, account)
	}
}

func (r *Resolver) ensure(ctx context.Context, run *txmgr.Run, account common.Address) (common.Address, error) {
	addr, err := r.ProxyOf(ctx, account)
	if err != nil {
		return common.Address{}, err
	}
	if addr != (common.Address{}) {
		return addr, nil
	}

	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, buildLockKeyStart+account.Hex(), buildLockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			r.logger.InfoContext(ctx, "proxy build in progress elsewhere, waiting",
				slog.String("account", account.Hex()),
			)
			return r.awaitRemote(ctx, account)
		case err != nil:
			return common.Address{}, fmt.Errorf("proxy: acquire build lock: %w", err)
		}
		defer unlock()

		// Another process may have finished between the read and the lock.
		if addr, err := r.ProxyOf(ctx, account); err != nil || addr != (common.Address{}) {
			return addr, err
		}
	}

	r.logger.InfoContext(ctx, "building proxy", slog.String("account", account.Hex()))
	if _, err := run.Step(ctx, ledger.Call{Contract: registry.ProxyRegistry, Method: "build"}); err != nil {
		return common.Address{}, fmt.Errorf("proxy: build: %w", err)
	}

	addr, err = r.ProxyOf(ctx, account)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("proxy: build mined but registry has no proxy for %s", account.Hex())
	}
	return addr, nil
}

func (r *Resolver) awaitRemote(ctx context.Context, account common.Address) (common.Address, error) {
	deadline := time.NewTimer(buildLockTTL)
	defer deadline.Stop()
	tick := time.NewTicker(remotePollPeriod)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return common.Address{}, ctx.Err()
		case <-deadline.C:
			return common.Address{}, fmt.Errorf("proxy: remote build for %s did not finish: %w", account.Hex(), domain.ErrLockHeld)
		case <-tick.C:
			addr, err := r.ProxyOf(ctx, account)
			if err != nil {
				return common.Address{}, err
			}
			if addr != (common.Address{}) {
				return addr, nil
			}
		}
	}
}
