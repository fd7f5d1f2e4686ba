// Package bag manages the per-proxy custodial bags that bridged collateral
// tokens must sit in before their join adapter can pull them into the vat.
package bag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/proxy"
	"github.com/abbaskiko/mcdkit/internal/registry"
	"github.com/abbaskiko/mcdkit/internal/token"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// Resolver finds, creates and funds bags for the calling account's proxy.
type Resolver struct {
	reg     *registry.Registry
	tracker *txmgr.Tracker
	client  ledger.Client
	proxies *proxy.Resolver
	tokens  *token.Service
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*txmgr.Future[common.Address]
}

// New creates a Resolver.
func New(reg *registry.Registry, tracker *txmgr.Tracker, proxies *proxy.Resolver, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		reg:      reg,
		tracker:  tracker,
		client:   tracker.Client(),
		proxies:  proxies,
		tokens:   token.New(tracker.Client()),
		logger:   logger.With(slog.String("component", "bag")),
		inflight: make(map[string]*txmgr.Future[common.Address]),
	}
}

// GetBagAddress returns the bag held by proxyAddr under the join adapter
// registered as joinContract, or the zero address when there is none.
// It only reads.
func (r *Resolver) GetBagAddress(ctx context.Context, proxyAddr common.Address, joinContract string) (common.Address, error) {
	addr, err := ledger.ReadAddress(ctx, r.client, ledger.Call{
		Contract: joinContract,
		Method:   "bags",
		Args:     []any{proxyAddr},
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("bag: lookup %s under %s: %w", proxyAddr.Hex(), joinContract, err)
	}
	return addr, nil
}

// TypeFor returns the bridged collateral type denominated in c.
func (r *Resolver) TypeFor(c domain.Currency) (domain.CdpType, error) {
	for _, t := range r.reg.CdpTypes() {
		if t.Kind == domain.KindBridged && t.Currency.Symbol == c.Symbol {
			return t, nil
		}
	}
	return domain.CdpType{}, fmt.Errorf("bag: no bridged collateral for %s: %w", c.Symbol, domain.ErrUnknownIlk)
}

// Ensure returns a future for the proxy's bag of collateral type t,
// creating the proxy and the bag as needed. Repeated calls after creation
// return the same address without submitting anything.
func (r *Resolver) Ensure(ctx context.Context, t domain.CdpType) *txmgr.Future[common.Address] {
	key := r.client.Account().Hex() + "/" + t.Join

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.inflight[key]; ok {
		return f
	}
	f := txmgr.Go(ctx, r.tracker, "ensureBag", func(ctx context.Context, run *txmgr.Run) (common.Address, error) {
		defer r.forget(key, run.Op())
		return r.ensure(ctx, run, t)
	})
	r.inflight[key] = f
	return f
}

// EnsureBag is Ensure followed by Await.
func (r *Resolver) EnsureBag(ctx context.Context, t domain.CdpType) (common.Address, error) {
	return r.Ensure(ctx, t).Await(ctx)
}

func (r *Resolver) forget(key string, op *txmgr.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.inflight[key]; ok && f.Op() == op {
		delete(r.inflight, key)
	}
}

func (r *Resolver) ensure(ctx context.Context, run *txmgr.Run, t domain.CdpType) (common.Address, error) {
	if t.Kind != domain.KindBridged {
		return common.Address{}, fmt.Errorf("bag: %s collateral is %s, not bridged", t.Ilk, t.Kind)
	}
	proxyAddr, err := txmgr.JoinFuture(ctx, run, r.proxies.Ensure(ctx))
	if err != nil {
		return common.Address{}, err
	}
	bag, err := r.GetBagAddress(ctx, proxyAddr, t.Join)
	if err != nil {
		return common.Address{}, err
	}
	if bag != (common.Address{}) {
		return bag, nil
	}

	join, err := r.reg.Address(t.Join)
	if err != nil {
		return common.Address{}, err
	}
	r.logger.InfoContext(ctx, "creating bag",
		slog.String("proxy", proxyAddr.Hex()),
		slog.String("ilk", t.Ilk),
	)
	if _, err := run.Step(ctx, ledger.Call{
		Contract: registry.ProxyActions,
		Method:   "makeGemBag",
		Args:     []any{join},
		Proxy:    proxyAddr,
	}); err != nil {
		return common.Address{}, fmt.Errorf("bag: create: %w", err)
	}

	bag, err = r.GetBagAddress(ctx, proxyAddr, t.Join)
	if err != nil {
		return common.Address{}, err
	}
	if bag == (common.Address{}) {
		return common.Address{}, fmt.Errorf("bag: creation mined but %s has no bag for %s", t.Join, proxyAddr.Hex())
	}
	return bag, nil
}

// Transfer returns a future that moves amount of bridged collateral from the
// account into its bag, creating the bag first when absent. It resolves to
// the bag address.
func (r *Resolver) Transfer(ctx context.Context, amount domain.Amount) *txmgr.Future[common.Address] {
	return txmgr.Go(ctx, r.tracker, "transferToBag", func(ctx context.Context, run *txmgr.Run) (common.Address, error) {
		return r.transfer(ctx, run, amount)
	})
}

// TransferToBag is Transfer followed by Await.
func (r *Resolver) TransferToBag(ctx context.Context, amount domain.Amount) (common.Address, error) {
	return r.Transfer(ctx, amount).Await(ctx)
}

func (r *Resolver) transfer(ctx context.Context, run *txmgr.Run, amount domain.Amount) (common.Address, error) {
	if amount.Value == nil || amount.Value.Sign() <= 0 {
		return common.Address{}, fmt.Errorf("bag: transfer %s: %w", amount, domain.ErrInvalidAmount)
	}
	t, err := r.TypeFor(amount.Currency)
	if err != nil {
		return common.Address{}, err
	}
	if err := r.tokens.RequireBalance(ctx, t.Token, amount.Value); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			err = run.Abort(ledger.Call{Contract: t.Token, Method: "transfer", Args: []any{amount.Value}}, err)
		}
		return common.Address{}, fmt.Errorf("bag: transfer %s: %w", amount, err)
	}
	bag, err := txmgr.JoinFuture(ctx, run, r.Ensure(ctx, t))
	if err != nil {
		return common.Address{}, err
	}
	if err := r.tokens.Transfer(ctx, run, t.Token, bag, amount.Value); err != nil {
		return common.Address{}, fmt.Errorf("bag: transfer %s: %w", amount, err)
	}
	return bag, nil
}
