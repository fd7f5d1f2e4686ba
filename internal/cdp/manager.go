// Package cdp opens, queries and modifies collateralized debt positions by
// composing proxy and bag resolution with tracked ledger operations.
//
// The Manager keeps a per-proxy index of known CDP ids. Once an entry is
// populated it is never refreshed automatically: CDPs opened afterwards,
// even through this Manager, stay invisible to GetCdpIds and the combined
// queries until Reset is called. Within a session the index order is
// therefore stable.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/abbaskiko/mcdkit/internal/bag"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/proxy"
	"github.com/abbaskiko/mcdkit/internal/registry"
	"github.com/abbaskiko/mcdkit/internal/token"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// EventSource is the query service behind GetCombinedEventHistory.
type EventSource interface {
	EventsForIlksAndOwners(ctx context.Context, ilks []string, owners []string) ([]domain.RawCdpEvent, error)
}

// Options carries the Manager's optional collaborators.
type Options struct {
	Events EventSource
	Store  domain.CdpStore
	Logger *slog.Logger
	// DebtConcurrency bounds parallel debt reads. Defaults to 8.
	DebtConcurrency int
}

// Manager is the entry point for CDP workflows of one account.
type Manager struct {
	reg     *registry.Registry
	tracker *txmgr.Tracker
	client  ledger.Client
	proxies *proxy.Resolver
	bags    *bag.Resolver
	tokens  *token.Service
	events  EventSource
	store   domain.CdpStore
	logger  *slog.Logger
	readers int

	mu    sync.Mutex
	gen   uint64
	index map[common.Address][]domain.CdpRef
	group singleflight.Group
}

// NewManager wires a Manager from its resolvers.
func NewManager(reg *registry.Registry, tracker *txmgr.Tracker, proxies *proxy.Resolver, bags *bag.Resolver, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readers := opts.DebtConcurrency
	if readers <= 0 {
		readers = 8
	}
	return &Manager{
		reg:     reg,
		tracker: tracker,
		client:  tracker.Client(),
		proxies: proxies,
		bags:    bags,
		tokens:  token.New(tracker.Client()),
		events:  opts.Events,
		store:   opts.Store,
		logger:  logger.With(slog.String("component", "cdp")),
		readers: readers,
		index:   make(map[common.Address][]domain.CdpRef),
	}
}

// Tracker returns the tracker every workflow is registered with.
func (m *Manager) Tracker() *txmgr.Tracker { return m.tracker }

// Proxies returns the proxy resolver.
func (m *Manager) Proxies() *proxy.Resolver { return m.proxies }

// Open ensures a proxy and opens an empty CDP of ilk. The future resolves
// to the new CDP once the open step mines.
func (m *Manager) Open(ctx context.Context, ilk string) *txmgr.Future[*Cdp] {
	return txmgr.Go(ctx, m.tracker, "open", func(ctx context.Context, run *txmgr.Run) (*Cdp, error) {
		t, err := m.reg.CdpType(ilk)
		if err != nil {
			return nil, fmt.Errorf("cdp: open: %w", err)
		}
		proxyAddr, err := txmgr.JoinFuture(ctx, run, m.proxies.Ensure(ctx))
		if err != nil {
			return nil, err
		}
		a, err := m.addrs(t)
		if err != nil {
			return nil, err
		}
		rcpt, err := m.step(ctx, run, proxyAddr, callSpec{
			method: "open",
			args:   []any{a.manager, domain.IlkBytes32(t.Ilk), proxyAddr},
		})
		if err != nil {
			return nil, fmt.Errorf("cdp: open %s: %w", ilk, err)
		}
		return m.opened(ctx, run, rcpt, t, proxyAddr)
	})
}

// OpenLockAndDraw ensures a proxy, moves bridged collateral into its bag if
// needed, and opens a CDP locking collateral and drawing debt in a single
// proxy action. Either amount may be the zero Amount, in which case 0 is
// submitted for that side.
func (m *Manager) OpenLockAndDraw(ctx context.Context, ilk string, collateral, debt domain.Amount) *txmgr.Future[*Cdp] {
	return txmgr.Go(ctx, m.tracker, "openLockAndDraw", func(ctx context.Context, run *txmgr.Run) (*Cdp, error) {
		t, err := m.reg.CdpType(ilk)
		if err != nil {
			return nil, fmt.Errorf("cdp: open lock and draw: %w", err)
		}
		if err := checkAmount(collateral, t.Currency, true); err != nil {
			return nil, fmt.Errorf("cdp: collateral: %w", err)
		}
		if err := checkAmount(debt, domain.DAI, true); err != nil {
			return nil, fmt.Errorf("cdp: debt: %w", err)
		}

		proxyAddr, err := txmgr.JoinFuture(ctx, run, m.proxies.Ensure(ctx))
		if err != nil {
			return nil, err
		}
		if err := m.fundCollateral(ctx, run, t, proxyAddr, collateral.Int()); err != nil {
			return nil, err
		}
		a, err := m.addrs(t)
		if err != nil {
			return nil, err
		}
		rcpt, err := m.step(ctx, run, proxyAddr, openLockAndDrawCall(t, a, collateral.Int(), debt.Int()))
		if err != nil {
			return nil, fmt.Errorf("cdp: open lock and draw %s: %w", ilk, err)
		}
		return m.opened(ctx, run, rcpt, t, proxyAddr)
	})
}

// fundCollateral performs the token-side prerequisites for locking amt of
// t's collateral: an allowance for standard tokens, a bag transfer for
// bridged ones. Native collateral travels as call value.
func (m *Manager) fundCollateral(ctx context.Context, run *txmgr.Run, t domain.CdpType, proxyAddr common.Address, amt *big.Int) error {
	if amt.Sign() == 0 {
		return nil
	}
	switch t.Kind {
	case domain.KindStandard:
		if err := m.tokens.RequireBalance(ctx, t.Token, amt); err != nil {
			if errors.Is(err, domain.ErrInsufficientBalance) {
				err = run.Abort(ledger.Call{Contract: t.Token, Method: "transferFrom", Args: []any{amt}}, err)
			}
			return fmt.Errorf("cdp: collateral: %w", err)
		}
		return m.tokens.EnsureAllowance(ctx, run, t.Token, proxyAddr, amt)
	case domain.KindBridged:
		_, err := txmgr.JoinFuture(ctx, run, m.bags.Transfer(ctx, domain.NewAmount(t.Currency, amt)))
		return err
	}
	return nil
}

func (m *Manager) opened(ctx context.Context, run *txmgr.Run, rcpt ledger.Receipt, t domain.CdpType, proxyAddr common.Address) (*Cdp, error) {
	ev, ok := rcpt.Find(registry.CdpManager, "NewCdp")
	if !ok {
		return nil, fmt.Errorf("cdp: receipt %s has no NewCdp event", rcpt.Hash.Hex())
	}
	id, ok := ev.Args["cdp"].(*big.Int)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("cdp: NewCdp event carries no id")
	}
	c := m.handle(id.Uint64(), t)
	m.logger.InfoContext(ctx, "cdp opened",
		slog.Uint64("id", c.ID),
		slog.String("ilk", t.Ilk),
		slog.String("proxy", proxyAddr.Hex()),
	)
	if m.store != nil {
		rec := domain.CdpRecord{
			ID:          c.ID,
			Ilk:         t.Ilk,
			Owner:       proxyAddr.Hex(),
			Account:     m.client.Account().Hex(),
			OperationID: run.Op().ID(),
			CreatedAt:   time.Now().UTC(),
		}
		if err := m.store.Upsert(ctx, rec); err != nil {
			m.logger.WarnContext(ctx, "journal cdp failed", slog.Uint64("id", c.ID), slog.String("error", err.Error()))
		}
	}
	return c, nil
}

// step binds spec to the proxy and submits it as a PROXY_ACTIONS step.
func (m *Manager) step(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, spec callSpec) (ledger.Receipt, error) {
	return run.Step(ctx, ledger.Call{
		Contract: registry.ProxyActions,
		Method:   spec.method,
		Args:     spec.args,
		Value:    spec.value,
		Proxy:    proxyAddr,
	})
}

func (m *Manager) addrs(t domain.CdpType) (addrs, error) {
	var a addrs
	for _, x := range []struct {
		name string
		dst  *common.Address
	}{
		{registry.CdpManager, &a.manager},
		{registry.Jug, &a.jug},
		{t.Join, &a.join},
		{registry.JoinDai, &a.daiJoin},
	} {
		addr, err := m.reg.Address(x.name)
		if err != nil {
			return addrs{}, err
		}
		*x.dst = addr
	}
	return a, nil
}

func checkAmount(a domain.Amount, c domain.Currency, allowOmitted bool) error {
	if a.IsOmitted() {
		if allowOmitted {
			return nil
		}
		return fmt.Errorf("%w: amount required", domain.ErrInvalidAmount)
	}
	if a.Currency.Symbol != c.Symbol {
		return fmt.Errorf("%w: expected %s, got %s", domain.ErrInvalidAmount, c.Symbol, a.Currency.Symbol)
	}
	if a.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative %s", domain.ErrInvalidAmount, a)
	}
	return nil
}

// GetCdpIds returns the index entries for proxyAddr, enumerating the CDP
// manager's ownership list on first access. A proxy without CDPs yields an
// empty slice. Concurrent first accesses share one enumeration.
func (m *Manager) GetCdpIds(ctx context.Context, proxyAddr common.Address) ([]domain.CdpRef, error) {
	m.mu.Lock()
	if refs, ok := m.index[proxyAddr]; ok {
		m.mu.Unlock()
		return append([]domain.CdpRef{}, refs...), nil
	}
	gen := m.gen
	m.mu.Unlock()

	// The shared enumeration outlives any single caller's cancellation.
	ch := m.group.DoChan(fmt.Sprintf("%s/%d", proxyAddr.Hex(), gen), func() (any, error) {
		refs, err := m.enumerate(context.WithoutCancel(ctx), proxyAddr)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.gen == gen {
			m.index[proxyAddr] = refs
		}
		m.mu.Unlock()
		return refs, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]domain.CdpRef{}, res.Val.([]domain.CdpRef)...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enumerate walks CDP_MANAGER's first/list.next chain for owner.
func (m *Manager) enumerate(ctx context.Context, owner common.Address) ([]domain.CdpRef, error) {
	count, err := ledger.ReadUint(ctx, m.client, ledger.Call{Contract: registry.CdpManager, Method: "count", Args: []any{owner}}, 0)
	if err != nil {
		return nil, fmt.Errorf("cdp: count for %s: %w", owner.Hex(), err)
	}
	refs := make([]domain.CdpRef, 0, count.Uint64())
	if count.Sign() == 0 {
		return refs, nil
	}
	id, err := ledger.ReadUint(ctx, m.client, ledger.Call{Contract: registry.CdpManager, Method: "first", Args: []any{owner}}, 0)
	if err != nil {
		return nil, fmt.Errorf("cdp: first for %s: %w", owner.Hex(), err)
	}
	for id.Sign() > 0 && uint64(len(refs)) < count.Uint64() {
		ilk, err := m.ilkOf(ctx, id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, domain.CdpRef{ID: id.Uint64(), Ilk: ilk})

		out, err := m.client.Call(ctx, ledger.Call{Contract: registry.CdpManager, Method: "list", Args: []any{id}})
		if err != nil {
			return nil, fmt.Errorf("cdp: list %s: %w", id, err)
		}
		prev := id
		if id, err = ledger.Uint(out, 1); err != nil {
			return nil, fmt.Errorf("cdp: list %s: %w", prev, err)
		}
	}
	return refs, nil
}

func (m *Manager) ilkOf(ctx context.Context, id *big.Int) (string, error) {
	out, err := m.client.Call(ctx, ledger.Call{Contract: registry.CdpManager, Method: "ilks", Args: []any{id}})
	if err != nil {
		return "", fmt.Errorf("cdp: ilk of %s: %w", id, err)
	}
	b, err := ledger.Bytes32(out, 0)
	if err != nil {
		return "", fmt.Errorf("cdp: ilk of %s: %w", id, err)
	}
	return domain.IlkFromBytes32(b), nil
}

// Reset drops the whole index. The next query repopulates it from the
// ledger; this is the only way CDPs opened during the session show up.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.index = make(map[common.Address][]domain.CdpRef)
}

// GetCdp returns a handle for id, resolving its ilk from the index or, when
// no indexed proxy owns it, from the ledger. Unknown ids fail with
// domain.ErrNotFound.
func (m *Manager) GetCdp(ctx context.Context, id uint64) (*Cdp, error) {
	if id == 0 {
		return nil, fmt.Errorf("cdp: id 0: %w", domain.ErrNotFound)
	}
	ilk := m.indexedIlk(id)
	if ilk == "" {
		var err error
		if ilk, err = m.ilkOf(ctx, new(big.Int).SetUint64(id)); err != nil {
			return nil, err
		}
	}
	if ilk == "" {
		return nil, fmt.Errorf("cdp: %d: %w", id, domain.ErrNotFound)
	}
	t, err := m.reg.CdpType(ilk)
	if err != nil {
		return nil, fmt.Errorf("cdp: %d: %w", id, err)
	}
	return m.handle(id, t), nil
}

func (m *Manager) indexedIlk(id uint64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, refs := range m.index {
		for _, r := range refs {
			if r.ID == id {
				return r.Ilk
			}
		}
	}
	return ""
}

// GetCombinedDebtValue sums the live debt of every indexed CDP of
// proxyAddr in DAI. A proxy without CDPs owes zero.
func (m *Manager) GetCombinedDebtValue(ctx context.Context, proxyAddr common.Address) (domain.Amount, error) {
	refs, err := m.GetCdpIds(ctx, proxyAddr)
	if err != nil {
		return domain.Amount{}, err
	}
	debts := make([]domain.Amount, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.readers)
	for i, ref := range refs {
		g.Go(func() error {
			t, err := m.reg.CdpType(ref.Ilk)
			if err != nil {
				return fmt.Errorf("cdp: %d: %w", ref.ID, err)
			}
			d, err := m.handle(ref.ID, t).DebtValue(gctx)
			if err != nil {
				return err
			}
			debts[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Amount{}, err
	}
	total := domain.Zero(domain.DAI)
	for _, d := range debts {
		total = total.Add(d)
	}
	return total, nil
}

func (m *Manager) handle(id uint64, t domain.CdpType) *Cdp {
	return &Cdp{ID: id, Ilk: t.Ilk, Type: t, mgr: m}
}
