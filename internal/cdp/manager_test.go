package cdp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/bag"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/ledger/ledgertest"
	"github.com/abbaskiko/mcdkit/internal/proxy"
	"github.com/abbaskiko/mcdkit/internal/registry"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

type fakeEvents struct {
	mu     sync.Mutex
	calls  int
	ilks   []string
	owners []string
	rows   func(owners []string) []domain.RawCdpEvent
}

func (f *fakeEvents) EventsForIlksAndOwners(_ context.Context, ilks, owners []string) ([]domain.RawCdpEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ilks, f.owners = ilks, owners
	if f.rows == nil {
		return nil, nil
	}
	return f.rows(owners), nil
}

type fakeStore struct {
	mu   sync.Mutex
	recs []domain.CdpRecord
}

func (s *fakeStore) Upsert(_ context.Context, rec domain.CdpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id uint64) (domain.CdpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.CdpRecord{}, domain.ErrNotFound
}

func (s *fakeStore) ListByOwner(_ context.Context, owner string) ([]domain.CdpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CdpRecord
	for _, r := range s.recs {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

type env struct {
	chain   *ledgertest.Chain
	account common.Address
	tracker *txmgr.Tracker
	mgr     *Manager
}

func newEnv(t *testing.T, chain *ledgertest.Chain, label string, opts Options) env {
	t.Helper()
	account := ledgertest.AddressOf(label)
	tr := txmgr.New(chain.Client(account), nil, nil)
	proxies := proxy.New(tr, nil, nil)
	bags := bag.New(chain.Registry(), tr, proxies, nil)
	return env{
		chain:   chain,
		account: account,
		tracker: tr,
		mgr:     NewManager(chain.Registry(), tr, proxies, bags, opts),
	}
}

func eth(s string) domain.Amount { return domain.MustParseAmount(domain.ETH, s) }
func dai(s string) domain.Amount { return domain.MustParseAmount(domain.DAI, s) }

func wad(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), domain.WAD) }

func (e env) proxy(t *testing.T) common.Address {
	t.Helper()
	p, err := e.mgr.Proxies().EnsureProxy(context.Background())
	if err != nil {
		t.Fatalf("ensure proxy: %v", err)
	}
	return p
}

func (e env) open(t *testing.T, ilk string, coll, debt domain.Amount) *Cdp {
	t.Helper()
	c, err := e.mgr.OpenLockAndDraw(context.Background(), ilk, coll, debt).Await(context.Background())
	if err != nil {
		t.Fatalf("open %s: %v", ilk, err)
	}
	return c
}

type labels struct {
	mu  sync.Mutex
	got []string
}

func (l *labels) fn(e domain.TxEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, string(e.State)+":"+e.Metadata.Label())
}

func TestGetCdpIdsEmptyForFreshProxy(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	ids, err := e.mgr.GetCdpIds(context.Background(), e.proxy(t))
	if err != nil {
		t.Fatalf("get ids: %v", err)
	}
	if ids == nil || len(ids) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", ids)
	}
}

func TestOpenLockAndDrawListenerSequence(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))

	resume := e.chain.Pause()
	f := e.mgr.OpenLockAndDraw(context.Background(), "ETH-A", eth("2"), domain.Amount{})
	l := &labels{}
	e.tracker.Listen(f, txmgr.ListenerFunc(l.fn))
	resume()

	c, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.ID == 0 || c.Ilk != "ETH-A" {
		t.Fatalf("cdp=%+v", c)
	}
	want := []string{
		"pending:PROXY_REGISTRY.build",
		"mined:PROXY_REGISTRY.build",
		"pending:PROXY_ACTIONS.openLockETHAndDraw",
		"mined:PROXY_ACTIONS.openLockETHAndDraw",
	}
	if strings.Join(l.got, ",") != strings.Join(want, ",") {
		t.Fatalf("labels=%v want %v", l.got, want)
	}
	if got := f.Op().Info().Result; got != c.String() {
		t.Fatalf("operation result=%q want %q", got, c.String())
	}

	coll, err := c.CollateralAmount(context.Background())
	if err != nil || !coll.Equal(eth("2")) {
		t.Fatalf("collateral=%s err=%v", coll, err)
	}
}

func TestIndexIsStaleUntilReset(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(100))
	ctx := context.Background()
	p := e.proxy(t)

	if ids, _ := e.mgr.GetCdpIds(ctx, p); len(ids) != 0 {
		t.Fatalf("ids=%v", ids)
	}
	var opened []uint64
	for _, ilk := range []string{"ETH-A", "ETH-B", "ETH-A"} {
		opened = append(opened, e.open(t, ilk, eth("1"), domain.Amount{}).ID)
	}

	ids, err := e.mgr.GetCdpIds(ctx, p)
	if err != nil || len(ids) != 0 {
		t.Fatalf("index should stay stale before Reset: ids=%v err=%v", ids, err)
	}

	e.mgr.Reset()
	ids, err = e.mgr.GetCdpIds(ctx, p)
	if err != nil {
		t.Fatalf("get ids: %v", err)
	}
	got := make([]uint64, 0, len(ids))
	for _, r := range ids {
		got = append(got, r.ID)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	sort.Slice(opened, func(i, j int) bool { return opened[i] < opened[j] })
	if len(got) != len(opened) {
		t.Fatalf("got=%v opened=%v", got, opened)
	}
	for i := range got {
		if got[i] != opened[i] {
			t.Fatalf("got=%v opened=%v", got, opened)
		}
	}
	for _, r := range ids {
		if r.Ilk == "" {
			t.Fatalf("ref %d missing ilk", r.ID)
		}
	}
}

func TestIndexEnumeratesOnce(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	e.open(t, "ETH-A", eth("1"), domain.Amount{})
	p := e.chain.ProxyOf(e.account)

	for range 3 {
		if ids, err := e.mgr.GetCdpIds(context.Background(), p); err != nil || len(ids) != 1 {
			t.Fatalf("ids=%v err=%v", ids, err)
		}
	}
	if n := e.chain.CallCount(registry.CdpManager, "count"); n != 1 {
		t.Fatalf("count reads=%d, want 1", n)
	}
	e.mgr.Reset()
	if _, err := e.mgr.GetCdpIds(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if n := e.chain.CallCount(registry.CdpManager, "count"); n != 2 {
		t.Fatalf("count reads after reset=%d, want 2", n)
	}
}

func TestConcurrentGetCdpIdsShareOneEnumeration(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	e.open(t, "ETH-A", eth("1"), domain.Amount{})
	p := e.chain.ProxyOf(e.account)
	before := e.chain.CallCount(registry.CdpManager, "count")

	resume := e.chain.PauseReads()
	leaderCtx, cancel := context.WithCancel(context.Background())
	const callers = 4
	lens := make([]int, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	call := func(i int, ctx context.Context) {
		defer wg.Done()
		ids, err := e.mgr.GetCdpIds(ctx, p)
		lens[i], errs[i] = len(ids), err
	}
	wg.Add(1)
	go call(0, leaderCtx)
	time.Sleep(10 * time.Millisecond)
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go call(i, context.Background())
	}
	time.Sleep(10 * time.Millisecond)
	cancel()
	resume()
	wg.Wait()

	if !errors.Is(errs[0], context.Canceled) {
		t.Fatalf("cancelled caller err=%v", errs[0])
	}
	for i := 1; i < callers; i++ {
		if errs[i] != nil || lens[i] != 1 {
			t.Fatalf("caller %d: ids=%d err=%v", i, lens[i], errs[i])
		}
	}
	if n := e.chain.CallCount(registry.CdpManager, "count") - before; n != 1 {
		t.Fatalf("count reads=%d, want 1", n)
	}
	if ids, err := e.mgr.GetCdpIds(context.Background(), p); err != nil || len(ids) != 1 {
		t.Fatalf("index after cancelled leader: ids=%v err=%v", ids, err)
	}
	if n := e.chain.CallCount(registry.CdpManager, "count") - before; n != 1 {
		t.Fatalf("index was not kept: count reads=%d", n)
	}
}

type truncatedList struct{ ledger.Client }

func (c truncatedList) Call(ctx context.Context, call ledger.Call) ([]any, error) {
	out, err := c.Client.Call(ctx, call)
	if err == nil && call.Contract == registry.CdpManager && call.Method == "list" {
		out = out[:1]
	}
	return out, err
}

func TestEnumerateErrorNamesTheCdp(t *testing.T) {
	chain := ledgertest.New(nil)
	e := newEnv(t, chain, "alice", Options{})
	chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	c := e.open(t, "ETH-A", eth("1"), domain.Amount{})

	tr := txmgr.New(truncatedList{chain.Client(e.account)}, nil, nil)
	proxies := proxy.New(tr, nil, nil)
	mgr := NewManager(chain.Registry(), tr, proxies, bag.New(chain.Registry(), tr, proxies, nil), Options{})
	_, err := mgr.GetCdpIds(context.Background(), chain.ProxyOf(e.account))
	if err == nil {
		t.Fatal("expected malformed list output to fail")
	}
	if want := fmt.Sprintf("cdp: list %d:", c.ID); !strings.Contains(err.Error(), want) {
		t.Fatalf("err=%q, want it to contain %q", err, want)
	}
}

func TestCombinedDebtValue(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	ctx := context.Background()
	p := e.proxy(t)

	zero, err := e.mgr.GetCombinedDebtValue(ctx, p)
	if err != nil || !zero.IsZero() {
		t.Fatalf("zero=%s err=%v", zero, err)
	}

	e.open(t, "ETH-A", eth("1"), dai("3"))
	e.open(t, "ETH-B", eth("1"), dai("5"))
	e.mgr.Reset()

	total, err := e.mgr.GetCombinedDebtValue(ctx, p)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if !total.Equal(dai("8")) {
		t.Fatalf("total=%s, want 8 DAI", total)
	}
	if total.Currency.Symbol != "DAI" {
		t.Fatalf("currency=%s", total.Currency.Symbol)
	}
}

func TestDebtValueFollowsRate(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	c := e.open(t, "ETH-A", eth("1"), dai("10"))

	// rate 1.1
	e.chain.SetRate("ETH-A", new(big.Int).Div(new(big.Int).Mul(domain.RAY, big.NewInt(11)), big.NewInt(10)))
	d, err := c.DebtValue(context.Background())
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if !d.Equal(dai("11")) {
		t.Fatalf("debt=%s, want 11 DAI", d)
	}
}

func TestGetCdp(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	opened := e.open(t, "ETH-B", eth("1"), domain.Amount{})

	c, err := e.mgr.GetCdp(context.Background(), opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Ilk != "ETH-B" || c.Type.Kind != domain.KindNative {
		t.Fatalf("cdp=%+v", c)
	}
	owner, err := c.Owner(context.Background())
	if err != nil || owner != e.chain.ProxyOf(e.account) {
		t.Fatalf("owner=%s err=%v", owner.Hex(), err)
	}

	if _, err := e.mgr.GetCdp(context.Background(), 9999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.mgr.GetCdp(context.Background(), 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for id 0, got %v", err)
	}
}

func TestFreeCollateralByNonOwnerIsUnauthorized(t *testing.T) {
	chain := ledgertest.New(nil)
	alice := newEnv(t, chain, "alice", Options{})
	bob := newEnv(t, chain, "bob", Options{})
	chain.Fund(ledgertest.NativeToken, alice.account, wad(10))
	c := alice.open(t, "ETH-A", eth("2"), domain.Amount{})

	theirs, err := bob.mgr.GetCdp(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, err = theirs.FreeCollateral(context.Background(), eth("1")).Await(context.Background())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !errors.Is(err, domain.ErrLedgerRejected) {
		t.Fatalf("expected ErrLedgerRejected, got %v", err)
	}

	coll, _ := c.CollateralAmount(context.Background())
	if !coll.Equal(eth("2")) {
		t.Fatalf("collateral moved: %s", coll)
	}

	// The owner can free.
	if _, err := c.FreeCollateral(context.Background(), eth("1")).Await(context.Background()); err != nil {
		t.Fatalf("owner free: %v", err)
	}
	coll, _ = c.CollateralAmount(context.Background())
	if !coll.Equal(eth("1")) {
		t.Fatalf("collateral=%s", coll)
	}
}

func TestOpenLockAndDrawBridgedCollateralUsesBag(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	gnt := domain.Currency{Symbol: "GNT", Decimals: 18}
	e.chain.Fund("GNT", e.account, wad(3))

	resume := e.chain.Pause()
	f := e.mgr.OpenLockAndDraw(context.Background(), "GNT-A", domain.MustParseAmount(gnt, "1"), dai("1"))
	l := &labels{}
	e.tracker.Listen(f, txmgr.ListenerFunc(l.fn))
	resume()

	c, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	want := []string{
		"pending:PROXY_REGISTRY.build",
		"mined:PROXY_REGISTRY.build",
		"pending:PROXY_ACTIONS.makeGemBag",
		"mined:PROXY_ACTIONS.makeGemBag",
		"pending:GNT.transfer",
		"mined:GNT.transfer",
		"pending:PROXY_ACTIONS.openLockGNTAndDraw",
		"mined:PROXY_ACTIONS.openLockGNTAndDraw",
	}
	if strings.Join(l.got, ",") != strings.Join(want, ",") {
		t.Fatalf("labels=%v", l.got)
	}
	coll, err := c.CollateralAmount(context.Background())
	if err != nil || !coll.Equal(domain.MustParseAmount(gnt, "1")) {
		t.Fatalf("collateral=%s err=%v", coll, err)
	}
	if got := e.chain.Balance("GNT", e.account); got.Cmp(wad(2)) != 0 {
		t.Fatalf("account GNT=%s", got)
	}
	if got := e.chain.Balance(registry.Dai, e.account); got.Cmp(wad(1)) != 0 {
		t.Fatalf("account DAI=%s", got)
	}
}

func TestOpenLockAndDrawInsufficientBridgedCollateralReachesListeners(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	gnt := domain.Currency{Symbol: "GNT", Decimals: 18}
	e.chain.Fund("GNT", e.account, big.NewInt(1))

	resume := e.chain.Pause()
	f := e.mgr.OpenLockAndDraw(context.Background(), "GNT-A", domain.MustParseAmount(gnt, "5"), domain.Amount{})
	l := &labels{}
	var failed []domain.TxEvent
	e.tracker.Listen(f, txmgr.ListenerFunc(l.fn))
	e.tracker.Listen(f, txmgr.Handlers{Error: func(ev domain.TxEvent) { failed = append(failed, ev) }})
	resume()

	_, err := f.Await(context.Background())
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	want := []string{
		"pending:PROXY_REGISTRY.build",
		"mined:PROXY_REGISTRY.build",
		"error:GNT.transfer",
	}
	if strings.Join(l.got, ",") != strings.Join(want, ",") {
		t.Fatalf("labels=%v want %v", l.got, want)
	}
	if len(failed) != 1 || !errors.Is(failed[0].Err, domain.ErrInsufficientBalance) {
		t.Fatalf("error callbacks=%+v", failed)
	}
	if got := e.chain.Balance("GNT", e.account); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("GNT moved: %s", got)
	}
}

type errorSink struct {
	mu     sync.Mutex
	events []domain.TxEvent
}

func (s *errorSink) HandleEvent(e domain.TxEvent) {
	if e.State != domain.TxError {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *errorSink) HandleDone(domain.Operation) {}

func TestUnknownIlkIsReportedAsError(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	sink := &errorSink{}
	e.tracker.AddSink(sink)

	f := e.mgr.OpenLockAndDraw(context.Background(), "XYZ-A", domain.Amount{}, domain.Amount{})
	if _, err := f.Await(context.Background()); !errors.Is(err, domain.ErrUnknownIlk) {
		t.Fatalf("expected ErrUnknownIlk, got %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("error events=%+v", sink.events)
	}
	ev := sink.events[0]
	if ev.OperationID != f.ID() || ev.Metadata.Label() != "openLockAndDraw" || !errors.Is(ev.Err, domain.ErrUnknownIlk) {
		t.Fatalf("event=%+v", ev)
	}
}

func TestOpenLockAndDrawStandardCollateralApprovesOnce(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	bat := domain.Currency{Symbol: "BAT", Decimals: 18}
	e.chain.Fund("BAT", e.account, wad(10))
	e.proxy(t)

	first := e.mgr.OpenLockAndDraw(context.Background(), "BAT-A", domain.MustParseAmount(bat, "2"), dai("1"))
	if _, err := first.Await(context.Background()); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if n := first.Op().Info().Steps; n != 2 {
		t.Fatalf("first open steps=%d, want approve + open", n)
	}

	second := e.mgr.OpenLockAndDraw(context.Background(), "BAT-A", domain.MustParseAmount(bat, "2"), domain.Amount{})
	if _, err := second.Await(context.Background()); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if n := second.Op().Info().Steps; n != 1 {
		t.Fatalf("second open steps=%d, allowance should already cover it", n)
	}
	if got := e.chain.Balance("BAT", e.account); got.Cmp(wad(6)) != 0 {
		t.Fatalf("BAT balance=%s", got)
	}
}

func TestOpenLockAndDrawValidatesCurrencies(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	_, err := e.mgr.OpenLockAndDraw(context.Background(), "ETH-A", dai("1"), domain.Amount{}).Await(context.Background())
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = e.mgr.OpenLockAndDraw(context.Background(), "XYZ-A", domain.Amount{}, domain.Amount{}).Await(context.Background())
	if !errors.Is(err, domain.ErrUnknownIlk) {
		t.Fatalf("expected ErrUnknownIlk, got %v", err)
	}
	if e.chain.ProxyOf(e.account) != (common.Address{}) {
		t.Fatal("validation failures must not submit anything")
	}
}

func TestOpenRecordsToStore(t *testing.T) {
	store := &fakeStore{}
	e := newEnv(t, ledgertest.New(nil), "alice", Options{Store: store})

	f := e.mgr.Open(context.Background(), "ETH-A")
	c, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec, err := store.GetByID(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.Ilk != "ETH-A" || rec.OperationID != f.ID() || rec.Owner != e.chain.ProxyOf(e.account).Hex() {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestCdpLifecycle(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	ctx := context.Background()

	c, err := e.mgr.Open(ctx, "ETH-A").Await(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.LockCollateral(ctx, eth("3")).Await(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := c.DrawDebt(ctx, dai("20")).Await(ctx); err != nil {
		t.Fatalf("draw: %v", err)
	}
	if _, err := c.LockAndDraw(ctx, eth("1"), dai("5")).Await(ctx); err != nil {
		t.Fatalf("lock and draw: %v", err)
	}
	if _, err := c.WipeDebt(ctx, dai("10")).Await(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	debt, err := c.DebtValue(ctx)
	if err != nil || !debt.Equal(dai("15")) {
		t.Fatalf("debt=%s err=%v", debt, err)
	}
	coll, err := c.CollateralAmount(ctx)
	if err != nil || !coll.Equal(eth("4")) {
		t.Fatalf("collateral=%s err=%v", coll, err)
	}

	bob := ledgertest.AddressOf("bob")
	if _, err := c.Give(ctx, bob).Await(ctx); err != nil {
		t.Fatalf("give: %v", err)
	}
	if owner, _ := c.Owner(ctx); owner != bob {
		t.Fatalf("owner=%s", owner.Hex())
	}
	_, err = c.DrawDebt(ctx, dai("1")).Await(ctx)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("draw after give: expected ErrUnauthorized, got %v", err)
	}
}

func TestDrawBeyondCollateralIsRejected(t *testing.T) {
	e := newEnv(t, ledgertest.New(nil), "alice", Options{})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	c := e.open(t, "ETH-A", eth("1"), domain.Amount{})

	// spot is 100 DAI per ETH
	_, err := c.DrawDebt(context.Background(), dai("101")).Await(context.Background())
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestCombinedEventHistory(t *testing.T) {
	src := &fakeEvents{}
	e := newEnv(t, ledgertest.New(nil), "alice", Options{Events: src})
	e.chain.Fund(ledgertest.NativeToken, e.account, wad(10))
	ctx := context.Background()
	p := e.proxy(t)

	hist, err := e.mgr.GetCombinedEventHistory(ctx, p)
	if err != nil || len(hist) != 0 {
		t.Fatalf("hist=%v err=%v", hist, err)
	}
	if src.calls != 0 {
		t.Fatal("query service must not be called for a proxy without CDPs")
	}

	c1 := e.open(t, "ETH-A", eth("1"), domain.Amount{})
	c2 := e.open(t, "ETH-A", eth("1"), domain.Amount{})
	e.mgr.Reset()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src.rows = func(owners []string) []domain.RawCdpEvent {
		return []domain.RawCdpEvent{
			{Kind: "open", CdpID: c1.ID, Ilk: "ETH-A", Urn: owners[0], TxFrom: "0xa", Block: 10, Time: ts},
			{Kind: "frob", Ilk: "ETH-A", Urn: owners[0], Dink: wad(2), Dart: wad(10), Rate: domain.RAY, Block: 11, Time: ts.Add(time.Minute)},
			{Kind: "frob", Ilk: "ETH-A", Urn: owners[1], Dink: new(big.Int).Neg(wad(1)), Dart: new(big.Int).Neg(wad(4)), Block: 12, Time: ts.Add(2 * time.Minute)},
			{Kind: "give", CdpID: c2.ID, Ilk: "ETH-A", Urn: owners[1], NewOwner: "0xb", Block: 13, Time: ts.Add(3 * time.Minute)},
		}
	}

	hist, err = e.mgr.GetCombinedEventHistory(ctx, p)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("query calls=%d, want 1", src.calls)
	}
	if len(src.ilks) != 1 || src.ilks[0] != "ETH-A" || len(src.owners) != 2 {
		t.Fatalf("ilks=%v owners=%v", src.ilks, src.owners)
	}

	var types []string
	for _, ev := range hist {
		types = append(types, string(ev.Type))
	}
	want := "GIVE,WITHDRAW,PAYBACK,DEPOSIT,GENERATE,OPEN"
	if strings.Join(types, ",") != want {
		t.Fatalf("types=%v want %s", types, want)
	}
	if hist[0].NewOwner != "0xb" || hist[0].CdpID != c2.ID {
		t.Fatalf("give=%+v", hist[0])
	}
	if hist[1].CdpID == 0 || hist[3].CdpID == 0 {
		t.Fatalf("frob rows must be mapped to their cdp: %+v %+v", hist[1], hist[3])
	}
	if !hist[2].Amount.Equal(dai("4")) || !hist[3].Amount.Equal(eth("2")) {
		t.Fatalf("amounts: payback=%s deposit=%s", hist[2].Amount, hist[3].Amount)
	}
	if hist[5].Collateral != "ETH" {
		t.Fatalf("collateral=%s", hist[5].Collateral)
	}
}
