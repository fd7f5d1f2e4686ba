package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/abbaskiko/mcdkit/internal/bag"
	"github.com/abbaskiko/mcdkit/internal/cdp"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger/ledgertest"
	"github.com/abbaskiko/mcdkit/internal/proxy"
	"github.com/abbaskiko/mcdkit/internal/server/handler"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

type noEvents struct{ calls int }

func (n *noEvents) EventsForIlksAndOwners(context.Context, []string, []string) ([]domain.RawCdpEvent, error) {
	n.calls++
	return nil, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries map[string][]domain.CdpEvent
}

func (m *memHistory) Get(_ context.Context, proxy string) ([]domain.CdpEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.entries[strings.ToLower(proxy)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ev, nil
}

func (m *memHistory) Set(_ context.Context, proxy string, events []domain.CdpEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[strings.ToLower(proxy)] = events
	return nil
}

func (m *memHistory) Invalidate(_ context.Context, proxy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, strings.ToLower(proxy))
	return nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type fixture struct {
	chain  *ledgertest.Chain
	ts     *httptest.Server
	audit  *memAudit
	events *noEvents
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	chain := ledgertest.New(nil)
	alice := ledgertest.AddressOf("alice")
	chain.Fund(ledgertest.NativeToken, alice, new(big.Int).Mul(big.NewInt(10), domain.WAD))

	tr := txmgr.New(chain.Client(alice), quiet(), nil)
	proxies := proxy.New(tr, nil, quiet())
	bags := bag.New(chain.Registry(), tr, proxies, quiet())
	events := &noEvents{}
	mgr := cdp.NewManager(chain.Registry(), tr, proxies, bags, cdp.Options{Events: events, Logger: quiet()})

	audit := &memAudit{}
	handlers := Handlers{
		Health: handler.NewHealthHandler(nil, quiet()),
		Cdps: handler.NewCdpHandler(mgr, chain.Registry(), mgr.Proxies(), handler.CdpHandlerOptions{
			History: &memHistory{entries: make(map[string][]domain.CdpEvent)},
			Audit:   audit,
		}, quiet()),
		Operations: handler.NewOperationHandler(tr, nil, quiet()),
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	srv := NewServer(cfg, handlers, nil, quiet())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return fixture{chain: chain, ts: ts, audit: audit, events: events}
}

func (f fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode
}

type opResp struct {
	OperationID string         `json:"operation_id"`
	Status      string         `json:"status"`
	Cdp         *domain.CdpRef `json:"cdp"`
	Error       string         `json:"error"`
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, Config{})

	var opened opResp
	code := f.do(t, "POST", "/api/cdps?wait=true", `{"ilk":"ETH-A","collateral":"1","debt":"20"}`, &opened)
	if code != http.StatusCreated || opened.Cdp == nil || opened.Cdp.ID != 1 || opened.Status != "mined" {
		t.Fatalf("open: %d %+v", code, opened)
	}

	var current struct{ Proxy string }
	if code := f.do(t, "GET", "/api/proxy", "", &current); code != http.StatusOK {
		t.Fatalf("proxy: %d", code)
	}
	alice := ledgertest.AddressOf("alice")
	if current.Proxy != f.chain.ProxyOf(alice).Hex() {
		t.Fatalf("proxy=%s", current.Proxy)
	}

	var list struct{ Cdps []domain.CdpRef }
	f.do(t, "GET", "/api/proxies/"+current.Proxy+"/cdps", "", &list)
	if len(list.Cdps) != 1 || list.Cdps[0].Ilk != "ETH-A" {
		t.Fatalf("cdps=%+v", list.Cdps)
	}

	var debt struct{ Debt domain.Amount }
	f.do(t, "GET", "/api/proxies/"+current.Proxy+"/debt", "", &debt)
	if !debt.Debt.Equal(domain.MustParseAmount(domain.DAI, "20")) {
		t.Fatalf("debt=%s", debt.Debt)
	}

	var detail struct {
		ID         uint64
		Owner      string
		Collateral domain.Amount
	}
	if code := f.do(t, "GET", "/api/cdps/1", "", &detail); code != http.StatusOK {
		t.Fatalf("cdp: %d", code)
	}
	if detail.Owner != current.Proxy || !detail.Collateral.Equal(domain.MustParseAmount(domain.ETH, "1")) {
		t.Fatalf("detail=%+v", detail)
	}

	var freed opResp
	if code := f.do(t, "POST", "/api/cdps/1/free?wait=true", `{"amount":"0.5"}`, &freed); code != http.StatusOK {
		t.Fatalf("free: %d %+v", code, freed)
	}
	f.do(t, "GET", "/api/cdps/1", "", &detail)
	if !detail.Collateral.Equal(domain.MustParseAmount(domain.ETH, "0.5")) {
		t.Fatalf("collateral after free=%s", detail.Collateral)
	}

	if code := f.do(t, "POST", "/api/cdps?wait=true", `{"ilk":"ETH-B"}`, &opened); code != http.StatusCreated {
		t.Fatalf("plain open: %d", code)
	}
	f.do(t, "GET", "/api/proxies/"+current.Proxy+"/cdps", "", &list)
	if len(list.Cdps) != 1 {
		t.Fatalf("index must stay stable until reset, got %d", len(list.Cdps))
	}
	if code := f.do(t, "POST", "/api/reset", "", nil); code != http.StatusOK {
		t.Fatalf("reset: %d", code)
	}
	f.do(t, "GET", "/api/proxies/"+current.Proxy+"/cdps", "", &list)
	if len(list.Cdps) != 2 {
		t.Fatalf("after reset cdps=%+v", list.Cdps)
	}

	f.audit.mu.Lock()
	got := strings.Join(f.audit.events, ",")
	f.audit.mu.Unlock()
	if got != "cdp.open_lock_draw,cdp.free,cdp.open,cdp.reset" {
		t.Fatalf("audit=%s", got)
	}
}

func TestHistoryIsCachedUntilReset(t *testing.T) {
	f := newFixture(t, Config{})
	var opened opResp
	f.do(t, "POST", "/api/cdps?wait=true", `{"ilk":"ETH-A","collateral":"1"}`, &opened)
	proxyHex := f.chain.ProxyOf(ledgertest.AddressOf("alice")).Hex()

	var hist struct {
		Events []domain.CdpEvent
		Cached bool
	}
	f.do(t, "GET", "/api/proxies/"+proxyHex+"/events", "", &hist)
	if hist.Cached || f.events.calls != 1 {
		t.Fatalf("first read cached=%v calls=%d", hist.Cached, f.events.calls)
	}
	f.do(t, "GET", "/api/proxies/"+proxyHex+"/events", "", &hist)
	if !hist.Cached || f.events.calls != 1 {
		t.Fatalf("second read cached=%v calls=%d", hist.Cached, f.events.calls)
	}
	f.do(t, "POST", "/api/reset", "", nil)
	f.do(t, "GET", "/api/proxies/"+proxyHex+"/events", "", &hist)
	if hist.Cached || f.events.calls != 2 {
		t.Fatalf("after reset cached=%v calls=%d", hist.Cached, f.events.calls)
	}
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, Config{})
	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"unknown ilk", "POST", "/api/cdps", `{"ilk":"DOGE-A"}`, http.StatusNotFound},
		{"missing ilk", "POST", "/api/cdps", `{}`, http.StatusBadRequest},
		{"bad amount", "POST", "/api/cdps", `{"ilk":"ETH-A","collateral":"lots"}`, http.StatusBadRequest},
		{"unknown field", "POST", "/api/cdps", `{"ilk":"ETH-A","colateral":"1"}`, http.StatusBadRequest},
		{"bad address", "GET", "/api/proxies/nope/cdps", "", http.StatusBadRequest},
		{"zero id", "GET", "/api/cdps/0", "", http.StatusBadRequest},
		{"missing cdp", "GET", "/api/cdps/42", "", http.StatusNotFound},
		{"no proxy yet", "GET", "/api/proxy", "", http.StatusNotFound},
		{"missing operation", "GET", "/api/operations/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.do(t, tt.method, tt.path, tt.body, nil); got != tt.want {
				t.Fatalf("status=%d want %d", got, tt.want)
			}
		})
	}
}

func TestAsyncOpenReturnsOperationID(t *testing.T) {
	f := newFixture(t, Config{})
	var resp opResp
	code := f.do(t, "POST", "/api/cdps", `{"ilk":"ETH-A","collateral":"1"}`, &resp)
	if code != http.StatusAccepted || resp.OperationID == "" || resp.Status != "pending" {
		t.Fatalf("async open: %d %+v", code, resp)
	}
	var ops struct{ Active, Operations []domain.Operation }
	if code := f.do(t, "GET", "/api/operations", "", &ops); code != http.StatusOK || ops.Operations == nil {
		t.Fatalf("operations: %d %+v", code, ops)
	}
}

func TestAuthAndPublicRoutes(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"})
	if code := f.do(t, "GET", "/api/health", "", nil); code != http.StatusOK {
		t.Fatalf("health: %d", code)
	}
	if code := f.do(t, "GET", "/api/operations", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: %d", code)
	}
	req, _ := http.NewRequest("GET", f.ts.URL+"/api/operations", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("authenticated: %d id=%q", resp.StatusCode, resp.Header.Get("X-Request-ID"))
	}
}

func TestIdempotentOpenSubmitsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	send := func() (*http.Response, opResp) {
		req, _ := http.NewRequest("POST", f.ts.URL+"/api/cdps?wait=true", bytes.NewBufferString(`{"ilk":"ETH-A","collateral":"1"}`))
		req.Header.Set("Idempotency-Key", "k1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out opResp
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}
	_, first := send()
	resp, second := send()
	if resp.Header.Get("Idempotent-Replay") != "true" || second.OperationID != first.OperationID {
		t.Fatalf("replay header=%q first=%s second=%s", resp.Header.Get("Idempotent-Replay"), first.OperationID, second.OperationID)
	}
	f.do(t, "POST", "/api/reset", "", nil)
	var list struct{ Cdps []domain.CdpRef }
	f.do(t, "GET", "/api/proxies/"+f.chain.ProxyOf(ledgertest.AddressOf("alice")).Hex()+"/cdps", "", &list)
	if len(list.Cdps) != 1 {
		t.Fatalf("open submitted %d times", len(list.Cdps))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	txmgr.NewMetrics(reg)
	f := newFixture(t, Config{Gatherer: reg})
	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}
