package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger/ledgertest"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

type countingListener struct {
	mu     sync.Mutex
	labels []string
}

func (c *countingListener) fn(e domain.TxEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labels = append(c.labels, string(e.State)+":"+e.Metadata.Label())
}

type fakeLocks struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return func() {}, nil
}

func TestEnsureBuildsOnceUnderConcurrency(t *testing.T) {
	chain := ledgertest.New(nil)
	alice := ledgertest.AddressOf("alice")
	tr := txmgr.New(chain.Client(alice), nil, nil)
	locks := &fakeLocks{}
	r := New(tr, locks, nil)

	if cur, err := r.Current(context.Background()); err != nil || cur != (common.Address{}) {
		t.Fatalf("current=%s err=%v", cur.Hex(), err)
	}

	resume := chain.Pause()
	f1 := r.Ensure(context.Background())
	f2 := r.Ensure(context.Background())
	if f1 != f2 {
		t.Fatal("concurrent Ensure calls must share the in-flight operation")
	}
	l := &countingListener{}
	tr.Listen(f1, txmgr.ListenerFunc(l.fn))
	resume()

	a1, err := f1.Await(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a2, err := f2.Await(context.Background())
	if err != nil || a1 != a2 {
		t.Fatalf("a1=%s a2=%s err=%v", a1.Hex(), a2.Hex(), err)
	}
	if a1 != chain.ProxyOf(alice) {
		t.Fatalf("proxy=%s chain=%s", a1.Hex(), chain.ProxyOf(alice).Hex())
	}
	if len(l.labels) != 2 || l.labels[0] != "pending:PROXY_REGISTRY.build" || l.labels[1] != "mined:PROXY_REGISTRY.build" {
		t.Fatalf("labels=%v", l.labels)
	}
	if len(locks.keys) != 1 || locks.keys[0] != "proxy-build:"+alice.Hex() {
		t.Fatalf("lock keys=%v", locks.keys)
	}

	// A later call finds the existing proxy without submitting anything.
	f3 := r.Ensure(context.Background())
	if f3 == f1 {
		t.Fatal("settled operation should not be reused")
	}
	a3, err := f3.Await(context.Background())
	if err != nil || a3 != a1 {
		t.Fatalf("a3=%s err=%v", a3.Hex(), err)
	}
	if steps := f3.Op().Info().Steps; steps != 0 {
		t.Fatalf("existing proxy should need no steps, got %d", steps)
	}
}

func TestEnsureProxyPerAccount(t *testing.T) {
	chain := ledgertest.New(nil)
	alice, bob := ledgertest.AddressOf("alice"), ledgertest.AddressOf("bob")

	pa, err := New(txmgr.New(chain.Client(alice), nil, nil), nil, nil).EnsureProxy(context.Background())
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	pb, err := New(txmgr.New(chain.Client(bob), nil, nil), nil, nil).EnsureProxy(context.Background())
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if pa == pb {
		t.Fatal("accounts must get distinct proxies")
	}
}
