package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/ledger/ledgertest"
	"github.com/abbaskiko/mcdkit/internal/notify"
	"github.com/abbaskiko/mcdkit/internal/registry"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

type memOps struct {
	mu     sync.Mutex
	ops    map[string]domain.Operation
	events []domain.TxEvent
	failOn string
}

func newMemOps() *memOps { return &memOps{ops: make(map[string]domain.Operation)} }

func (m *memOps) UpsertOperation(_ context.Context, op domain.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "upsert" {
		return errors.New("db down")
	}
	m.ops[op.ID] = op
	return nil
}

func (m *memOps) InsertEvent(_ context.Context, e domain.TxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[e.OperationID]; !ok {
		return errors.New("foreign key violation")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memOps) GetOperation(_ context.Context, id string) (domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return domain.Operation{}, domain.ErrNotFound
	}
	return op, nil
}

func (m *memOps) ListEvents(_ context.Context, id string) ([]domain.TxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TxEvent
	for _, e := range m.events {
		if e.OperationID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memOps) ListOperations(context.Context, domain.ListOpts) ([]domain.Operation, error) {
	return nil, nil
}

func (m *memOps) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memBus struct {
	mu        sync.Mutex
	published []Envelope
	streamed  int
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel != domain.ChannelTxEvents {
		return errors.New("unexpected channel " + channel)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	b.streamed++
	b.mu.Unlock()
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type alertLog struct {
	mu     sync.Mutex
	events []string
	titles []string
}

func (a *alertLog) Notify(_ context.Context, event, title, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.titles = append(a.titles, title)
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// flush runs the journal on a cancelled context so it drains the queue and
// returns.
func flush(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

func trackedBuild(t *testing.T, fail bool, sinks ...txmgr.Sink) domain.Operation {
	t.Helper()
	chain := ledgertest.New(nil)
	alice := ledgertest.AddressOf("alice")
	chain.Fund(ledgertest.NativeToken, alice, big.NewInt(1))
	if fail {
		chain.FailNext(registry.ProxyRegistry, "build", "boom")
	}
	tr := txmgr.New(chain.Client(alice), quiet(), nil)
	for _, s := range sinks {
		tr.AddSink(s)
	}
	f := txmgr.Go(context.Background(), tr, "build", func(ctx context.Context, run *txmgr.Run) (string, error) {
		if _, err := run.Step(ctx, ledger.Call{Contract: registry.ProxyRegistry, Method: "build"}); err != nil {
			return "", err
		}
		return "ok", nil
	})
	_, _ = f.Await(context.Background())
	return f.Op().Info()
}

func TestJournalPersistsPublishesAndAlerts(t *testing.T) {
	ops, bus, alerts := newMemOps(), &memBus{}, &alertLog{}
	j := NewJournal(JournalOptions{Store: ops, Bus: bus, Alerts: alerts}, quiet())

	info := trackedBuild(t, false, j)
	flush(t, j)

	stored, err := ops.GetOperation(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.TxMined || stored.Name != "build" || stored.Result != "ok" {
		t.Fatalf("stored=%+v", stored)
	}
	evs, _ := ops.ListEvents(context.Background(), info.ID)
	if len(evs) != 2 || evs[0].State != domain.TxPending || evs[1].State != domain.TxMined {
		t.Fatalf("events=%+v", evs)
	}

	if len(bus.published) != 3 || bus.streamed != 3 {
		t.Fatalf("published=%d streamed=%d", len(bus.published), bus.streamed)
	}
	last := bus.published[2]
	if last.Kind != "operation" || last.Operation == nil || last.Operation.ID != info.ID {
		t.Fatalf("last envelope=%+v", last)
	}
	if len(alerts.events) != 1 || alerts.events[0] != notify.EventTxCompleted || alerts.titles[0] != "build completed" {
		t.Fatalf("alerts=%v %v", alerts.events, alerts.titles)
	}
}

func TestJournalAlertsOnFailure(t *testing.T) {
	ops, alerts := newMemOps(), &alertLog{}
	j := NewJournal(JournalOptions{Store: ops, Alerts: alerts}, quiet())

	info := trackedBuild(t, true, j)
	flush(t, j)

	if info.Status != domain.TxError {
		t.Fatalf("status=%s", info.Status)
	}
	stored, _ := ops.GetOperation(context.Background(), info.ID)
	if stored.Status != domain.TxError || stored.Error == "" {
		t.Fatalf("stored=%+v", stored)
	}
	if len(alerts.events) != 1 || alerts.events[0] != notify.EventTxFailed {
		t.Fatalf("alerts=%v", alerts.events)
	}
}

func TestJournalDropsWhenFull(t *testing.T) {
	j := NewJournal(JournalOptions{Buffer: 1}, quiet())
	j.HandleEvent(domain.TxEvent{OperationID: "a"})
	j.HandleEvent(domain.TxEvent{OperationID: "a", Step: 1})
	j.HandleDone(domain.Operation{ID: "a"})
	if j.Dropped() != 2 {
		t.Fatalf("dropped=%d", j.Dropped())
	}
	flush(t, j)
}

func TestJournalSkipsEventsWhenOperationInsertFails(t *testing.T) {
	ops := newMemOps()
	ops.failOn = "upsert"
	j := NewJournal(JournalOptions{Store: ops}, quiet())
	j.HandleEvent(domain.TxEvent{OperationID: "x", State: domain.TxPending, At: time.Now()})
	flush(t, j)
	if len(ops.events) != 0 {
		t.Fatalf("events=%d", len(ops.events))
	}
}
