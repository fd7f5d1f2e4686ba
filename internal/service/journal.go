// Package service holds the long-running workers that sit beside the
// position manager.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/notify"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

const defaultJournalBuffer = 1024

// Envelope is the message the journal publishes on the bus for each
// transition or settled operation.
type Envelope struct {
	Kind      string            `json:"kind"` // "event" or "operation"
	Event     *domain.TxEvent   `json:"event,omitempty"`
	Operation *domain.Operation `json:"operation,omitempty"`
}

// Alerter is satisfied by *notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// JournalOptions wires the journal's outputs. Every field is optional.
type JournalOptions struct {
	Store  domain.OperationStore
	Bus    domain.SignalBus
	Alerts Alerter
	Buffer int
}

type journalEntry struct {
	event *domain.TxEvent
	done  *domain.Operation
}

// Journal is a txmgr.Sink. It queues transitions from the tracker without
// blocking it and, from Run, persists them, publishes them on the bus and
// raises alerts for settled operations.
type Journal struct {
	store  domain.OperationStore
	bus    domain.SignalBus
	alerts Alerter
	logger *slog.Logger

	ch      chan journalEntry
	seen    map[string]bool // touched only by Run
	dropped atomic.Int64
}

func NewJournal(opts JournalOptions, logger *slog.Logger) *Journal {
	size := opts.Buffer
	if size <= 0 {
		size = defaultJournalBuffer
	}
	return &Journal{
		store:  opts.Store,
		bus:    opts.Bus,
		alerts: opts.Alerts,
		logger: logger.With(slog.String("component", "journal")),
		ch:     make(chan journalEntry, size),
		seen:   make(map[string]bool),
	}
}

var _ txmgr.Sink = (*Journal)(nil)

// HandleEvent implements txmgr.Sink.
func (j *Journal) HandleEvent(e domain.TxEvent) {
	j.enqueue(journalEntry{event: &e})
}

// HandleDone implements txmgr.Sink.
func (j *Journal) HandleDone(op domain.Operation) {
	j.enqueue(journalEntry{done: &op})
}

func (j *Journal) enqueue(entry journalEntry) {
	select {
	case j.ch <- entry:
	default:
		n := j.dropped.Add(1)
		j.logger.Warn("journal queue full, dropping entry", slog.Int64("dropped_total", n))
	}
}

// Dropped returns how many entries were discarded because the queue was
// full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Run consumes the queue until ctx is cancelled, then flushes what is
// already queued.
func (j *Journal) Run(ctx context.Context) error {
	j.logger.Info("journal started")
	defer j.logger.Info("journal stopped")

	for {
		select {
		case <-ctx.Done():
			j.drain()
			return ctx.Err()
		case entry := <-j.ch:
			j.process(ctx, entry)
		}
	}
}

func (j *Journal) drain() {
	for {
		select {
		case entry := <-j.ch:
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			j.process(drainCtx, entry)
			cancel()
		default:
			return
		}
	}
}

func (j *Journal) process(ctx context.Context, entry journalEntry) {
	switch {
	case entry.event != nil:
		j.recordEvent(ctx, *entry.event)
		j.publish(ctx, Envelope{Kind: "event", Event: entry.event})
	case entry.done != nil:
		j.recordDone(ctx, *entry.done)
		j.publish(ctx, Envelope{Kind: "operation", Operation: entry.done})
		j.alert(ctx, *entry.done)
	}
}

func (j *Journal) recordEvent(ctx context.Context, e domain.TxEvent) {
	if j.store == nil {
		return
	}
	log := j.logger.With(
		slog.String("operation_id", e.OperationID),
		slog.Int("step", e.Step),
	)
	if !j.seen[e.OperationID] {
		err := j.store.UpsertOperation(ctx, domain.Operation{
			ID:        e.OperationID,
			Name:      e.Operation,
			Status:    domain.TxPending,
			Steps:     e.Step + 1,
			CreatedAt: e.At,
			UpdatedAt: e.At,
		})
		if err != nil {
			log.WarnContext(ctx, "operation insert failed", slog.String("error", err.Error()))
			return
		}
		j.seen[e.OperationID] = true
	}
	if err := j.store.InsertEvent(ctx, e); err != nil {
		log.WarnContext(ctx, "event insert failed", slog.String("error", err.Error()))
	}
}

func (j *Journal) recordDone(ctx context.Context, op domain.Operation) {
	delete(j.seen, op.ID)
	if j.store == nil {
		return
	}
	if err := j.store.UpsertOperation(ctx, op); err != nil {
		j.logger.WarnContext(ctx, "operation update failed",
			slog.String("operation_id", op.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Journal) publish(ctx context.Context, env Envelope) {
	if j.bus == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		j.logger.ErrorContext(ctx, "marshal envelope failed", slog.String("error", err.Error()))
		return
	}
	if err := j.bus.Publish(ctx, domain.ChannelTxEvents, payload); err != nil {
		j.logger.WarnContext(ctx, "publish failed", slog.String("error", err.Error()))
	}
	if err := j.bus.StreamAppend(ctx, domain.StreamTxEvents, payload); err != nil {
		j.logger.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
	}
}

func (j *Journal) alert(ctx context.Context, op domain.Operation) {
	if j.alerts == nil {
		return
	}
	var err error
	switch op.Status {
	case domain.TxError:
		err = j.alerts.Notify(ctx, notify.EventTxFailed,
			fmt.Sprintf("%s failed", op.Name),
			fmt.Sprintf("operation %s after %d step(s): %s", op.ID, op.Steps, op.Error))
	case domain.TxMined:
		err = j.alerts.Notify(ctx, notify.EventTxCompleted,
			fmt.Sprintf("%s completed", op.Name),
			fmt.Sprintf("operation %s in %d step(s), result %s", op.ID, op.Steps, op.Result))
	}
	if err != nil {
		j.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}
