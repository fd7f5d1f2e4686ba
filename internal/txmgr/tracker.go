// Package txmgr tracks multi-step ledger operations. Every workflow runs as
// an Operation whose steps are submitted strictly in order; callers get a
// Future for the result immediately and attach Listeners to observe each
// step's pending, mined and error transitions.
package txmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
)

// Handle is anything backed by a tracked Operation, typically a *Future.
type Handle interface {
	Op() *Operation
}

// Tracker owns the operations started against one ledger client.
type Tracker struct {
	client  ledger.Client
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.RWMutex
	ops   map[string]*Operation
	sinks []Sink
}

// New creates a Tracker. metrics may be nil.
func New(client ledger.Client, logger *slog.Logger, metrics *Metrics) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		client:  client,
		logger:  logger.With(slog.String("component", "txmgr")),
		metrics: metrics,
		ops:     make(map[string]*Operation),
	}
}

// Client returns the ledger client steps are submitted through.
func (t *Tracker) Client() ledger.Client { return t.client }

// AddSink registers s to observe every operation started afterwards.
func (t *Tracker) AddSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Track registers h's operation as observable. It is idempotent and a no-op
// for settled operations.
func (t *Tracker) Track(h Handle) {
	op := h.Op()
	select {
	case <-op.done:
		return
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops[op.id] = op
}

// Listen attaches l to h's operation. Several listeners may attach to the
// same handle; each receives the transitions that happen after it attached,
// plus the final mined transition however late it attached.
func (t *Tracker) Listen(h Handle, l Listener) {
	h.Op().listen(l)
}

// Get returns an in-flight operation by id. Settled operations are
// discarded from the tracker.
func (t *Tracker) Get(id string) (*Operation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	return op, ok
}

// Active lists in-flight operations, oldest first.
func (t *Tracker) Active() []domain.Operation {
	t.mu.RLock()
	ops := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.RUnlock()

	out := make([]domain.Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *Tracker) newOperation(name string) *Operation {
	now := time.Now().UTC()
	op := &Operation{
		id:      uuid.New().String(),
		name:    name,
		tracker: t,
		created: now,
		updated: now,
		done:    make(chan struct{}),
	}
	if t.client != nil {
		op.account = t.client.Account().Hex()
	}
	t.metrics.started()
	return op
}

func (t *Tracker) snapshotSinks() []Sink {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Sink(nil), t.sinks...)
}

func (t *Tracker) observe(e domain.TxEvent, local bool) {
	if local {
		t.metrics.step(e.State)
		attrs := []any{
			slog.String("operation", e.Operation),
			slog.String("operation_id", e.OperationID),
			slog.Int("step", e.Step),
			slog.String("call", e.Metadata.Label()),
		}
		if e.Hash != "" {
			attrs = append(attrs, slog.String("hash", e.Hash))
		}
		switch e.State {
		case domain.TxError:
			t.logger.Warn("step failed", append(attrs, slog.String("error", e.Error))...)
		default:
			t.logger.Info("step "+string(e.State), attrs...)
		}
	}
	for _, s := range t.snapshotSinks() {
		s.HandleEvent(e)
	}
}

func (t *Tracker) settle(op *Operation) {
	t.mu.Lock()
	delete(t.ops, op.id)
	t.mu.Unlock()

	info := op.Info()
	t.metrics.settled(info.Name, info.Status)
	for _, s := range t.snapshotSinks() {
		s.HandleDone(info)
	}
}

// Run is the context a workflow uses to submit steps and join other
// operations.
type Run struct {
	op     *Operation
	client ledger.Client
}

// Op returns the operation the workflow drives.
func (r *Run) Op() *Operation { return r.op }

// Step submits call, waits for it to settle and reports pending, mined or
// error to the operation's listeners. Submitted steps are never retried.
func (r *Run) Step(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	meta := domain.TxMetadata{Contract: call.Contract, Method: call.Method, Args: call.Args}
	step := r.op.allocStep()
	start := time.Now()

	h, err := r.client.Submit(ctx, call)
	if err != nil {
		r.op.emit(domain.TxEvent{Step: step, State: domain.TxError, Metadata: meta, Err: err}, true)
		return ledger.Receipt{}, &StepError{Step: step, Metadata: meta, Err: err}
	}
	hash := h.Hash.Hex()
	r.op.emit(domain.TxEvent{Step: step, State: domain.TxPending, Metadata: meta, Hash: hash}, true)

	rcpt, err := r.client.WaitForConfirmation(ctx, h)
	if err != nil {
		r.op.emit(domain.TxEvent{Step: step, State: domain.TxError, Metadata: meta, Hash: hash, Err: err}, true)
		return ledger.Receipt{}, &StepError{Step: step, Metadata: meta, Err: err}
	}
	r.op.tracker.metrics.confirmed(time.Since(start))
	r.op.emit(domain.TxEvent{
		Step:        step,
		State:       domain.TxMined,
		Metadata:    meta,
		Hash:        hash,
		BlockNumber: rcpt.BlockNumber,
	}, true)
	return rcpt, nil
}

// Abort reports call as a failed step without submitting it. Workflows use
// it when a pre-check finds a failure the ledger would raise at that call.
func (r *Run) Abort(call ledger.Call, err error) error {
	meta := domain.TxMetadata{Contract: call.Contract, Method: call.Method, Args: call.Args}
	step := r.op.allocStep()
	r.op.emit(domain.TxEvent{Step: step, State: domain.TxError, Metadata: meta, Err: err}, true)
	return &StepError{Step: step, Metadata: meta, Err: err}
}

// Join waits for another operation and relays its transitions to this
// operation's listeners as if they were local steps. Transitions the
// sub-operation emitted before the join are replayed first; a sub-operation
// that already settled relays nothing. It returns the joined operation's
// error.
func (r *Run) Join(ctx context.Context, h Handle) error {
	sub := h.Op()
	if sub == r.op {
		return fmt.Errorf("txmgr: operation %s cannot join itself", sub.id)
	}
	(&forwarder{parent: r.op, steps: make(map[int]int)}).follow(sub)
	select {
	case <-sub.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return sub.Err()
}

// Go starts fn as a tracked operation named name and returns its Future at
// once. fn runs detached from ctx's cancellation: once a step is submitted
// the workflow keeps following it. Await honors its own context.
func Go[T any](ctx context.Context, t *Tracker, name string, fn func(ctx context.Context, run *Run) (T, error)) *Future[T] {
	op := t.newOperation(name)
	f := &Future[T]{op: op}
	t.Track(f)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("txmgr: %s panicked: %v", name, p)
				}
			}()
			v, err = fn(runCtx, &Run{op: op, client: t.client})
		}()
		f.val = v
		if err != nil {
			op.reportFailure(err)
		}
		op.finish(err, resultString(v, err))
	}()
	return f
}

func resultString(v any, err error) string {
	if err != nil || v == nil {
		return ""
	}
	switch r := v.(type) {
	case fmt.Stringer:
		return r.String()
	case string:
		return r
	}
	return ""
}
