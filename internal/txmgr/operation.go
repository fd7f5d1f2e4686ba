package txmgr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

// StepError reports which step of an operation failed.
type StepError struct {
	Step     int
	Metadata domain.TxMetadata
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("txmgr: step %d %s: %v", e.Step, e.Metadata.Label(), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type listenerEntry struct {
	l Listener
	// seq is the number of events already emitted when l attached.
	seq uint64
}

// Operation is one tracked unit: an ordered run of ledger steps plus any
// sub-operations it joined. Its state is mutated only by the goroutine that
// drives it.
type Operation struct {
	id      string
	name    string
	account string
	tracker *Tracker
	created time.Time
	done    chan struct{}

	mu           sync.Mutex
	seq          uint64
	nextStep     int
	listeners    []listenerEntry
	history      []domain.TxEvent
	lastMined    *domain.TxEvent
	lastMinedSeq uint64
	failed       bool
	finished     bool
	err          error
	result       string
	updated      time.Time
}

// ID returns the operation's unique id.
func (op *Operation) ID() string { return op.id }

// Name returns the workflow name, e.g. "openLockAndDraw".
func (op *Operation) Name() string { return op.name }

// Done is closed once every listener has seen the terminal transition.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Err returns the failure of a settled operation.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Info returns a snapshot suitable for persistence or display.
func (op *Operation) Info() domain.Operation {
	op.mu.Lock()
	defer op.mu.Unlock()
	info := domain.Operation{
		ID:        op.id,
		Name:      op.name,
		Account:   op.account,
		Status:    domain.TxPending,
		Steps:     op.nextStep,
		Result:    op.result,
		CreatedAt: op.created,
		UpdatedAt: op.updated,
	}
	if op.finished {
		info.Status = domain.TxMined
		if op.err != nil {
			info.Status = domain.TxError
			info.Error = op.err.Error()
		}
	}
	return info
}

func (op *Operation) allocStep() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	i := op.nextStep
	op.nextStep++
	return i
}

// listen attaches l. On a settled successful operation the final mined
// transition is delivered immediately; nothing else is replayed.
func (op *Operation) listen(l Listener) {
	op.mu.Lock()
	if op.finished {
		last, failed := op.lastMined, op.err != nil
		op.mu.Unlock()
		if last != nil && !failed {
			deliver(l, *last)
		}
		return
	}
	op.listeners = append(op.listeners, listenerEntry{l: l, seq: op.seq})
	op.mu.Unlock()
}

// attach adds l only while the operation is still running and returns the
// transitions emitted before it. Every transition lands either in the
// returned history or in l, never both.
func (op *Operation) attach(l Listener) ([]domain.TxEvent, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.finished {
		return nil, false
	}
	op.listeners = append(op.listeners, listenerEntry{l: l, seq: op.seq})
	return append([]domain.TxEvent(nil), op.history...), true
}

// emit delivers e to the listeners attached so far and to the tracker.
// local is false for transitions forwarded from a joined sub-operation.
func (op *Operation) emit(e domain.TxEvent, local bool) {
	e.OperationID = op.id
	e.Operation = op.name
	e.At = time.Now().UTC()
	if e.Err != nil {
		e.Error = e.Err.Error()
	}

	op.mu.Lock()
	op.seq++
	op.history = append(op.history, e)
	if e.State == domain.TxError {
		op.failed = true
	}
	if e.State == domain.TxMined {
		cp := e
		op.lastMined = &cp
		op.lastMinedSeq = op.seq
	}
	op.updated = e.At
	ls := make([]Listener, len(op.listeners))
	for i, le := range op.listeners {
		ls[i] = le.l
	}
	op.mu.Unlock()

	for _, l := range ls {
		deliver(l, e)
	}
	op.tracker.observe(e, local)
}

// reportFailure emits an error transition for a workflow that failed
// without one, so listeners always see how the operation ended. The
// metadata of a StepError in err's chain names the step; otherwise the
// operation itself does.
func (op *Operation) reportFailure(err error) {
	op.mu.Lock()
	reported := op.failed
	op.mu.Unlock()
	if reported {
		return
	}
	meta := domain.TxMetadata{Method: op.name}
	var se *StepError
	if errors.As(err, &se) {
		meta = se.Metadata
	}
	op.emit(domain.TxEvent{Step: op.allocStep(), State: domain.TxError, Metadata: meta, Err: err}, true)
}

// finish settles the operation. Listeners that attached after the last
// mined transition receive it now.
func (op *Operation) finish(err error, result string) {
	op.mu.Lock()
	op.err = err
	op.result = result
	op.updated = time.Now().UTC()
	var late []Listener
	var last domain.TxEvent
	if err == nil && op.lastMined != nil {
		last = *op.lastMined
		for _, le := range op.listeners {
			if le.seq >= op.lastMinedSeq {
				late = append(late, le.l)
			}
		}
	}
	op.finished = true
	op.listeners = nil
	op.history = nil
	op.mu.Unlock()

	for _, l := range late {
		deliver(l, last)
	}
	op.tracker.settle(op)
	close(op.done)
}

// forwarder re-emits a joined sub-operation's transitions on its parent,
// mapping the sub-operation's step numbers onto fresh parent steps.
// mu is held across emit so replayed history precedes live transitions.
type forwarder struct {
	parent *Operation
	mu     sync.Mutex
	steps  map[int]int
}

func (f *forwarder) relay(e domain.TxEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayLocked(e)
}

func (f *forwarder) relayLocked(e domain.TxEvent) {
	step, ok := f.steps[e.Step]
	if !ok {
		step = f.parent.allocStep()
		f.steps[e.Step] = step
	}
	e.Step = step
	f.parent.emit(e, false)
}

// follow attaches f to sub and replays what sub emitted so far.
func (f *forwarder) follow(sub *Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	past, ok := sub.attach(f)
	if !ok {
		return
	}
	for _, e := range past {
		f.relayLocked(e)
	}
}

func (f *forwarder) OnPending(e domain.TxEvent) { f.relay(e) }
func (f *forwarder) OnMined(e domain.TxEvent)   { f.relay(e) }
func (f *forwarder) OnError(e domain.TxEvent)   { f.relay(e) }
