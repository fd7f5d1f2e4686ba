package txmgr

import "github.com/abbaskiko/mcdkit/internal/domain"

// Listener receives the lifecycle transitions of a tracked operation.
// Callbacks run on the goroutine driving the operation and must not block.
type Listener interface {
	OnPending(e domain.TxEvent)
	OnMined(e domain.TxEvent)
	OnError(e domain.TxEvent)
}

// Handlers adapts optional callbacks to a Listener.
type Handlers struct {
	Pending func(e domain.TxEvent)
	Mined   func(e domain.TxEvent)
	Error   func(e domain.TxEvent)
}

func (h Handlers) OnPending(e domain.TxEvent) {
	if h.Pending != nil {
		h.Pending(e)
	}
}

func (h Handlers) OnMined(e domain.TxEvent) {
	if h.Mined != nil {
		h.Mined(e)
	}
}

func (h Handlers) OnError(e domain.TxEvent) {
	if h.Error != nil {
		h.Error(e)
	}
}

// ListenerFunc receives every transition through a single callback and
// switches on e.State itself.
type ListenerFunc func(e domain.TxEvent)

func (f ListenerFunc) OnPending(e domain.TxEvent) { f(e) }
func (f ListenerFunc) OnMined(e domain.TxEvent)   { f(e) }
func (f ListenerFunc) OnError(e domain.TxEvent)   { f(e) }

// Sink observes every operation of a Tracker, including completion.
type Sink interface {
	HandleEvent(e domain.TxEvent)
	HandleDone(op domain.Operation)
}

func deliver(l Listener, e domain.TxEvent) {
	switch e.State {
	case domain.TxPending:
		l.OnPending(e)
	case domain.TxMined:
		l.OnMined(e)
	case domain.TxError:
		l.OnError(e)
	}
}
