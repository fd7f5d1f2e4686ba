// Package ws streams tracked-operation lifecycle events to WebSocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256
)

// Message is the envelope written to clients. It matches the JSON the
// journal publishes on the bus.
type Message struct {
	Kind      string            `json:"kind"` // "hello", "event" or "operation"
	Event     *domain.TxEvent   `json:"event,omitempty"`
	Operation *domain.Operation `json:"operation,omitempty"`
	Hello     *hello            `json:"hello,omitempty"`
}

type hello struct {
	Account   string             `json:"account"`
	StartedAt time.Time          `json:"started_at"`
	Active    []domain.Operation `json:"active"`
}

// operationID extracts the operation a message belongs to.
func (m Message) operationID() string {
	switch {
	case m.Event != nil:
		return m.Event.OperationID
	case m.Operation != nil:
		return m.Operation.ID
	}
	return ""
}

// subscribeMsg is sent by clients to narrow the feed to some operations.
// An empty filter means every operation.
//
//	{"action":"subscribe","operations":["6f1c..."]}
type subscribeMsg struct {
	Action     string   `json:"action"` // "subscribe" or "unsubscribe"
	Operations []string `json:"operations"`
}

// ActiveLister is satisfied by *txmgr.Tracker.
type ActiveLister interface {
	Active() []domain.Operation
}

// Config captures what the hub reports to clients on connect.
type Config struct {
	Account   string
	StartedAt time.Time
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	ops  map[string]bool
}

// Hub fans lifecycle messages out to connected clients. Messages come from
// the signal bus when one is given to Run, or directly from the tracker
// through the txmgr.Sink methods otherwise.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	active     ActiveLister
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	account    string
	startedAt  time.Time
}

type broadcastMsg struct {
	operationID string
	data        []byte
}

// NewHub creates a hub. active may be nil.
func NewHub(active ActiveLister, logger *slog.Logger, cfg Config) *Hub {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		active:     active,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:    logger.With(slog.String("component", "ws")),
		account:   cfg.Account,
		startedAt: startedAt,
	}
}

var _ txmgr.Sink = (*Hub)(nil)

// HandleEvent implements txmgr.Sink.
func (h *Hub) HandleEvent(e domain.TxEvent) {
	h.publish(Message{Kind: "event", Event: &e})
}

// HandleDone implements txmgr.Sink.
func (h *Hub) HandleDone(op domain.Operation) {
	h.publish(Message{Kind: "operation", Operation: &op})
}

func (h *Hub) publish(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.logger.Error("ws: marshal message failed", slog.String("error", err.Error()))
		return
	}
	h.enqueue(broadcastMsg{operationID: m.operationID(), data: data})
}

func (h *Hub) enqueue(msg broadcastMsg) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping message",
			slog.String("operation_id", msg.operationID),
		)
	}
}

// Run starts the hub's main event loop and blocks until ctx is cancelled.
// With a non-nil bus it also relays the tx event channel. Connections that
// arrive after Run returns are closed immediately.
func (h *Hub) Run(ctx context.Context, bus domain.SignalBus) error {
	defer close(h.done)
	if bus != nil {
		go h.relay(ctx, bus)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.operationID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay forwards journal envelopes from the bus to the broadcast loop.
func (h *Hub) relay(ctx context.Context, bus domain.SignalBus) {
	msgCh, err := bus.Subscribe(ctx, domain.ChannelTxEvents)
	if err != nil {
		h.logger.Error("ws: failed to subscribe",
			slog.String("channel", domain.ChannelTxEvents),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed", slog.String("channel", domain.ChannelTxEvents))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", domain.ChannelTxEvents))
				return
			}
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				h.logger.Warn("ws: undecodable bus message", slog.String("error", err.Error()))
				continue
			}
			h.enqueue(broadcastMsg{operationID: m.operationID(), data: data})
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		ops:  make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Operations {
			c.ops[id] = true
		}
	case "unsubscribe":
		for _, id := range msg.Operations {
			delete(c.ops, id)
		}
	}
}

func (c *client) wants(operationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ops) == 0 || c.ops[operationID]
}

func (c *client) sendHello() {
	hl := &hello{Account: c.hub.account, StartedAt: c.hub.startedAt, Active: []domain.Operation{}}
	if c.hub.active != nil {
		hl.Active = c.hub.active.Active()
	}
	msg, err := json.Marshal(Message{Kind: "hello", Hello: hl})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
