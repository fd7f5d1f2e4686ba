package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Channel and stream names for tracked-transaction events.
const (
	ChannelTxEvents = "tx_events"
	StreamTxEvents  = "stream:tx_events"
)

// HistoryCache holds recently computed combined event histories keyed by
// proxy address.
type HistoryCache interface {
	Get(ctx context.Context, proxy string) ([]CdpEvent, error)
	Set(ctx context.Context, proxy string, events []CdpEvent) error
	Invalidate(ctx context.Context, proxy string) error
}
