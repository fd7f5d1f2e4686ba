package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

const defaultHistoryTTL = 2 * time.Minute

// HistoryCache implements domain.HistoryCache. Each proxy's combined event
// history is one JSON string at "history:{proxy}".
type HistoryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewHistoryCache returns a cache whose entries live for ttl, or two
// minutes when ttl is zero.
func NewHistoryCache(c *Client, ttl time.Duration) *HistoryCache {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &HistoryCache{rdb: c.Underlying(), ttl: ttl}
}

func historyKey(proxy string) string { return "history:" + strings.ToLower(proxy) }

func (hc *HistoryCache) Set(ctx context.Context, proxy string, events []domain.CdpEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("redis: marshal history %s: %w", proxy, err)
	}
	if err := hc.rdb.Set(ctx, historyKey(proxy), data, hc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set history %s: %w", proxy, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (hc *HistoryCache) Get(ctx context.Context, proxy string) ([]domain.CdpEvent, error) {
	data, err := hc.rdb.Get(ctx, historyKey(proxy)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get history %s: %w", proxy, err)
	}
	var events []domain.CdpEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("redis: unmarshal history %s: %w", proxy, err)
	}
	return events, nil
}

func (hc *HistoryCache) Invalidate(ctx context.Context, proxy string) error {
	if err := hc.rdb.Del(ctx, historyKey(proxy)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate history %s: %w", proxy, err)
	}
	return nil
}

var _ domain.HistoryCache = (*HistoryCache)(nil)
