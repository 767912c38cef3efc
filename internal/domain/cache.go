package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceCache provides fast access to recently fetched oracle prices.
// Prices are USD with 8-decimal fixed-point scaling.
type PriceCache interface {
	SetPrice(ctx context.Context, asset common.Address, price *big.Int, ts time.Time) error
	GetPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error)
}

// LockManager provides distributed locking for cross-instance exclusion on
// a position. It complements, not replaces, the registry's in-process lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for position lifecycle
// events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
