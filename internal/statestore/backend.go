// Package statestore keeps processed-conversation markers, the cached CRM
// access token and best-effort counters in a key-value backend.
package statestore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidDSN         = errors.New("invalid store dsn")
	ErrUnsupportedBackend = errors.New("unsupported store backend")
)

// Backend is the minimal key-value protocol every store implementation
// speaks. A ttl <= 0 means the key never expires.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
