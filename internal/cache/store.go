// Package cache provides the byte-value cache behind the attestation engine's
// health metrics. The memory store is the default; a redis store can be
// selected by configuration for multi-process deployments.
package cache

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
