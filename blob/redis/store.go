// Package redis implements the blob store on Redis. Payloads expire after a
// TTL comfortably longer than the longest suspension window, so abandoned
// executions do not leak storage.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/itsbrex/julep/blob"
	"github.com/itsbrex/julep/execution"
)

type (
	// Options configures the Redis blob store.
	Options struct {
		Client    goredis.UniversalClient
		KeyPrefix string
		TTL       time.Duration
	}

	// Store is the Redis-backed blob store.
	Store struct {
		client goredis.UniversalClient
		prefix string
		ttl    time.Duration
	}
)

var (
	_ blob.Store    = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

const (
	defaultPrefix = "julep:blob:"
	// Suspensions may last up to 31 days; keep blobs twice that.
	defaultTTL = 62 * 24 * time.Hour
	storeName  = "blob-redis"
)

// New returns a Store backed by the provided Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: opts.Client, prefix: prefix, ttl: ttl}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Put implements blob.Store.
func (s *Store) Put(ctx context.Context, payload []byte) (string, error) {
	key := s.prefix + uuid.NewString()
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return "", execution.WrapError(execution.KindTransient, err, "store blob")
	}
	return key, nil
}

// Get implements blob.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, execution.NewError(execution.KindNotFound, "blob %s not found", key)
		}
		return nil, execution.WrapError(execution.KindTransient, err, "load blob %s", key)
	}
	return val, nil
}
