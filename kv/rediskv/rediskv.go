// Package rediskv provides a kv.Store backed by Redis, for deployments
// where recovery state must be visible across processes.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed key-value store. Keys are namespaced with a
// prefix so multiple stores can share one Redis database.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Config configures a Store.
type Config struct {
	// Client is the Redis client to use. Required.
	Client *redis.Client
	// Prefix namespaces all keys. Defaults to "turnstream:".
	Prefix string
	// TTL bounds how long entries live. Zero means no expiry.
	TTL time.Duration
}

// New creates a Store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "turnstream:"
	}
	return &Store{client: cfg.Client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}
