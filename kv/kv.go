// Package kv defines the durable key-value contract used for recovery and
// idempotency persistence. Backends live in subpackages: inmem for tests
// and single-process use, sqlitekv for local durability, rediskv for
// shared deployments. The state machines built on top run identically
// against any backend.
package kv

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a durable key-value store. Get reports found=false for absent
// keys rather than an error; Delete of an absent key is a no-op.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
