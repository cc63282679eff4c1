// Package linkv implements store.Store over Maelstrom's linearizable
// key/value service ("lin-kv"), reached through RPCs of a Maelstrom node.
//
// lin-kv offers no multi-key transactions, and so Store doesn't implement
// store.Appender: topics served over it may have holes.
package linkv

import (
	"context"

	maelstrom "github.com/jepsen-io/maelstrom/demo/go"
	"github.com/pkg/errors"
	"go.gazette.dev/topiclog/store"
)

// KV is the subset of *maelstrom.KV used by Store.
type KV interface {
	Read(ctx context.Context, key string) (any, error)
	Write(ctx context.Context, key string, value any) error
	CompareAndSwap(ctx context.Context, key string, from, to any, createIfNotExists bool) error
}

// Store is a store.Store backed by a Maelstrom key/value service.
type Store struct {
	kv KV
}

// New returns a Store using the lin-kv service of Maelstrom |node|.
func New(node *maelstrom.Node) *Store { return &Store{kv: maelstrom.NewLinKV(node)} }

// NewWithKV returns a Store using the given KV.
func NewWithKV(kv KV) *Store { return &Store{kv: kv} }

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	var v, err = s.kv.Read(ctx, key)
	if err != nil {
		return 0, mapErr(ctx, err)
	}
	return toInt64(v)
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value int64) error {
	return mapErr(ctx, s.kv.Write(ctx, key, value))
}

// CompareAndSwap implements store.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next int64, createIfMissing bool) error {
	return mapErr(ctx, s.kv.CompareAndSwap(ctx, key, expected, next, createIfMissing))
}

// toInt64 converts a value decoded from a JSON reply body. Numbers decode as
// float64, but tolerate integral types for KV implementations which skip JSON.
func toInt64(v any) (int64, error) {
	switch vv := v.(type) {
	case float64:
		return int64(vv), nil
	case int:
		return int64(vv), nil
	case int64:
		return vv, nil
	default:
		return 0, errors.Errorf("unexpected value type %T (%v)", v, v)
	}
}

// mapErr maps Maelstrom RPC error codes onto store errors.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch maelstrom.ErrorCode(err) {
	case maelstrom.KeyDoesNotExist:
		return store.ErrNotFound
	case maelstrom.PreconditionFailed:
		return store.ErrPreconditionFailed
	case maelstrom.Timeout, maelstrom.TemporarilyUnavailable, maelstrom.Crash:
		return store.Unavailable(err)
	}
	// The node's RPC returns the bare context error if no reply arrives in time.
	if ctx.Err() != nil || errors.Cause(err) == context.DeadlineExceeded {
		return store.Unavailable(err)
	}
	return err
}
