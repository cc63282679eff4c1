// Package etcdstore implements store.Store and store.Appender over Etcd.
// Values are encoded as decimal strings. Compare-and-swap is expressed as an
// Etcd transaction conditioned on the current value or, for creation, on the
// key not existing.
package etcdstore

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/topiclog/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store is a store.Store backed by an Etcd cluster.
type Store struct {
	etcd clientv3.KV
}

// New returns a Store using the Etcd client |etcd|.
func New(etcd clientv3.KV) *Store { return &Store{etcd: etcd} }

// Get implements store.Store. Etcd serves linearizable reads by default.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	var resp, err = s.etcd.Get(ctx, key)
	if err != nil {
		return 0, mapErr(err)
	} else if len(resp.Kvs) == 0 {
		return 0, store.ErrNotFound
	}
	return decode(resp.Kvs[0].Value)
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value int64) error {
	var _, err = s.etcd.Put(ctx, key, encode(value))
	return mapErr(err)
}

// CompareAndSwap implements store.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next int64, createIfMissing bool) error {
	return s.txn(ctx, key, expected, next, createIfMissing, clientv3.OpPut(key, encode(next)))
}

// CompareAndSwapAndPut implements store.Appender.
func (s *Store) CompareAndSwapAndPut(ctx context.Context,
	counterKey string, expected, next int64, createIfMissing bool,
	entryKey string, value int64) error {

	return s.txn(ctx, counterKey, expected, next, createIfMissing,
		clientv3.OpPut(counterKey, encode(next)),
		clientv3.OpPut(entryKey, encode(value)))
}

// txn applies |ops| if |key| has value |expected|. If the key doesn't exist
// and |createIfMissing|, a second transaction applies |ops| only if the key
// still doesn't exist.
func (s *Store) txn(ctx context.Context, key string, expected, next int64, createIfMissing bool, ops ...clientv3.Op) error {
	var resp, err = s.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", encode(expected))).
		Then(ops...).
		Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
		Commit()

	if err != nil {
		return mapErr(err)
	} else if resp.Succeeded {
		return nil
	} else if resp.Responses[0].GetResponseRange().Count != 0 {
		return store.ErrPreconditionFailed
	} else if !createIfMissing {
		return store.ErrNotFound
	}

	// Key doesn't exist. Create it, asserting it still doesn't.
	resp, err = s.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(ops...).
		Commit()

	if err != nil {
		return mapErr(err)
	} else if !resp.Succeeded {
		return store.ErrPreconditionFailed // Raced with a concurrent create.
	}
	return nil
}

func encode(v int64) string { return strconv.FormatInt(v, 10) }

func decode(b []byte) (int64, error) {
	var v, err = strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, errors.WithMessagef(err, "decoding value %q", b)
	}
	return v, nil
}

// mapErr maps Etcd client errors onto store errors. Failures to reach a
// quorum, and expired deadlines, are transient.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case context.DeadlineExceeded, context.Canceled,
		rpctypes.ErrTimeout, rpctypes.ErrTimeoutDueToLeaderFail,
		rpctypes.ErrTimeoutDueToConnectionLost, rpctypes.ErrNoLeader,
		rpctypes.ErrLeaderChanged, rpctypes.ErrTooManyRequests:
		return store.Unavailable(err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return store.Unavailable(err)
	}
	return err
}
