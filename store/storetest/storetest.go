// Package storetest provides a conformance suite which every store.Store
// implementation is expected to pass.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/topiclog/store"
)

// Run the conformance suite against |s|. All keys used by the suite are
// placed under |prefix|, which should be unique to the invocation.
func Run(t *testing.T, s store.Store, prefix string) {
	t.Run("GetPut", func(t *testing.T) { testGetPut(t, s, prefix+"/get-put") })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, s, prefix+"/cas") })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, s, prefix+"/incr") })

	if app, ok := s.(store.Appender); ok {
		t.Run("CompareAndSwapAndPut", func(t *testing.T) {
			testCompareAndSwapAndPut(t, s, app, prefix+"/append")
		})
	}
}

func testGetPut(t *testing.T, s store.Store, key string) {
	var ctx = context.Background()

	var _, err = s.Get(ctx, key)
	require.True(t, store.IsNotFound(err), "err: %v", err)

	require.NoError(t, s.Put(ctx, key, 42))
	v, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	// Values may be overwritten, and zero is a value distinct from absence.
	require.NoError(t, s.Put(ctx, key, 0))
	v, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	// Negative values round-trip.
	require.NoError(t, s.Put(ctx, key, -7))
	v, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(-7), v)
}

func testCompareAndSwap(t *testing.T, s store.Store, key string) {
	var ctx = context.Background()

	// Case: key is missing, and may not be created.
	var err = s.CompareAndSwap(ctx, key, 0, 1, false)
	require.True(t, store.IsNotFound(err), "err: %v", err)

	// Case: key is missing, and is created with |next|.
	require.NoError(t, s.CompareAndSwap(ctx, key, 0, 1, true))
	v, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	// Case: expectation doesn't match.
	err = s.CompareAndSwap(ctx, key, 0, 2, true)
	require.True(t, store.IsPreconditionFailed(err), "err: %v", err)
	require.False(t, store.IsTransient(err))

	// Case: expectation matches.
	require.NoError(t, s.CompareAndSwap(ctx, key, 1, 2, false))
	v, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	// Case: an existing zero value is matched (it's not treated as absent).
	require.NoError(t, s.Put(ctx, key, 0))
	require.NoError(t, s.CompareAndSwap(ctx, key, 0, 5, false))
	v, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
}

func testConcurrentIncrement(t *testing.T, s store.Store, key string) {
	const workers, perWorker = 8, 10
	var ctx = context.Background()
	var wg sync.WaitGroup

	for i := 0; i != workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for n := 0; n != perWorker; {
				var cur, err = s.Get(ctx, key)
				if store.IsNotFound(err) {
					cur, err = 0, nil
				}
				require.NoError(t, err)

				if err = s.CompareAndSwap(ctx, key, cur, cur+1, true); err == nil {
					n++
				} else {
					require.True(t, store.IsPreconditionFailed(err), "err: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	var v, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(workers*perWorker), v)
}

func testCompareAndSwapAndPut(t *testing.T, s store.Store, app store.Appender, prefix string) {
	var ctx = context.Background()
	var counter, entry0, entry1 = prefix + "/counter", prefix + "/entry/0", prefix + "/entry/1"

	require.NoError(t, app.CompareAndSwapAndPut(ctx, counter, 0, 1, true, entry0, 100))

	// A failed precondition applies neither the swap nor the put.
	var err = app.CompareAndSwapAndPut(ctx, counter, 0, 1, true, entry1, 200)
	require.True(t, store.IsPreconditionFailed(err), "err: %v", err)
	_, err = s.Get(ctx, entry1)
	require.True(t, store.IsNotFound(err), "err: %v", err)

	require.NoError(t, app.CompareAndSwapAndPut(ctx, counter, 1, 2, true, entry1, 200))

	for key, expect := range map[string]int64{counter: 2, entry0: 100, entry1: 200} {
		var v, err = s.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, expect, v, key)
	}
}
