package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store and Appender. All operations are serialized
// by a single mutex, which makes Memory trivially linearizable for replicas
// sharing one process (as in tests, or a single-replica deployment).
type Memory struct {
	// BeforeCAS, if non-nil, is invoked before each CompareAndSwap (and
	// CompareAndSwapAndPut) is applied, outside of the store lock. A non-nil
	// returned error fails the operation with that error. Tests use it to
	// inject delays and faults at the CAS boundary.
	BeforeCAS func(key string) error

	mu   sync.Mutex
	vals map[string]int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{vals: make(map[string]int64)}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.vals[key]; ok {
		return v, nil
	}
	return 0, ErrNotFound
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, value int64) error {
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}
	m.mu.Lock()
	m.vals[key] = value
	m.mu.Unlock()
	return nil
}

// CompareAndSwap implements Store.
func (m *Memory) CompareAndSwap(ctx context.Context, key string, expected, next int64, createIfMissing bool) error {
	if err := m.before(ctx, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cas(key, expected, next, createIfMissing)
}

// CompareAndSwapAndPut implements Appender.
func (m *Memory) CompareAndSwapAndPut(ctx context.Context,
	counterKey string, expected, next int64, createIfMissing bool,
	entryKey string, value int64) error {

	if err := m.before(ctx, counterKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.cas(counterKey, expected, next, createIfMissing); err != nil {
		return err
	}
	m.vals[entryKey] = value
	return nil
}

// Delete removes |key|, if it exists. Tests use it to fabricate holes.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.vals, key)
	m.mu.Unlock()
}

// Keys returns all current keys having |prefix|, in sorted order.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for k := range m.vals {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) before(ctx context.Context, key string) error {
	if m.BeforeCAS != nil {
		if err := m.BeforeCAS(key); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (m *Memory) cas(key string, expected, next int64, createIfMissing bool) error {
	if cur, ok := m.vals[key]; !ok && !createIfMissing {
		return ErrNotFound
	} else if ok && cur != expected {
		return ErrPreconditionFailed
	}
	m.vals[key] = next
	return nil
}
