package topiclog

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/topiclog/metrics"
	"go.gazette.dev/topiclog/store"
)

func TestSendPollCommitScenario(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		var l = newTestLog(store.NewMemory(), func(cfg *Config) { cfg.AtomicAppend = atomic })
		var ctx = context.Background()

		var offset, err = l.Send(ctx, "x", 1)
		require.NoError(t, err)
		require.Equal(t, int64(0), offset)
		offset, err = l.Send(ctx, "x", 2)
		require.NoError(t, err)
		require.Equal(t, int64(1), offset)

		out, err := l.Poll(ctx, map[string]int64{"x": 0})
		require.NoError(t, err)
		require.Equal(t, map[string][]Entry{"x": {{0, 1}, {1, 2}}}, out)

		require.NoError(t, l.CommitOffsets(ctx, map[string]int64{"x": 1}))
		committed, err := l.ListCommitted(ctx, []string{"x"})
		require.NoError(t, err)
		require.Equal(t, map[string]int64{"x": 1}, committed)

		// A never-committed topic is absent (not zero).
		committed, err = l.ListCommitted(ctx, []string{"y"})
		require.NoError(t, err)
		require.Equal(t, map[string]int64{}, committed)
	}
}

func TestSendAtomicityFollowsStoreAndConfig(t *testing.T) {
	var ctx = context.Background()

	var atomicAppends = testutil.ToFloat64(metrics.AppendedEntriesTotal.WithLabelValues("true"))
	var plainAppends = testutil.ToFloat64(metrics.AppendedEntriesTotal.WithLabelValues("false"))

	// Case: Appender store with AtomicAppend performs a single CAS-and-put.
	var mem = store.NewMemory()
	var l = newTestLog(mem, nil)
	var swaps int
	mem.BeforeCAS = func(string) error { swaps++; return nil }

	var _, err = l.Send(ctx, "x", 1)
	require.NoError(t, err)
	require.Equal(t, 1, swaps)
	require.Equal(t, atomicAppends+1, testutil.ToFloat64(metrics.AppendedEntriesTotal.WithLabelValues("true")))

	// Case: a Store which isn't an Appender allocates, then writes.
	var plain = plainStore{Store: store.NewMemory()}
	l = newTestLog(plain, nil)

	offset, err := l.Send(ctx, "x", 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)

	v, err := plain.Get(ctx, NewKeys("/test").Entry("x", 0))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
	require.Equal(t, plainAppends+1, testutil.ToFloat64(metrics.AppendedEntriesTotal.WithLabelValues("false")))
}

func TestConcurrentSendsAllocateDistinctContiguousOffsets(t *testing.T) {
	for _, tc := range []struct {
		name   string
		atomic bool
		hints  int
	}{
		{"atomic", true, 0},
		{"non-atomic", false, 0},
		{"atomic-with-hints", true, 16},
		{"non-atomic-with-hints", false, 16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const replicas, perReplica = 4, 16

			var mem = store.NewMemory()
			// Inject a delay at the CAS boundary, widening the window
			// between each read of the counter and its swap.
			mem.BeforeCAS = func(string) error {
				time.Sleep(50 * time.Microsecond)
				return nil
			}

			// Replicas share only the store.
			var logs []*Log
			for i := 0; i != replicas; i++ {
				logs = append(logs, newTestLog(mem, func(cfg *Config) {
					cfg.AtomicAppend = tc.atomic
					cfg.HintCacheSize = tc.hints
				}))
			}

			var mu sync.Mutex
			var offsets []int64
			var errs []error
			var wg sync.WaitGroup

			for r := 0; r != replicas; r++ {
				for i := 0; i != perReplica; i++ {
					wg.Add(1)
					go func(l *Log, payload int64) {
						defer wg.Done()

						var offset, err = l.Send(context.Background(), "topic", payload)

						mu.Lock()
						if err != nil {
							errs = append(errs, err)
						} else {
							offsets = append(offsets, offset)
						}
						mu.Unlock()
					}(logs[r], int64(r*perReplica+i))
				}
			}
			wg.Wait()
			require.Empty(t, errs)

			sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
			require.Len(t, offsets, replicas*perReplica)
			for i, o := range offsets {
				require.Equal(t, int64(i), o)
			}

			// Every allocated offset has an entry, and each payload appears once.
			var out, err = logs[0].Poll(context.Background(), map[string]int64{"topic": 0})
			require.NoError(t, err)
			require.Len(t, out["topic"], replicas*perReplica)

			var seen = make(map[int64]bool)
			for i, e := range out["topic"] {
				require.Equal(t, int64(i), e.Offset)
				require.False(t, seen[e.Payload])
				seen[e.Payload] = true
			}
		})
	}
}

func TestPollRangesAndOmissions(t *testing.T) {
	var l = newTestLog(store.NewMemory(), nil)
	var ctx = context.Background()

	for i := int64(0); i != 5; i++ {
		var _, err = l.Send(ctx, "a", 100+i)
		require.NoError(t, err)
	}
	var _, err = l.Send(ctx, "b", 200)
	require.NoError(t, err)

	out, err := l.Poll(ctx, map[string]int64{
		"a":       3,  // Mid-range.
		"b":       5,  // Beyond the end: present, but empty.
		"missing": 0,  // Never written: omitted.
		"c/0":     -1, // Never written, with a negative offset.
	})
	require.NoError(t, err)
	require.Equal(t, map[string][]Entry{
		"a": {{3, 103}, {4, 104}},
		"b": {},
	}, out)

	// Negative offsets read from the beginning.
	out, err = l.Poll(ctx, map[string]int64{"b": -3})
	require.NoError(t, err)
	require.Equal(t, map[string][]Entry{"b": {{0, 200}}}, out)

	// An empty request has an empty response.
	out, err = l.Poll(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestPollLimit(t *testing.T) {
	var l = newTestLog(store.NewMemory(), func(cfg *Config) { cfg.PollLimit = 2 })
	var ctx = context.Background()

	for i := int64(0); i != 5; i++ {
		var _, err = l.Send(ctx, "a", i)
		require.NoError(t, err)
	}
	var out, err = l.Poll(ctx, map[string]int64{"a": 1})
	require.NoError(t, err)
	require.Equal(t, map[string][]Entry{"a": {{1, 1}, {2, 2}}}, out)
}

func TestPollHolePolicies(t *testing.T) {
	var ctx = context.Background()
	var holes = testutil.ToFloat64(metrics.HolesTotal)
	var mem = store.NewMemory()
	var keys = NewKeys("/test")

	// Offsets 0..3 are allocated, but offset 1 has no entry.
	require.NoError(t, mem.Put(ctx, keys.Counter("x"), 4))
	for _, o := range []int64{0, 2, 3} {
		require.NoError(t, mem.Put(ctx, keys.Entry("x", o), 10*o))
	}

	for _, tc := range []struct {
		policy HolePolicy
		expect []Entry
	}{
		{HoleTruncate, []Entry{{0, 0}}},
		{HoleSkip, []Entry{{0, 0}, {2, 20}, {3, 30}}},
	} {
		var l = newTestLog(mem, func(cfg *Config) { cfg.Holes = tc.policy })
		var out, err = l.Poll(ctx, map[string]int64{"x": 0})
		require.NoError(t, err, tc.policy.String())
		require.Equal(t, map[string][]Entry{"x": tc.expect}, out, tc.policy.String())
	}

	// Case: truncate at the start of the range yields an empty slice.
	var l = newTestLog(mem, func(cfg *Config) { cfg.Holes = HoleTruncate })
	var out, err = l.Poll(ctx, map[string]int64{"x": 1})
	require.NoError(t, err)
	require.Equal(t, map[string][]Entry{"x": {}}, out)

	// Case: fail.
	l = newTestLog(mem, func(cfg *Config) { cfg.Holes = HoleFail })
	_, err = l.Poll(ctx, map[string]int64{"x": 0})
	require.EqualError(t, err, `polling "x": offset 1: allocated offset has no entry`)
	require.Equal(t, ErrHole, errors.Cause(err))
	require.False(t, IsRetryable(err))

	// Ranges which don't include the hole are unaffected.
	out, err = l.Poll(ctx, map[string]int64{"x": 2})
	require.NoError(t, err)
	require.Equal(t, map[string][]Entry{"x": {{2, 20}, {3, 30}}}, out)

	// Each Poll which read through the hole counted it once.
	require.Equal(t, holes+4, testutil.ToFloat64(metrics.HolesTotal))
}

func TestSendWriteFailureLeavesHole(t *testing.T) {
	var ctx = context.Background()
	var failing = &faultyStore{Store: store.NewMemory(), putErr: store.Unavailable(errors.New("down"))}
	var l = newTestLog(failing, nil)

	var _, err = l.Send(ctx, "x", 1)
	require.Equal(t, ErrWriteAfterAllocate, errors.Cause(err))
	require.False(t, IsRetryable(err))
	require.Contains(t, err.Error(), `topic "x" offset 0`)

	// Transient put failures were retried before giving up.
	require.Equal(t, DefaultRetryPolicy.MaxTransient+1, failing.puts)

	// The offset was allocated, and the next Send is assigned the next.
	failing.putErr = nil
	offset, err := l.Send(ctx, "x", 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), offset)

	var out, _ = l.Poll(ctx, map[string]int64{"x": 0})
	require.Equal(t, map[string][]Entry{"x": {}}, out) // Truncated at the hole.
}

func TestAllocationContentionIsBounded(t *testing.T) {
	var mem = store.NewMemory()
	var l = newTestLog(mem, func(cfg *Config) { cfg.Retry.MaxConflicts = 5 })
	var ctx = context.Background()

	var conflicts = func(op string) float64 {
		return testutil.ToFloat64(metrics.CASConflictsTotal.WithLabelValues(op))
	}
	var exhausted = func(op string) float64 {
		return testutil.ToFloat64(metrics.RetriesExhaustedTotal.WithLabelValues(op))
	}
	var appendConflicts, appendExhausted = conflicts("append"), exhausted("append")
	var commitConflicts, commitExhausted = conflicts("commit"), exhausted("commit")

	// Another "replica" always wins the race.
	var attempts int
	mem.BeforeCAS = func(key string) error {
		attempts++
		var cur, _ = mem.Get(ctx, key)
		return mem.Put(ctx, key, cur+1)
	}

	var _, err = l.Send(ctx, "x", 1)
	require.Equal(t, ErrContention, errors.Cause(err))
	require.True(t, IsRetryable(err))
	require.Equal(t, 6, attempts)
	require.Equal(t, appendConflicts+6, conflicts("append"))
	require.Equal(t, appendExhausted+1, exhausted("append"))

	// Same for commits.
	attempts = 0
	err = l.Commit(ctx, "x", 100)
	require.Equal(t, ErrContention, errors.Cause(err))
	require.Equal(t, 6, attempts)
	require.Equal(t, commitConflicts+6, conflicts("commit"))
	require.Equal(t, commitExhausted+1, exhausted("commit"))
}

func TestTransientFailuresAreRetriedThenSurfaced(t *testing.T) {
	var ctx = context.Background()
	var flaky = &faultyStore{Store: store.NewMemory(), getFailures: 2, getErr: store.ErrUnavailable}
	var l = newTestLog(flaky, nil)
	var retries = testutil.ToFloat64(metrics.TransientRetriesTotal.WithLabelValues("allocate"))

	// Two transient failures are within budget.
	var offset, err = l.Send(ctx, "x", 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)
	require.Equal(t, retries+2, testutil.ToFloat64(metrics.TransientRetriesTotal.WithLabelValues("allocate")))

	// More failures than the budget are surfaced as retryable (and not as contention).
	flaky.getFailures = DefaultRetryPolicy.MaxTransient + 1
	_, err = l.Send(ctx, "x", 2)
	require.True(t, IsRetryable(err))
	require.True(t, store.IsTransient(err))
	require.NotEqual(t, ErrContention, errors.Cause(err))

	flaky.getFailures = DefaultRetryPolicy.MaxTransient + 1
	_, err = l.ListCommitted(ctx, []string{"x"})
	require.True(t, IsRetryable(err))
}

func TestCancelledContextStopsRetries(t *testing.T) {
	var mem = store.NewMemory()
	var l = newTestLog(mem, func(cfg *Config) {
		cfg.Retry.ImmediateConflicts = 0
		cfg.Retry.BaseBackoff = time.Hour
		cfg.Retry.MaxBackoff = time.Hour
	})
	var ctx, cancel = context.WithCancel(context.Background())

	mem.BeforeCAS = func(key string) error {
		cancel() // Cancel during the backoff which follows this conflict.
		return store.ErrPreconditionFailed
	}
	var _, err = l.Allocate(ctx, "x")
	require.True(t, store.IsTransient(err))
	require.True(t, IsRetryable(err))
}

func TestCommitIsMonotonic(t *testing.T) {
	var l = newTestLog(store.NewMemory(), nil)
	var ctx = context.Background()

	var expectMarker = func(expect int64) {
		var out, err = l.ListCommitted(ctx, []string{"x"})
		require.NoError(t, err)
		require.Equal(t, map[string]int64{"x": expect}, out)
	}

	// A commit at zero is reported (distinct from no commit).
	require.NoError(t, l.Commit(ctx, "x", 0))
	expectMarker(0)

	require.NoError(t, l.Commit(ctx, "x", 5))
	expectMarker(5)
	require.NoError(t, l.Commit(ctx, "x", 3)) // No-op.
	expectMarker(5)
	require.NoError(t, l.Commit(ctx, "x", 5)) // No-op.
	expectMarker(5)
	require.NoError(t, l.Commit(ctx, "x", 6))
	expectMarker(6)

	var err = l.Commit(ctx, "x", -1)
	require.Equal(t, ErrInvalidOffset, errors.Cause(err))
	expectMarker(6)
}

func TestConcurrentCommitsConvergeOnMaximum(t *testing.T) {
	var mem = store.NewMemory()
	mem.BeforeCAS = func(string) error {
		time.Sleep(20 * time.Microsecond)
		return nil
	}
	var ctx = context.Background()
	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	for r := 0; r != 4; r++ {
		var l = newTestLog(mem, nil)

		for i := int64(0); i != 10; i++ {
			wg.Add(1)
			go func(offset int64) {
				defer wg.Done()

				if err := l.Commit(ctx, "x", offset); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(i*4 + int64(r))
		}
	}
	wg.Wait()
	require.Empty(t, errs)

	var out, err = newTestLog(mem, nil).ListCommitted(ctx, []string{"x"})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"x": 39}, out)
}

func TestCommitOffsetsAggregatesFailures(t *testing.T) {
	var mem = store.NewMemory()
	var l = newTestLog(mem, func(cfg *Config) { cfg.Retry.MaxConflicts = 0 })
	var ctx = context.Background()

	mem.BeforeCAS = func(key string) error {
		if key == NewKeys("/test").Commit("bad") {
			return store.ErrPreconditionFailed
		}
		return nil
	}
	var err = l.CommitOffsets(ctx, map[string]int64{"a": 1, "bad": 2, "c": 3})
	require.EqualError(t, err, `committing 2 to "bad": commit (after 1 conflicts): too many conflicting updates`)
	require.True(t, IsRetryable(err))

	var out, _ = l.ListCommitted(ctx, []string{"a", "bad", "c"})
	require.Equal(t, map[string]int64{"a": 1, "c": 3}, out)

	// A mix of retryable and non-retryable failures isn't retryable.
	err = l.CommitOffsets(ctx, map[string]int64{"bad": 2, "neg": -1})
	require.False(t, IsRetryable(err))
}

func TestHintsAreAdvisory(t *testing.T) {
	var mem = store.NewMemory()
	var ctx = context.Background()
	var a = newTestLog(mem, func(cfg *Config) { cfg.HintCacheSize = 8 })
	var b = newTestLog(mem, nil)

	var offset, err = a.Send(ctx, "x", 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)

	var hint, ok = a.hints.get("x")
	require.True(t, ok)
	require.Equal(t, int64(1), hint)

	// |b| advances the counter, leaving |a|'s hint stale.
	for i := 0; i != 3; i++ {
		_, err = b.Send(ctx, "x", 2)
		require.NoError(t, err)
	}
	offset, err = a.Send(ctx, "x", 3)
	require.NoError(t, err)
	require.Equal(t, int64(4), offset)

	// The store is wiped, as if by an operator. A hint must not resurrect
	// the counter at its hinted value.
	for _, key := range mem.Keys("") {
		mem.Delete(key)
	}
	offset, err = a.Send(ctx, "x", 4)
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)

	// Hints are disabled with a zero size.
	require.Nil(t, newOffsetHints(0))
	_, ok = b.hints.get("x")
	require.False(t, ok)
}

func TestHolePolicyParsing(t *testing.T) {
	for _, p := range []HolePolicy{HoleTruncate, HoleSkip, HoleFail} {
		var out, err = ParseHolePolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, out)
	}
	var _, err = ParseHolePolicy("block")
	require.EqualError(t, err, `invalid hole policy "block"`)
	require.Equal(t, "HolePolicy(7)", HolePolicy(7).String())
}

func TestBackoffIsBoundedAndJittered(t *testing.T) {
	var p = RetryPolicy{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 80 * time.Millisecond}

	for attempt, max := range map[int]time.Duration{
		1: 10 * time.Millisecond,
		2: 20 * time.Millisecond,
		3: 40 * time.Millisecond,
		4: 80 * time.Millisecond,
		9: 80 * time.Millisecond,
	} {
		for i := 0; i != 20; i++ {
			var d = p.backoff(attempt)
			require.True(t, d >= max/2 && d < max, "attempt %d: %s", attempt, d)
		}
	}
	require.Equal(t, time.Duration(0), RetryPolicy{}.backoff(3))
}

func TestKeys(t *testing.T) {
	var k = NewKeys("/root/")
	require.Equal(t, "/root/offsets/a/b", k.Counter("a/b"))
	require.Equal(t, "/root/commits/a/b", k.Commit("a/b"))
	require.Equal(t, "/root/entries/a/b/12", k.Entry("a/b", 12))

	// Entry keys of topics which are prefixes of one another are distinct.
	require.NotEqual(t, k.Entry("a", 1), k.Entry("a/1", 0))
	require.Equal(t, "/offsets/", NewKeys("").Counter(""))
}

func newTestLog(s store.Store, fn func(*Config)) *Log {
	var cfg = DefaultConfig()
	cfg.Root = "/test"
	cfg.HintCacheSize = 0
	cfg.Retry.BaseBackoff = 100 * time.Microsecond
	cfg.Retry.MaxBackoff = time.Millisecond

	if fn != nil {
		fn(&cfg)
	}
	return New(s, cfg)
}

// plainStore hides the Appender capability of its Store.
type plainStore struct{ store.Store }

// faultyStore injects failures into a Store, which it hides the Appender of.
type faultyStore struct {
	store.Store

	mu          sync.Mutex
	getFailures int
	getErr      error
	putErr      error
	puts        int
}

func (s *faultyStore) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	if s.getFailures > 0 {
		s.getFailures--
		s.mu.Unlock()
		return 0, s.getErr
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, key)
}

func (s *faultyStore) Put(ctx context.Context, key string, value int64) error {
	s.mu.Lock()
	s.puts++
	var err = s.putErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.Store.Put(ctx, key, value)
}
