package topiclog

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/topiclog/metrics"
	"go.gazette.dev/topiclog/store"
)

// HolePolicy determines how Poll handles an offset within the read range
// of a topic which has no entry.
type HolePolicy int

const (
	// HoleTruncate ends the topic's returned entries at the first hole.
	// Consumers never skip past an offset, but a hole left by a crashed
	// writer stalls consumers of its topic at that offset.
	HoleTruncate HolePolicy = iota
	// HoleSkip omits holes from returned entries. Consumers see gaps.
	HoleSkip
	// HoleFail fails the Poll with ErrHole.
	HoleFail
)

// ParseHolePolicy parses a HolePolicy from its String form.
func ParseHolePolicy(s string) (HolePolicy, error) {
	for _, p := range []HolePolicy{HoleTruncate, HoleSkip, HoleFail} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, errors.Errorf("invalid hole policy %q", s)
}

func (p HolePolicy) String() string {
	switch p {
	case HoleTruncate:
		return "truncate"
	case HoleSkip:
		return "skip"
	case HoleFail:
		return "fail"
	default:
		return "HolePolicy(" + strconv.Itoa(int(p)) + ")"
	}
}

var (
	// ErrHole is returned by Poll under HoleFail, when an offset within the
	// read range of a topic has no entry.
	ErrHole = errors.New("allocated offset has no entry")
	// ErrWriteAfterAllocate is returned by Send when an offset was allocated,
	// but its entry could not be written. The offset is now a hole.
	ErrWriteAfterAllocate = errors.New("failed to write entry of allocated offset")
	// ErrInvalidOffset is returned for negative commit offsets.
	ErrInvalidOffset = errors.New("invalid offset")
)

// Config of a Log.
type Config struct {
	// Root prefix of all store keys.
	Root string
	// Retry bounds retries of conflicting and transiently failed operations.
	Retry RetryPolicy
	// Holes directs the handling of holes by Poll.
	Holes HolePolicy
	// AtomicAppend, if true and the store is a store.Appender, allocates
	// offsets and writes entries in a single atomic store operation.
	AtomicAppend bool
	// PollLimit caps the number of entries returned per topic by a Poll.
	// Zero is unlimited.
	PollLimit int
	// HintCacheSize is the number of topics for which an advisory offset
	// counter is cached. Zero disables caching.
	HintCacheSize int
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig() Config {
	return Config{
		Root:          "/topiclog",
		Retry:         DefaultRetryPolicy,
		Holes:         HoleTruncate,
		AtomicAppend:  true,
		HintCacheSize: 1024,
	}
}

// Log is a replica of the topic log. A Log holds no authoritative state of
// its own, and any number of Logs (in any number of processes) may share a
// store.Store. Its methods may be called concurrently.
type Log struct {
	store store.Store
	keys  Keys
	cfg   Config
	hints *offsetHints
}

// New returns a Log over Store |s|.
func New(s store.Store, cfg Config) *Log {
	return &Log{
		store: s,
		keys:  NewKeys(cfg.Root),
		cfg:   cfg,
		hints: newOffsetHints(cfg.HintCacheSize),
	}
}

// Allocate the next offset of |topic|. Concurrent Allocate calls of any
// replicas sharing the store are assigned distinct offsets, and successfully
// allocated offsets of a topic are exactly 0, 1, ... N-1.
func (l *Log) Allocate(ctx context.Context, topic string) (int64, error) {
	var key = l.keys.Counter(topic)

	var offset, err = l.allocate(ctx, "allocate", topic, func(cur int64, create bool) error {
		return l.store.CompareAndSwap(ctx, key, cur, cur+1, create)
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "allocating offset of %q", topic)
	}
	return offset, nil
}

// WriteEntry writes |payload| as the entry at |offset| of |topic|.
// The write is idempotent, and transient failures are retried.
func (l *Log) WriteEntry(ctx context.Context, topic string, offset, payload int64) error {
	var key = l.keys.Entry(topic, offset)

	return l.cfg.Retry.retry(ctx, "write", func() error {
		return l.store.Put(ctx, key, payload)
	})
}

// Send appends |payload| to |topic|, returning its offset.
func (l *Log) Send(ctx context.Context, topic string, payload int64) (int64, error) {
	if app, ok := l.store.(store.Appender); ok && l.cfg.AtomicAppend {
		var counter = l.keys.Counter(topic)

		var offset, err = l.allocate(ctx, "append", topic, func(cur int64, create bool) error {
			return app.CompareAndSwapAndPut(ctx, counter, cur, cur+1, create,
				l.keys.Entry(topic, cur), payload)
		})
		if err != nil {
			return 0, errors.WithMessagef(err, "appending to %q", topic)
		}
		metrics.AppendedEntriesTotal.WithLabelValues("true").Inc()
		return offset, nil
	}

	var offset, err = l.Allocate(ctx, topic)
	if err != nil {
		return 0, err
	}
	if err = l.WriteEntry(ctx, topic, offset, payload); err != nil {
		log.WithFields(log.Fields{
			"topic":  topic,
			"offset": offset,
			"err":    err,
		}).Error("failed to write entry of allocated offset (offset is a hole)")

		return 0, errors.WithMessagef(ErrWriteAfterAllocate,
			"topic %q offset %d: %s", topic, offset, err)
	}
	metrics.AppendedEntriesTotal.WithLabelValues("false").Inc()
	return offset, nil
}

// allocate runs the compare-and-swap loop of an offset counter, where |swap|
// attempts to advance the counter of |topic| from |cur| to |cur|+1.
// The first attempt may use a hinted counter, which is swapped without
// |create|: if the counter doesn't exist, a hint of it is wrong.
func (l *Log) allocate(ctx context.Context, op, topic string, swap func(cur int64, create bool) error) (int64, error) {
	var key = l.keys.Counter(topic)
	var cur, hinted = l.hints.get(topic)

	var err = l.cfg.Retry.retry(ctx, op, func() error {
		var create = !hinted

		if hinted {
			hinted = false
		} else {
			var err error
			if cur, err = l.readCounter(ctx, key); err != nil {
				return err
			}
		}

		var err = swap(cur, create)
		if store.IsNotFound(err) && !create {
			// The hinted counter doesn't exist. Treat as a conflict and re-read.
			l.hints.forget(topic)
			return store.ErrPreconditionFailed
		} else if store.IsPreconditionFailed(err) {
			l.hints.forget(topic)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	l.hints.observe(topic, cur+1)
	return cur, nil
}

// readCounter reads the offset counter at |key|, which is zero if absent.
func (l *Log) readCounter(ctx context.Context, key string) (int64, error) {
	var v, err = l.store.Get(ctx, key)
	if store.IsNotFound(err) {
		return 0, nil
	}
	return v, err
}
