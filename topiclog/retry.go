package topiclog

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/topiclog/metrics"
	"go.gazette.dev/topiclog/store"
	"go.uber.org/multierr"
)

var (
	// ErrContention is returned when an operation continues to lose
	// compare-and-swap races after its RetryPolicy budget is exhausted.
	// The operation had no effect, and may be retried by the caller.
	ErrContention = errors.New("too many conflicting updates")
)

// RetryPolicy bounds the retries of store operations. Conflicts and
// transient failures have separate budgets: a conflict means another replica
// made progress, and is retried promptly; a transient failure means the
// store may be unhealthy, and is retried only after a backoff.
type RetryPolicy struct {
	// MaxConflicts is the number of compare-and-swap conflicts tolerated
	// before ErrContention is returned.
	MaxConflicts int
	// ImmediateConflicts is the number of initial conflicts retried without
	// delay. Further conflicts back off.
	ImmediateConflicts int
	// MaxTransient is the number of transient failures tolerated before the
	// last such failure is returned.
	MaxTransient int
	// BaseBackoff is the first backoff interval, which doubles with each
	// further attempt up to MaxBackoff. Intervals are jittered.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is the RetryPolicy used where none is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxConflicts:       100,
	ImmediateConflicts: 3,
	MaxTransient:       5,
	BaseBackoff:        5 * time.Millisecond,
	MaxBackoff:         time.Second,
}

// IsRetryable returns true if |err| is non-nil, and is either a transient
// store failure or an ErrContention. A multierr is retryable if all of its
// errors are.
func IsRetryable(err error) bool {
	var errs = multierr.Errors(err)
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if errors.Cause(err) != ErrContention && !store.IsTransient(err) {
			return false
		}
	}
	return true
}

// retry invokes |fn| until it succeeds, fails with an error which is neither
// a conflict nor transient, or a budget of |p| is exhausted.
func (p RetryPolicy) retry(ctx context.Context, op string, fn func() error) error {
	var conflicts, transients int

	for {
		var err = fn()

		switch {
		case err == nil:
			return nil

		case store.IsPreconditionFailed(err):
			metrics.CASConflictsTotal.WithLabelValues(op).Inc()

			if conflicts++; conflicts > p.MaxConflicts {
				metrics.RetriesExhaustedTotal.WithLabelValues(op).Inc()
				log.WithFields(log.Fields{"op": op, "conflicts": conflicts}).
					Warn("exhausted conflict retries")
				return errors.WithMessagef(ErrContention, "%s (after %d conflicts)", op, conflicts)
			} else if conflicts <= p.ImmediateConflicts {
				continue
			}
			err = p.sleep(ctx, conflicts-p.ImmediateConflicts)

		case store.IsTransient(err):
			if ctx.Err() != nil {
				return err // Don't retry once our context is done.
			}
			metrics.TransientRetriesTotal.WithLabelValues(op).Inc()

			if transients++; transients > p.MaxTransient {
				metrics.RetriesExhaustedTotal.WithLabelValues(op).Inc()
				log.WithFields(log.Fields{"op": op, "err": err, "attempts": transients}).
					Warn("exhausted transient retries")
				return errors.WithMessagef(err, "%s (after %d attempts)", op, transients)
			}
			log.WithFields(log.Fields{"op": op, "err": err, "attempt": transients}).
				Debug("transient store failure (will retry)")
			err = p.sleep(ctx, transients)

		default:
			return err
		}

		if err != nil {
			return err
		}
	}
}

// sleep for the backoff interval of |attempt|, or until |ctx| is done.
func (p RetryPolicy) sleep(ctx context.Context, attempt int) error {
	var t = time.NewTimer(p.backoff(attempt))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return store.Unavailable(ctx.Err())
	}
}

// backoff returns an exponential interval of |attempt| (one-based),
// with "equal jitter": the interval is uniform over [d/2, d).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	var d = p.BaseBackoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if d <= 1 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}
