// Package store defines the linearizable key/value capability through which
// topiclog replicas coordinate. Replicas never communicate directly: every
// decision which must be agreed upon (the next offset of a topic, its commit
// marker) is made by a CompareAndSwap against a Store shared by all replicas.
//
// Implementations live in sub-packages (etcdstore, linkv, boltstore, sqlstore).
// Memory is an in-process implementation used by tests and single-replica runs.
package store

import (
	"context"

	"github.com/pkg/errors"
)

// Store is a linearizable key/value store of int64 values.
type Store interface {
	// Get the value of |key|. If the key doesn't exist, ErrNotFound is returned.
	Get(ctx context.Context, key string) (int64, error)
	// Put |value| under |key|, unconditionally.
	Put(ctx context.Context, key string, value int64) error
	// CompareAndSwap sets |key| to |next| if its current value is |expected|,
	// and otherwise returns ErrPreconditionFailed. If |key| doesn't exist and
	// |createIfMissing|, it's created with value |next|. If it doesn't exist
	// and !|createIfMissing|, ErrNotFound is returned.
	CompareAndSwap(ctx context.Context, key string, expected, next int64, createIfMissing bool) error
}

// Appender is an optional Store capability which applies a CompareAndSwap of
// |counterKey| and a Put of |entryKey| as a single atomic operation: either
// both are applied, or neither is.
type Appender interface {
	CompareAndSwapAndPut(ctx context.Context,
		counterKey string, expected, next int64, createIfMissing bool,
		entryKey string, value int64) error
}

var (
	// ErrNotFound is returned when a key doesn't exist.
	ErrNotFound = errors.New("key not found")
	// ErrPreconditionFailed is returned by a CompareAndSwap whose expected
	// value didn't match. It's a logical conflict and is always safe to retry.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrUnavailable is the cause of transient failures: the store couldn't be
	// reached, or didn't answer before a deadline. The outcome of the failed
	// operation is unknown.
	ErrUnavailable = errors.New("store unavailable")
)

// Unavailable wraps |err| as a transient failure having cause ErrUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{err: err}
}

// IsTransient returns true if |err| is a transient store failure, which is
// anything caused by ErrUnavailable or an expired or cancelled Context.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err) {
	case ErrUnavailable, context.DeadlineExceeded, context.Canceled:
		return true
	}
	if _, ok := errors.Cause(err).(*unavailableError); ok {
		return true
	}
	return false
}

// IsNotFound returns true if the cause of |err| is ErrNotFound.
func IsNotFound(err error) bool { return errors.Cause(err) == ErrNotFound }

// IsPreconditionFailed returns true if the cause of |err| is ErrPreconditionFailed.
func IsPreconditionFailed(err error) bool { return errors.Cause(err) == ErrPreconditionFailed }

type unavailableError struct{ err error }

func (e *unavailableError) Error() string { return ErrUnavailable.Error() + ": " + e.err.Error() }
func (e *unavailableError) Unwrap() error  { return e.err }

// Is allows errors.Is(err, ErrUnavailable) to match wrapped transient failures.
func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }
