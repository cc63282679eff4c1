// Package topiclog implements a partitioned, append-only message log whose
// replicas coordinate exclusively through compare-and-swap against a shared,
// linearizable store.Store.
//
// Each topic has an offset counter, holding the next offset to allocate, and
// may have a commit marker, holding the highest offset acknowledged by a
// consumer. Log entries are immutable (topic, offset, payload) triples.
//
// Log.Send allocates the next offset of a topic and writes its payload.
// Allocation is a read of the counter followed by a CompareAndSwap of
// counter => counter+1. Many replicas may race to allocate: the store orders
// their swaps, and exactly one wins each offset. Losers re-read and retry, so
// successful allocations of a topic are always exactly 0, 1, ... N-1.
//
// If the store is a store.Appender, Send advances the counter and writes the
// entry in one atomic operation. Otherwise they're distinct operations and a
// replica which fails between them leaves a "hole": an allocated offset
// without an entry. Log.Poll handles holes as directed by HolePolicy.
//
// Commit markers are similarly advanced by CompareAndSwap, and never move
// backwards. An absent marker is distinct from a marker of zero.
//
// Conflicts (store.ErrPreconditionFailed) and transient failures
// (store.ErrUnavailable) are retried under separate, bounded budgets of a
// RetryPolicy. Exhausted budgets surface as errors for which IsRetryable is
// true, rather than looping forever.
package topiclog
