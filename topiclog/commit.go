package topiclog

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.gazette.dev/topiclog/store"
	"go.uber.org/multierr"
)

// Commit advances the commit marker of |topic| to |offset|. If the marker
// is already at or beyond |offset|, Commit is a no-op: markers never move
// backwards, regardless of the order in which replicas apply commits.
func (l *Log) Commit(ctx context.Context, topic string, offset int64) error {
	if offset < 0 {
		return errors.WithMessagef(ErrInvalidOffset, "committing %d to %q", offset, topic)
	}
	var key = l.keys.Commit(topic)

	var err = l.cfg.Retry.retry(ctx, "commit", func() error {
		var cur, err = l.store.Get(ctx, key)

		if store.IsNotFound(err) {
			// No marker. Create one, unless a racing commit does so first.
			return l.store.CompareAndSwap(ctx, key, 0, offset, true)
		} else if err != nil {
			return err
		} else if cur >= offset {
			return nil
		}
		return l.store.CompareAndSwap(ctx, key, cur, offset, false)
	})
	return errors.WithMessagef(err, "committing %d to %q", offset, topic)
}

// CommitOffsets commits each topic & offset of |offsets|. Topics are
// committed independently: failure to commit one doesn't prevent commits of
// others, and failures are combined into the returned error.
func (l *Log) CommitOffsets(ctx context.Context, offsets map[string]int64) error {
	var topics = make([]string, 0, len(offsets))
	for topic := range offsets {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var err error
	for _, topic := range topics {
		err = multierr.Append(err, l.Commit(ctx, topic, offsets[topic]))
	}
	return err
}

// ListCommitted returns the commit markers of |topics|. Topics which have
// never been committed are omitted. A marker of zero is included.
func (l *Log) ListCommitted(ctx context.Context, topics []string) (map[string]int64, error) {
	var out = make(map[string]int64, len(topics))

	for _, topic := range topics {
		var cur int64
		var key = l.keys.Commit(topic)

		var err = l.cfg.Retry.retry(ctx, "list-committed", func() (err error) {
			cur, err = l.store.Get(ctx, key)
			return
		})

		if store.IsNotFound(err) {
			continue
		} else if err != nil {
			return nil, errors.WithMessagef(err, "reading commit of %q", topic)
		}
		out[topic] = cur
	}
	return out, nil
}
