package topiclog

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/topiclog/metrics"
	"go.gazette.dev/topiclog/store"
	"golang.org/x/sync/errgroup"
)

// Entry is a log entry at Offset of a topic.
type Entry struct {
	Offset  int64
	Payload int64
}

// maxPollConcurrency bounds the number of topics of a Poll read concurrently.
const maxPollConcurrency = 16

// Poll reads entries of each topic of |from|, beginning at the mapped offset
// and ending at the topic's offset counter as of the Poll. Entries are ordered
// on ascending offset. Topics which have no allocated offsets are omitted;
// topics having no entries at or after their requested offset map to an
// empty slice.
func (l *Log) Poll(ctx context.Context, from map[string]int64) (map[string][]Entry, error) {
	var out = make(map[string][]Entry, len(from))
	var mu sync.Mutex

	var eg, egCtx = errgroup.WithContext(ctx)
	eg.SetLimit(maxPollConcurrency)

	for topic, offset := range from {
		var topic, offset = topic, offset

		eg.Go(func() error {
			var entries, ok, err = l.pollTopic(egCtx, topic, offset)
			if err != nil {
				return errors.WithMessagef(err, "polling %q", topic)
			} else if ok {
				mu.Lock()
				out[topic] = entries
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// pollTopic reads entries of |topic| from |offset|, returning false if
// the topic has no allocated offsets.
func (l *Log) pollTopic(ctx context.Context, topic string, offset int64) ([]Entry, bool, error) {
	var last int64
	var key = l.keys.Counter(topic)

	if err := l.cfg.Retry.retry(ctx, "poll", func() (err error) {
		last, err = l.readCounter(ctx, key)
		return
	}); err != nil {
		return nil, false, err
	} else if last == 0 {
		return nil, false, nil
	}
	l.hints.observe(topic, last)

	if offset < 0 {
		offset = 0
	}
	var entries = []Entry{}

	for ; offset < last; offset++ {
		if l.cfg.PollLimit > 0 && len(entries) == l.cfg.PollLimit {
			break
		}
		var payload int64
		var key = l.keys.Entry(topic, offset)

		var err = l.cfg.Retry.retry(ctx, "poll", func() (err error) {
			payload, err = l.store.Get(ctx, key)
			return
		})

		if store.IsNotFound(err) {
			metrics.HolesTotal.Inc()
			log.WithFields(log.Fields{
				"topic":  topic,
				"offset": offset,
				"last":   last,
				"policy": l.cfg.Holes,
			}).Debug("poll encountered a hole (crashed or in-flight write)")

			if l.cfg.Holes == HoleSkip {
				continue
			} else if l.cfg.Holes == HoleTruncate {
				break
			}
			return nil, false, errors.WithMessagef(ErrHole, "offset %d", offset)
		} else if err != nil {
			return nil, false, err
		}
		entries = append(entries, Entry{Offset: offset, Payload: payload})
	}

	metrics.PolledEntriesTotal.Add(float64(len(entries)))
	return entries, true, nil
}
