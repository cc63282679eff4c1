package topiclog

import (
	lru "github.com/hashicorp/golang-lru"
)

// offsetHints caches the offset counter last observed for each topic.
// A hint is only ever used as the expected value of a first compare-and-swap
// attempt, which the store verifies: a stale hint costs a conflict, and
// never an incorrect allocation. A nil *offsetHints caches nothing.
type offsetHints struct {
	cache *lru.Cache
}

func newOffsetHints(size int) *offsetHints {
	if size <= 0 {
		return nil
	}
	var cache, err = lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &offsetHints{cache: cache}
}

// get the hinted counter of |topic|.
func (h *offsetHints) get(topic string) (int64, bool) {
	if h == nil {
		return 0, false
	}
	if v, ok := h.cache.Get(topic); ok {
		return v.(int64), true
	}
	return 0, false
}

// observe a |counter| of |topic| read from, or written to, the store.
// Zero-valued counters are not cached.
func (h *offsetHints) observe(topic string, counter int64) {
	if h == nil || counter <= 0 {
		return
	}
	h.cache.Add(topic, counter)
}

// forget the hint of |topic|.
func (h *offsetHints) forget(topic string) {
	if h != nil {
		h.cache.Remove(topic)
	}
}
