package topiclog

import (
	"strconv"
	"strings"
)

// Keys derives store keys of topics under a Root prefix:
//
//	<root>/offsets/<topic>          Offset counter (next offset to allocate).
//	<root>/commits/<topic>          Commit marker.
//	<root>/entries/<topic>/<offset> Log entry payload.
//
// The final segment of an entry key is always a decimal offset, so distinct
// (topic, offset) pairs never map to the same key, even where topics have '/'.
type Keys struct {
	Root string
}

// NewKeys returns Keys of |root|, stripped of any trailing '/'.
func NewKeys(root string) Keys { return Keys{Root: strings.TrimRight(root, "/")} }

// Counter returns the offset counter key of |topic|.
func (k Keys) Counter(topic string) string { return k.Root + "/offsets/" + topic }

// Commit returns the commit marker key of |topic|.
func (k Keys) Commit(topic string) string { return k.Root + "/commits/" + topic }

// Entry returns the key of the entry at |offset| of |topic|.
func (k Keys) Entry(topic string, offset int64) string {
	return k.Root + "/entries/" + topic + "/" + strconv.FormatInt(offset, 10)
}
