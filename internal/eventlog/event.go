package eventlog

import (
	"encoding/json"
	"strings"
)

// HostClientID is the reserved source identifier for events originated by the
// authoritative host itself.
const HostClientID = "host"

// Source identifies the origin of an event.
type Source struct {
	ClientID string `json:"clientId"`
}

// Event is a single immutable entry in the timeline. The payload is opaque to
// the engine; only the embedder's reducer interprets it.
type Event struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Source    Source          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// Compare orders events by millisecond timestamp, breaking ties
// lexicographically by id. The log is strictly ordered under this comparator.
func Compare(a, b Event) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
