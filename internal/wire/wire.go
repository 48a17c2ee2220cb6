// Package wire defines the tagged message envelope exchanged between the
// client and host roles over a port.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"tabletop/relay/internal/eventlog"
)

// Type discriminates the message variants carried on the wire.
type Type string

const (
	// TypeEvent carries a proposal (client to host) or an authoritative
	// event (host to client).
	TypeEvent Type = "event"
	// TypeRejection informs the proposing client that its event was refused.
	TypeRejection Type = "rejection"
	// TypeRequestHistory asks the host for every event newer than Since.
	TypeRequestHistory Type = "requestHistory"
	// TypeEventHistory answers a history request with a sorted batch.
	TypeEventHistory Type = "eventHistory"
)

// ErrMissingType signals an envelope without a type discriminator.
var ErrMissingType = errors.New("wire: message missing type")

// Message is the envelope. Only the fields relevant to Type are populated.
type Message struct {
	Type    Type             `json:"type"`
	Event   *eventlog.Event  `json:"event,omitempty"`
	EventID string           `json:"eventId,omitempty"`
	Since   int64            `json:"since,omitempty"`
	Events  []eventlog.Event `json:"events,omitempty"`
}

// NewEvent wraps an event for transport.
func NewEvent(event eventlog.Event) Message {
	clone := event
	return Message{Type: TypeEvent, Event: &clone}
}

// NewRejection builds the refusal notice for a proposed event id.
func NewRejection(eventID string) Message {
	return Message{Type: TypeRejection, EventID: eventID}
}

// NewHistoryRequest asks for every event with a timestamp greater than since.
func NewHistoryRequest(since int64) Message {
	return Message{Type: TypeRequestHistory, Since: since}
}

// NewHistory wraps a chronologically sorted event batch.
func NewHistory(events []eventlog.Event) Message {
	return Message{Type: TypeEventHistory, Events: events}
}

// Encode serialises the envelope as JSON.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(msg)
}

// Decode parses a JSON envelope. Unknown type tags decode successfully so the
// receiving role can ignore them with a diagnostic; a missing tag or
// malformed JSON is an error.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("wire: decode: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}
