package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"tabletop/relay/internal/eventlog"
)

func TestEncodeDecodeEvent(t *testing.T) {
	event := eventlog.Event{
		ID:        "ev-1",
		Timestamp: 1200,
		Source:    eventlog.Source{ClientID: "alpha"},
		Payload:   json.RawMessage(`{"value":5}`),
		Context:   json.RawMessage(`{"trace":"t-1"}`),
	}

	data, err := Encode(NewEvent(event))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Type != TypeEvent {
		t.Fatalf("expected event type, got %q", decoded.Type)
	}
	if decoded.Event == nil || decoded.Event.ID != "ev-1" || decoded.Event.Timestamp != 1200 {
		t.Fatalf("unexpected event: %+v", decoded.Event)
	}
	if decoded.Event.Source.ClientID != "alpha" {
		t.Fatalf("unexpected source: %+v", decoded.Event.Source)
	}
	if string(decoded.Event.Payload) != `{"value":5}` {
		t.Fatalf("unexpected payload: %s", decoded.Event.Payload)
	}
	if string(decoded.Event.Context) != `{"trace":"t-1"}` {
		t.Fatalf("unexpected context: %s", decoded.Event.Context)
	}
}

func TestEncodeDecodeRemainingTypes(t *testing.T) {
	for _, msg := range []Message{
		NewRejection("ev-9"),
		NewHistoryRequest(5000),
		NewHistory([]eventlog.Event{{ID: "h-1", Timestamp: 5500}}),
		NewHistory(nil),
	} {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode %q failed: %v", msg.Type, err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %q failed: %v", msg.Type, err)
		}
		if decoded.Type != msg.Type {
			t.Fatalf("round-trip changed type: %q vs %q", decoded.Type, msg.Type)
		}
	}
}

func TestDecodeUnknownTypeSucceeds(t *testing.T) {
	//1.- Unknown tags must decode so recipients can ignore them gracefully.
	decoded, err := Decode([]byte(`{"type":"future-extension","eventId":"x"}`))
	if err != nil {
		t.Fatalf("decode of unknown type failed: %v", err)
	}
	if decoded.Type != "future-extension" {
		t.Fatalf("unexpected type %q", decoded.Type)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := Decode([]byte(`{"eventId":"x"}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected missing-type error, got %v", err)
	}
	if _, err := Encode(Message{}); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected missing-type error on encode, got %v", err)
	}
}
