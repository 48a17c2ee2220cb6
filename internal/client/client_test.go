package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tabletop/relay/internal/eventlog"
	"tabletop/relay/internal/port"
	"tabletop/relay/internal/wire"
)

type counterState struct {
	Count int
}

func addValue(state counterState, event eventlog.Event) (counterState, error) {
	var payload struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return counterState{}, err
	}
	state.Count += payload.Value
	return state, nil
}

// hostScript records everything arriving on the host end of the pair and
// keeps the recording safe against the client's retry goroutine.
type hostScript struct {
	mu       sync.Mutex
	port     *port.MemPort
	messages []wire.Message
}

func newHostScript(p *port.MemPort) *hostScript {
	script := &hostScript{port: p}
	p.Subscribe(port.Listener{OnMessage: func(msg wire.Message) {
		script.mu.Lock()
		script.messages = append(script.messages, msg)
		script.mu.Unlock()
	}})
	return script
}

func (s *hostScript) received() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *hostScript) countEvents(id string) int {
	count := 0
	for _, msg := range s.received() {
		if msg.Type == wire.TypeEvent && msg.Event != nil && msg.Event.ID == id {
			count++
		}
	}
	return count
}

func newTestClient(t *testing.T, opts ...Option) (*Client[counterState], *eventlog.Log[counterState], *hostScript, *port.MemPort) {
	t.Helper()
	engine, err := eventlog.New(counterState{}, addValue)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	clientPort, hostPort := port.Pair()
	script := newHostScript(hostPort)
	c, err := New("alpha", engine, clientPort, opts...)
	if err != nil {
		t.Fatalf("client construction failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, engine, script, clientPort
}

func fixedIDs(ids ...string) func() string {
	index := 0
	return func() string {
		id := ids[index%len(ids)]
		index++
		return id
	}
}

func TestNewValidatesArguments(t *testing.T) {
	engine, err := eventlog.New(counterState{}, addValue)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	clientPort, _ := port.Pair()

	if _, err := New("", engine, clientPort); err == nil {
		t.Fatal("expected error for empty client id")
	}
	if _, err := New(eventlog.HostClientID, engine, clientPort); err == nil {
		t.Fatal("expected error for reserved client id")
	}
	if _, err := New[counterState]("alpha", nil, clientPort); err == nil {
		t.Fatal("expected error for nil engine")
	}
	if _, err := New("alpha", engine, nil); err == nil {
		t.Fatal("expected error for nil port")
	}
}

func TestOptimisticConfirm(t *testing.T) {
	c, engine, script, _ := newTestClient(t,
		WithClockFunc(func() time.Time { return time.UnixMilli(1000) }),
		WithIDGenerator(fixedIDs("a")),
	)

	proposed, err := c.Propose(json.RawMessage(`{"value":5}`))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if proposed.ID != "a" || proposed.Timestamp != 1000 {
		t.Fatalf("unexpected proposal: %+v", proposed)
	}
	//1.- The optimistic apply is visible immediately.
	if got := engine.State().Count; got != 5 {
		t.Fatalf("expected optimistic count 5, got %d", got)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected one pending proposal, got %d", c.Pending())
	}
	if script.countEvents("a") != 1 {
		t.Fatalf("expected one proposal on the wire, got %d", script.countEvents("a"))
	}

	//2.- The host confirms with its own timestamp and source.
	authoritative := proposed
	authoritative.Timestamp = 1200
	authoritative.Source = eventlog.Source{ClientID: "alpha"}
	script.port.Post(wire.NewEvent(authoritative))

	if c.Pending() != 0 {
		t.Fatalf("expected pending cleared, got %d", c.Pending())
	}
	events := engine.Events()
	if len(events) != 1 || events[0].ID != "a" || events[0].Timestamp != 1200 {
		t.Fatalf("expected single authoritative event at 1200, got %+v", events)
	}
	if got := engine.State().Count; got != 5 {
		t.Fatalf("expected count 5 after reconciliation, got %d", got)
	}
}

func TestRejectionRollback(t *testing.T) {
	c, engine, script, _ := newTestClient(t,
		WithClockFunc(func() time.Time { return time.UnixMilli(2000) }),
		WithIDGenerator(fixedIDs("b")),
	)

	if _, err := c.Propose(json.RawMessage(`{"value":7}`)); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if got := engine.State().Count; got != 7 {
		t.Fatalf("expected optimistic count 7, got %d", got)
	}

	script.port.Post(wire.NewRejection("b"))

	if c.Pending() != 0 {
		t.Fatalf("expected pending cleared after rejection, got %d", c.Pending())
	}
	if got := engine.State().Count; got != 0 {
		t.Fatalf("expected rollback to 0, got %d", got)
	}
	if engine.Len() != 0 {
		t.Fatalf("expected empty log after rollback, got %d", engine.Len())
	}
}

func TestUnknownRejectionIsIgnored(t *testing.T) {
	_, engine, script, _ := newTestClient(t)

	if err := engine.Dispatch(eventlog.Event{ID: "keep", Timestamp: 100, Payload: json.RawMessage(`{"value":1}`)}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	script.port.Post(wire.NewRejection("ghost"))
	script.port.Post(wire.NewRejection("keep"))

	//1.- Neither an unknown id nor a non-pending logged id may be removed.
	if engine.Len() != 1 {
		t.Fatalf("expected log untouched, got %d entries", engine.Len())
	}
}

func TestHistoryCatchUpOnReconnect(t *testing.T) {
	c, engine, script, clientPort := newTestClient(t)
	_ = c

	if err := engine.Dispatch(eventlog.Event{ID: "old", Timestamp: 5000, Payload: json.RawMessage(`{"value":1}`)}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	//1.- Answer the catch-up request with the missed events.
	script.port.Subscribe(port.Listener{OnMessage: func(msg wire.Message) {
		if msg.Type != wire.TypeRequestHistory {
			return
		}
		if msg.Since != 5000 {
			t.Errorf("expected since=5000, got %d", msg.Since)
		}
		script.port.Post(wire.NewHistory([]eventlog.Event{
			{ID: "h-1", Timestamp: 5500, Payload: json.RawMessage(`{"value":2}`)},
			{ID: "h-2", Timestamp: 6000, Payload: json.RawMessage(`{"value":3}`)},
		}))
	}})

	notifications := 0
	engine.Subscribe(func(counterState) { notifications++ })

	clientPort.SetConnected(false)
	clientPort.SetConnected(true)

	if got := engine.State().Count; got != 6 {
		t.Fatalf("expected caught-up count 6, got %d", got)
	}
	if engine.Len() != 3 {
		t.Fatalf("expected three events after catch-up, got %d", engine.Len())
	}
	//2.- The batch lands as a single transition.
	if notifications != 2 {
		t.Fatalf("expected one catch-up notification, got %d", notifications-1)
	}
}

func TestReconnectResendsPendingBeforeHistoryRequest(t *testing.T) {
	c, _, script, clientPort := newTestClient(t,
		WithClockFunc(func() time.Time { return time.UnixMilli(1000) }),
		WithIDGenerator(fixedIDs("p-1")),
	)

	clientPort.SetConnected(false)
	if _, err := c.Propose(json.RawMessage(`{"value":1}`)); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	clientPort.SetConnected(true)

	messages := script.received()
	//1.- The buffered proposal, the reconnect resend, then the history request.
	var kinds []wire.Type
	for _, msg := range messages {
		kinds = append(kinds, msg.Type)
	}
	if len(messages) < 3 {
		t.Fatalf("expected at least three messages, got %v", kinds)
	}
	last := messages[len(messages)-1]
	if last.Type != wire.TypeRequestHistory {
		t.Fatalf("expected trailing history request, got %v", kinds)
	}
	if last.Since != 1000 {
		t.Fatalf("expected since=1000 from the optimistic tail, got %d", last.Since)
	}
	if script.countEvents("p-1") != 2 {
		t.Fatalf("expected buffered + resent proposal, got %d", script.countEvents("p-1"))
	}
}

func TestRetryResendsUntilConfirmed(t *testing.T) {
	c, _, script, _ := newTestClient(t,
		WithClockFunc(func() time.Time { return time.UnixMilli(1000) }),
		WithIDGenerator(fixedIDs("r-1")),
		WithRetryTimeout(20*time.Millisecond),
	)

	proposed, err := c.Propose(json.RawMessage(`{"value":1}`))
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	//1.- Wait for at least one retry beyond the initial send.
	deadline := time.Now().Add(time.Second)
	for script.countEvents("r-1") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a retry, got %d sends", script.countEvents("r-1"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	//2.- Confirmation clears pending and terminates the retry loop.
	authoritative := proposed
	authoritative.Timestamp = 1500
	script.port.Post(wire.NewEvent(authoritative))
	if c.Pending() != 0 {
		t.Fatalf("expected pending cleared, got %d", c.Pending())
	}
	settled := script.countEvents("r-1")
	time.Sleep(80 * time.Millisecond)
	if got := script.countEvents("r-1"); got != settled {
		t.Fatalf("retry kept firing after confirmation: %d -> %d", settled, got)
	}
}

func TestRetryStopsOnRejection(t *testing.T) {
	c, engine, script, _ := newTestClient(t,
		WithClockFunc(func() time.Time { return time.UnixMilli(1000) }),
		WithIDGenerator(fixedIDs("r-2")),
		WithRetryTimeout(20*time.Millisecond),
	)

	if _, err := c.Propose(json.RawMessage(`{"value":1}`)); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	script.port.Post(wire.NewRejection("r-2"))

	if engine.Len() != 0 {
		t.Fatalf("expected rollback, got %d events", engine.Len())
	}
	settled := script.countEvents("r-2")
	time.Sleep(80 * time.Millisecond)
	if got := script.countEvents("r-2"); got != settled {
		t.Fatalf("retry kept firing after rejection: %d -> %d", settled, got)
	}
}

func TestDuplicateAuthoritativeDeliveryIsIdempotent(t *testing.T) {
	_, engine, script, _ := newTestClient(t)

	authoritative := eventlog.Event{
		ID:        "dup",
		Timestamp: 900,
		Source:    eventlog.Source{ClientID: "beta"},
		Payload:   json.RawMessage(`{"value":4}`),
	}
	script.port.Post(wire.NewEvent(authoritative))
	script.port.Post(wire.NewEvent(authoritative))

	if engine.Len() != 1 {
		t.Fatalf("expected a single log entry, got %d", engine.Len())
	}
	if got := engine.State().Count; got != 4 {
		t.Fatalf("expected count 4, got %d", got)
	}
}

func TestAuthoritativeEventOlderThanTailIsInserted(t *testing.T) {
	_, engine, script, _ := newTestClient(t)

	script.port.Post(wire.NewEvent(eventlog.Event{ID: "late", Timestamp: 2000, Payload: json.RawMessage(`{"value":1}`)}))
	//1.- An event behind the tail must splice in, not violate ordering.
	script.port.Post(wire.NewEvent(eventlog.Event{ID: "early", Timestamp: 1000, Payload: json.RawMessage(`{"value":2}`)}))

	events := engine.Events()
	if len(events) != 2 || events[0].ID != "early" || events[1].ID != "late" {
		t.Fatalf("unexpected order: %+v", events)
	}
	if got := engine.State().Count; got != 3 {
		t.Fatalf("expected count 3, got %d", got)
	}
}

func TestHistoryFiltersDuplicates(t *testing.T) {
	_, engine, script, _ := newTestClient(t)

	live := eventlog.Event{ID: "h-1", Timestamp: 100, Payload: json.RawMessage(`{"value":1}`)}
	script.port.Post(wire.NewEvent(live))

	//1.- History overlapping live delivery must not duplicate entries.
	script.port.Post(wire.NewHistory([]eventlog.Event{
		live,
		{ID: "h-2", Timestamp: 200, Payload: json.RawMessage(`{"value":2}`)},
	}))

	if engine.Len() != 2 {
		t.Fatalf("expected two events, got %d", engine.Len())
	}
	if got := engine.State().Count; got != 3 {
		t.Fatalf("expected count 3, got %d", got)
	}
}

func TestProposeAfterCloseFails(t *testing.T) {
	c, _, _, _ := newTestClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := c.Propose(json.RawMessage(`{"value":1}`)); err == nil {
		t.Fatal("expected error proposing on a closed client")
	}
}

func TestPendingProposalsSurviveUnrelatedTraffic(t *testing.T) {
	c, engine, script, _ := newTestClient(t,
		WithClockFunc(func() time.Time { return time.UnixMilli(1000) }),
		WithIDGenerator(fixedIDs("mine")),
	)

	if _, err := c.Propose(json.RawMessage(`{"value":1}`)); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	//1.- Authoritative traffic from other clients leaves the pending set alone.
	script.port.Post(wire.NewEvent(eventlog.Event{
		ID: "theirs", Timestamp: 1500, Source: eventlog.Source{ClientID: "beta"},
		Payload: json.RawMessage(`{"value":10}`),
	}))

	if c.Pending() != 1 {
		t.Fatalf("expected pending proposal to survive, got %d", c.Pending())
	}
	if got := engine.State().Count; got != 11 {
		t.Fatalf("expected combined count 11, got %d", got)
	}
	if engine.Len() != 2 {
		t.Fatalf("expected two events, got %d", engine.Len())
	}
}
