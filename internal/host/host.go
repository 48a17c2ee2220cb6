// Package host implements the authoritative side of the collaboration
// protocol: it validates client proposals, assigns timestamps and sources,
// appends to the canonical log, broadcasts with per-client filtering, and
// serves bounded history catch-up requests.
package host

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tabletop/relay/internal/eventlog"
	"tabletop/relay/internal/journal"
	"tabletop/relay/internal/port"
	"tabletop/relay/internal/wire"
)

// Clock exposes the current time for authoritative timestamps.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c clockFunc) Now() time.Time { return c() }

// systemClock relies on time.Now for production code paths.
type systemClock struct{}

// Now implements Clock by delegating to time.Now.
func (systemClock) Now() time.Time { return time.Now() }

// ValidateFunc is the domain policy gate for client proposals.
type ValidateFunc func(event eventlog.Event, clientID string) bool

// FilterFunc projects an event for a specific recipient. Returning false
// suppresses the event for that recipient entirely.
type FilterFunc func(event eventlog.Event, clientID string) (eventlog.Event, bool)

// Stats aggregates host activity counters.
type Stats struct {
	Accepted      int `json:"accepted"`
	Rejected      int `json:"rejected"`
	Broadcasts    int `json:"broadcasts"`
	HistoryServed int `json:"history_served"`
	Clients       int `json:"clients"`
}

type clientEntry struct {
	port   port.Port
	cancel func()
}

// Host wraps the authoritative engine and a registry of client ports.
type Host[S any] struct {
	engine   *eventlog.Log[S]
	validate ValidateFunc
	filter   FilterFunc
	clock    Clock
	newID    func() string
	log      *zap.Logger
	journal  *journal.Writer

	mu      sync.Mutex
	clients map[string]*clientEntry
	pastIDs map[string]struct{}
	stats   Stats
}

// Option customises host construction.
type Option func(*config)

type config struct {
	validate ValidateFunc
	filter   FilterFunc
	clock    Clock
	newID    func() string
	log      *zap.Logger
	journal  *journal.Writer
}

// WithValidator installs the domain policy gate. Without one every
// proposal with a non-empty, not previously accepted id is accepted.
func WithValidator(validate ValidateFunc) Option {
	return func(cfg *config) {
		if validate != nil {
			cfg.validate = validate
		}
	}
}

// WithFilter installs the per-recipient projection. Without one events are
// delivered unmodified.
func WithFilter(filter FilterFunc) Option {
	return func(cfg *config) {
		if filter != nil {
			cfg.filter = filter
		}
	}
}

// WithClock overrides the authoritative timestamp source.
func WithClock(clock Clock) Option {
	return func(cfg *config) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithClockFunc is WithClock for a bare function.
func WithClockFunc(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.clock = clockFunc(now)
		}
	}
}

// WithIDGenerator overrides how host-originated event ids are produced.
func WithIDGenerator(newID func() string) Option {
	return func(cfg *config) {
		if newID != nil {
			cfg.newID = newID
		}
	}
}

// WithLogger routes host diagnostics to the supplied logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.log = logger
		}
	}
}

// WithJournal attaches a durable journal for the authoritative stream.
// Journalling failures are logged and never surface to clients.
func WithJournal(w *journal.Writer) Option {
	return func(cfg *config) {
		if w != nil {
			cfg.journal = w
		}
	}
}

// New wires a host around the authoritative engine.
func New[S any](engine *eventlog.Log[S], opts ...Option) (*Host[S], error) {
	if engine == nil {
		return nil, errors.New("host: engine must be provided")
	}
	cfg := config{
		validate: func(eventlog.Event, string) bool { return true },
		filter:   func(event eventlog.Event, _ string) (eventlog.Event, bool) { return event, true },
		clock:    systemClock{},
		newID:    uuid.NewString,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Host[S]{
		engine:   engine,
		validate: cfg.validate,
		filter:   cfg.filter,
		clock:    cfg.clock,
		newID:    cfg.newID,
		log:      cfg.log,
		journal:  cfg.journal,
		clients:  make(map[string]*clientEntry),
		pastIDs:  make(map[string]struct{}),
	}, nil
}

// AddClient registers a client port under clientID. Re-registering an id,
// as happens when a client reconnects on a fresh transport, replaces the
// previous subscription.
func (h *Host[S]) AddClient(clientID string, p port.Port) error {
	if clientID == "" {
		return errors.New("host: client id must be provided")
	}
	if clientID == eventlog.HostClientID {
		return errors.New("host: client id is reserved")
	}
	if p == nil {
		return errors.New("host: port must be provided")
	}
	cancel := p.Subscribe(port.Listener{
		OnMessage: func(msg wire.Message) { h.handleClientMessage(clientID, p, msg) },
		OnMessageError: func(err error) {
			h.log.Warn("dropping malformed frame", zap.String("client_id", clientID), zap.Error(err))
		},
	})
	h.mu.Lock()
	previous := h.clients[clientID]
	h.clients[clientID] = &clientEntry{port: p, cancel: cancel}
	h.stats.Clients = len(h.clients)
	h.mu.Unlock()
	if previous != nil {
		previous.cancel()
	}
	h.log.Info("client registered", zap.String("client_id", clientID))
	return nil
}

// RemoveClient aborts the port subscription and drops the registry entry.
// Unknown ids are a no-op.
func (h *Host[S]) RemoveClient(clientID string) {
	h.mu.Lock()
	entry, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.stats.Clients = len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	h.log.Info("client removed", zap.String("client_id", clientID))
}

// ClientCount reports the number of registered clients.
func (h *Host[S]) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns a copy of the activity counters.
func (h *Host[S]) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Dispatch appends a host-originated event carrying payload and broadcasts
// it to every registered client.
func (h *Host[S]) Dispatch(payload json.RawMessage) (eventlog.Event, error) {
	event := eventlog.Event{
		ID:        h.newID(),
		Timestamp: h.clock.Now().UnixMilli(),
		Source:    eventlog.Source{ClientID: eventlog.HostClientID},
		Payload:   payload,
	}
	if err := h.accept(event); err != nil {
		return eventlog.Event{}, err
	}
	return event, nil
}

// RemoveEvent removes an event from the authoritative log. Its id stays in
// the past-id set so a late retry of the same proposal cannot resurrect it.
func (h *Host[S]) RemoveEvent(eventID string) error {
	return h.engine.RemoveEvent(eventID)
}

func (h *Host[S]) handleClientMessage(clientID string, p port.Port, msg wire.Message) {
	switch msg.Type {
	case wire.TypeEvent:
		if msg.Event == nil {
			h.log.Debug("dropping proposal without event", zap.String("client_id", clientID))
			return
		}
		h.handleProposal(clientID, p, *msg.Event)
	case wire.TypeRequestHistory:
		h.serveHistory(clientID, p, msg.Since)
	default:
		h.log.Debug("ignoring message", zap.String("client_id", clientID), zap.String("type", string(msg.Type)))
	}
}

// handleProposal validates a client proposal, and either rejects it back to
// the proposer alone or stamps it authoritative and broadcasts it.
func (h *Host[S]) handleProposal(clientID string, p port.Port, proposed eventlog.Event) {
	if !h.validateClientEvent(proposed, clientID) {
		h.mu.Lock()
		h.stats.Rejected++
		h.mu.Unlock()
		h.log.Debug("rejecting proposal", zap.String("client_id", clientID), zap.String("event_id", proposed.ID))
		//1.- Only the proposer learns about the rejection.
		p.Post(wire.NewRejection(proposed.ID))
		return
	}

	//2.- The host owns the timestamp and the source; id and payload survive.
	authoritative := proposed
	authoritative.Timestamp = h.clock.Now().UnixMilli()
	authoritative.Source = eventlog.Source{ClientID: clientID}
	if err := h.accept(authoritative); err != nil {
		h.log.Error("failed to accept proposal", zap.String("client_id", clientID), zap.String("event_id", proposed.ID), zap.Error(err))
		p.Post(wire.NewRejection(proposed.ID))
	}
}

// validateClientEvent applies the duplicate gate and the injected domain
// policy.
func (h *Host[S]) validateClientEvent(proposed eventlog.Event, clientID string) bool {
	if proposed.ID == "" {
		return false
	}
	h.mu.Lock()
	_, duplicate := h.pastIDs[proposed.ID]
	h.mu.Unlock()
	if duplicate {
		return false
	}
	return h.validate(proposed, clientID)
}

// accept records the authoritative event, journals it, and broadcasts it.
func (h *Host[S]) accept(event eventlog.Event) error {
	//1.- Apply to the canonical log first; an engine refusal must not poison
	// the past-id set.
	if newest, ok := h.engine.Newest(); ok && eventlog.Compare(newest, event) >= 0 {
		if err := h.engine.InsertEvents([]eventlog.Event{event}); err != nil {
			return err
		}
	} else if err := h.engine.Dispatch(event); err != nil {
		return err
	}
	h.mu.Lock()
	h.pastIDs[event.ID] = struct{}{}
	h.stats.Accepted++
	h.mu.Unlock()
	if h.journal != nil {
		if err := h.journal.Append(event); err != nil {
			h.log.Error("failed to journal event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
	h.broadcast(event)
	return nil
}

// broadcast fans the event out to every registered client through the
// per-recipient filter. No single client can stall the loop: ports enqueue
// without blocking and failures surface on the port's own diagnostics.
func (h *Host[S]) broadcast(event eventlog.Event) {
	h.mu.Lock()
	recipients := make(map[string]port.Port, len(h.clients))
	for id, entry := range h.clients {
		recipients[id] = entry.port
	}
	h.stats.Broadcasts++
	h.mu.Unlock()

	for id, p := range recipients {
		filtered, ok := h.filter(event, id)
		if !ok {
			continue
		}
		p.Post(wire.NewEvent(filtered))
	}
}

// serveHistory answers a catch-up request with every event newer than since,
// projected for the requesting client and in chronological order.
func (h *Host[S]) serveHistory(clientID string, p port.Port, since int64) {
	events := h.engine.EventsSince(since)
	filtered := make([]eventlog.Event, 0, len(events))
	for _, event := range events {
		if projected, ok := h.filter(event, clientID); ok {
			filtered = append(filtered, projected)
		}
	}
	h.mu.Lock()
	h.stats.HistoryServed++
	h.mu.Unlock()
	h.log.Debug("serving history", zap.String("client_id", clientID), zap.Int64("since", since), zap.Int("events", len(filtered)))
	p.Post(wire.NewHistory(filtered))
}
