// Package client implements the optimistic side of the collaboration
// protocol: proposals are applied locally before the host confirms them,
// retried until acknowledged, rolled back on rejection, and reconciled with
// the authoritative history after every reconnect.
package client

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tabletop/relay/internal/eventlog"
	"tabletop/relay/internal/port"
	"tabletop/relay/internal/wire"
)

// DefaultRetryTimeout is how long an unacknowledged proposal waits before it
// is resent.
const DefaultRetryTimeout = 5 * time.Second

// Clock exposes the current time for proposal timestamps.
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

// pendingProposal tracks an optimistic event awaiting host confirmation
// together with the handle that stops its retry loop.
type pendingProposal struct {
	event eventlog.Event
	stop  chan struct{}
}

// Client wraps an engine and a port on the proposing side of the protocol.
type Client[S any] struct {
	id     string
	engine *eventlog.Log[S]
	port   port.Port
	clock  Clock
	newID  func() string
	retry  time.Duration
	log    *zap.Logger

	mu         sync.Mutex
	pending    map[string]*pendingProposal
	closed     bool
	cancelPort func()
}

// Option customises client construction.
type Option func(*config)

type config struct {
	clock Clock
	newID func() string
	retry time.Duration
	log   *zap.Logger
}

// WithClock overrides the proposal timestamp source.
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

// WithIDGenerator overrides how proposal ids are produced.
func WithIDGenerator(newID func() string) Option {
	return func(cfg *config) {
		if newID != nil {
			cfg.newID = newID
		}
	}
}

// WithRetryTimeout overrides the resend cadence for unacknowledged proposals.
func WithRetryTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.retry = timeout
		}
	}
}

// WithLogger routes client diagnostics to the supplied logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.log = logger
		}
	}
}

// New wires a client to its engine and port and starts listening for host
// messages and reconnect transitions.
func New[S any](clientID string, engine *eventlog.Log[S], p port.Port, opts ...Option) (*Client[S], error) {
	if clientID == "" {
		return nil, errors.New("client: id must be provided")
	}
	if clientID == eventlog.HostClientID {
		return nil, errors.New("client: id is reserved for the host")
	}
	if engine == nil {
		return nil, errors.New("client: engine must be provided")
	}
	if p == nil {
		return nil, errors.New("client: port must be provided")
	}
	cfg := config{
		clock: systemClock{},
		newID: uuid.NewString,
		retry: DefaultRetryTimeout,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	c := &Client[S]{
		id:      clientID,
		engine:  engine,
		port:    p,
		clock:   cfg.clock,
		newID:   cfg.newID,
		retry:   cfg.retry,
		log:     cfg.log.With(zap.String("client_id", clientID)),
		pending: make(map[string]*pendingProposal),
	}
	c.cancelPort = p.Subscribe(port.Listener{
		OnMessage:   c.handleMessage,
		OnConnected: c.handleConnected,
		OnMessageError: func(err error) {
			c.log.Warn("dropping malformed inbound frame", zap.Error(err))
		},
	})
	return c, nil
}

// Propose builds an event from payload, applies it optimistically, sends it
// to the host, and keeps resending until the host confirms or rejects it.
func (c *Client[S]) Propose(payload json.RawMessage) (eventlog.Event, error) {
	event := eventlog.Event{
		ID:        c.newID(),
		Timestamp: c.clock.Now().UnixMilli(),
		Source:    eventlog.Source{ClientID: c.id},
		Payload:   payload,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return eventlog.Event{}, errors.New("client: closed")
	}
	entry := &pendingProposal{event: event, stop: make(chan struct{})}
	c.pending[event.ID] = entry
	c.mu.Unlock()

	//1.- Apply optimistically before the host has seen the proposal.
	if err := c.integrate(event); err != nil {
		c.clearPending(event.ID)
		return eventlog.Event{}, err
	}
	c.port.Post(wire.NewEvent(event))
	go c.retryLoop(entry)
	return event, nil
}

// Pending reports how many proposals await host confirmation.
func (c *Client[S]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close detaches the client from its port and stops every retry loop.
func (c *Client[S]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := make([]*pendingProposal, 0, len(c.pending))
	for _, entry := range c.pending {
		entries = append(entries, entry)
	}
	c.pending = make(map[string]*pendingProposal)
	cancel := c.cancelPort
	c.mu.Unlock()
	for _, entry := range entries {
		close(entry.stop)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// retryLoop resends the proposal every retry interval until the pending
// entry is cleared by confirmation, rejection, or Close.
func (c *Client[S]) retryLoop(entry *pendingProposal) {
	ticker := time.NewTicker(c.retry)
	defer ticker.Stop()
	for {
		select {
		case <-entry.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			_, ok := c.pending[entry.event.ID]
			c.mu.Unlock()
			if !ok {
				return
			}
			c.log.Debug("resending unacknowledged proposal", zap.String("event_id", entry.event.ID))
			c.port.Post(wire.NewEvent(entry.event))
		}
	}
}

// clearPending removes the entry and stops its retry loop. It is a no-op for
// unknown ids.
func (c *Client[S]) clearPending(id string) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		close(entry.stop)
	}
	return ok
}

func (c *Client[S]) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeEvent:
		if msg.Event == nil {
			c.log.Debug("dropping event message without event")
			return
		}
		c.confirm(*msg.Event)
	case wire.TypeRejection:
		c.rollback(msg.EventID)
	case wire.TypeEventHistory:
		c.integrateHistory(msg.Events)
	default:
		c.log.Debug("ignoring message", zap.String("type", string(msg.Type)))
	}
}

// confirm integrates an authoritative event, replacing the matching
// optimistic copy when the host re-stamped it.
func (c *Client[S]) confirm(event eventlog.Event) {
	c.clearPending(event.ID)
	if current, ok := c.engine.Get(event.ID); ok {
		if current.Timestamp == event.Timestamp {
			// Duplicate delivery of an event already reconciled.
			return
		}
		//1.- The authoritative record supersedes the locally stamped copy.
		if err := c.engine.RemoveEvent(event.ID); err != nil {
			c.log.Error("failed to drop optimistic copy", zap.String("event_id", event.ID), zap.Error(err))
			return
		}
	}
	if err := c.integrate(event); err != nil {
		c.log.Error("failed to integrate authoritative event", zap.String("event_id", event.ID), zap.Error(err))
	}
}

// rollback undoes a rejected proposal. Rejections for unknown ids are
// ignored: the proposal was already confirmed or never existed here.
func (c *Client[S]) rollback(eventID string) {
	if eventID == "" {
		return
	}
	if !c.clearPending(eventID) {
		c.log.Debug("ignoring rejection for unknown proposal", zap.String("event_id", eventID))
		return
	}
	c.log.Debug("rolling back rejected proposal", zap.String("event_id", eventID))
	if err := c.engine.RemoveEvent(eventID); err != nil {
		c.log.Error("failed to roll back rejected proposal", zap.String("event_id", eventID), zap.Error(err))
	}
}

// integrateHistory splices a catch-up batch into the log, dropping events
// already received live.
func (c *Client[S]) integrateHistory(events []eventlog.Event) {
	fresh := make([]eventlog.Event, 0, len(events))
	for _, event := range events {
		if !c.engine.Contains(event.ID) {
			fresh = append(fresh, event)
		}
	}
	if len(fresh) == 0 {
		return
	}
	if err := c.engine.InsertEvents(fresh); err != nil {
		c.log.Error("failed to integrate history", zap.Int("events", len(fresh)), zap.Error(err))
	}
}

// integrate routes an event to dispatch or ordered insertion depending on
// whether it falls after the current log tail.
func (c *Client[S]) integrate(event eventlog.Event) error {
	if newest, ok := c.engine.Newest(); ok && eventlog.Compare(newest, event) >= 0 {
		return c.engine.InsertEvents([]eventlog.Event{event})
	}
	return c.engine.Dispatch(event)
}

// handleConnected resends every pending proposal and asks the host for the
// history this client may have missed.
func (c *Client[S]) handleConnected() {
	c.mu.Lock()
	entries := make([]eventlog.Event, 0, len(c.pending))
	for _, entry := range c.pending {
		entries = append(entries, entry.event)
	}
	c.mu.Unlock()

	//1.- Resend outstanding proposals oldest first.
	sort.Slice(entries, func(i, j int) bool {
		return eventlog.Compare(entries[i], entries[j]) < 0
	})
	for _, event := range entries {
		c.port.Post(wire.NewEvent(event))
	}

	//2.- Catch up on everything newer than the local log.
	var since int64
	if newest, ok := c.engine.Newest(); ok {
		since = newest.Timestamp
	}
	c.port.Post(wire.NewHistoryRequest(since))
}
