// Package eventlog derives a domain state by folding a reducer over an
// append-only, chronologically ordered event log, accelerating replay with
// periodic state snapshots.
package eventlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"tabletop/relay/internal/merge"
)

// DefaultSnapshotInterval controls how many events accumulate past the newest
// snapshot before the engine captures another one.
const DefaultSnapshotInterval = 100

// Reducer folds a single event into the current state and returns the next
// state. Reducers must be pure and must not mutate the input state: snapshots
// retain references to prior states, and an in-place mutation would silently
// corrupt them.
type Reducer[S any] func(S, Event) (S, error)

// snapshot captures the state equal to replaying events [0, index) from the
// initial state. It stays valid only while that prefix is unchanged.
type snapshot[S any] struct {
	state S
	index int
}

type listener[S any] struct {
	fn func(S)
}

// Log is the event log engine. All public methods are serialized by an
// internal mutex; subscriber callbacks run after a transition commits, with
// the state captured at commit time, so callbacks may re-enter Subscribe and
// unsubscribe handles but must not perform other engine operations.
type Log[S any] struct {
	mu        sync.Mutex
	apply     Reducer[S]
	initial   S
	state     S
	events    []Event
	ids       map[string]struct{}
	snapshots []*snapshot[S]
	listeners []*listener[S]
	interval  int
	log       *zap.Logger
}

// Option customises engine construction.
type Option[S any] func(*Log[S])

// WithSnapshotInterval overrides the auto-snapshot cadence. Values below one
// fail construction.
func WithSnapshotInterval[S any](interval int) Option[S] {
	return func(l *Log[S]) {
		l.interval = interval
	}
}

// WithLogger routes diagnostics, such as panicking subscribers, to the
// supplied logger.
func WithLogger[S any](logger *zap.Logger) Option[S] {
	return func(l *Log[S]) {
		if logger != nil {
			l.log = logger
		}
	}
}

// New constructs an engine that derives state from initial by folding apply
// over dispatched events.
func New[S any](initial S, apply Reducer[S], opts ...Option[S]) (*Log[S], error) {
	if apply == nil {
		return nil, errors.New("eventlog: reducer must be provided")
	}
	l := &Log[S]{
		apply:    apply,
		initial:  initial,
		state:    initial,
		ids:      make(map[string]struct{}),
		interval: DefaultSnapshotInterval,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.interval < 1 {
		return nil, fmt.Errorf("eventlog: snapshot interval must be at least 1, got %d", l.interval)
	}
	return l, nil
}

// State returns the current derived state. Between transitions repeated calls
// return the same value.
func (l *Log[S]) State() S {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Subscribe registers a state listener and invokes it synchronously with the
// current state before returning. The returned handle removes the listener
// and is safe to call more than once, including from within a notification.
func (l *Log[S]) Subscribe(fn func(S)) func() {
	if fn == nil {
		return func() {}
	}
	entry := &listener[S]{fn: fn}
	l.mu.Lock()
	l.listeners = append(l.listeners, entry)
	state := l.state
	l.mu.Unlock()
	//1.- Prime the fresh subscriber before Subscribe returns.
	l.invoke(entry, state)
	return func() {
		l.mu.Lock()
		for i, candidate := range l.listeners {
			if candidate == entry {
				l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}
}

// Dispatch appends an event at the tail of the log and applies it. The event
// must order strictly after every current entry. On a reducer error neither
// the log nor the state is modified.
func (l *Log[S]) Dispatch(event Event) error {
	l.mu.Lock()
	if len(l.events) > 0 && Compare(l.events[len(l.events)-1], event) >= 0 {
		l.mu.Unlock()
		return fmt.Errorf("eventlog: event %q does not order after the log tail", event.ID)
	}
	if _, exists := l.ids[event.ID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("eventlog: duplicate event id %q", event.ID)
	}
	//1.- Apply first so a failing reducer leaves the engine untouched.
	next, err := l.apply(l.state, event)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	//2.- Commit the append and the derived state together.
	l.events = append(l.events, event)
	l.ids[event.ID] = struct{}{}
	l.state = next
	l.maybeSnapshotLocked()
	l.mu.Unlock()
	l.notify(next)
	return nil
}

// Replay folds events into the current state without touching the log, then
// notifies subscribers once. An empty slice is a no-op.
func (l *Log[S]) Replay(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	next := l.state
	var err error
	for _, event := range events {
		if next, err = l.apply(next, event); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	l.state = next
	l.mu.Unlock()
	l.notify(next)
	return nil
}

// InsertEvents integrates events that may belong anywhere in the timeline.
// The input must be sorted ascending under Compare and must not duplicate ids
// already in the log. The internal rewind is not observable: subscribers are
// notified exactly once, after the merge commits. An empty slice is a no-op.
func (l *Log[S]) InsertEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	for i, event := range events {
		if i > 0 && Compare(events[i-1], event) >= 0 {
			l.mu.Unlock()
			return fmt.Errorf("eventlog: insert batch is not sorted at %q", event.ID)
		}
		if _, exists := l.ids[event.ID]; exists {
			l.mu.Unlock()
			return fmt.Errorf("eventlog: duplicate event id %q", event.ID)
		}
	}

	//1.- Anchor on the first entry that orders after the head of the batch.
	anchor := sort.Search(len(l.events), func(i int) bool {
		return Compare(l.events[i], events[0]) > 0
	})

	//2.- Snapshots covering a prefix beyond the anchor are invalid.
	keep := len(l.snapshots)
	for keep > 0 && l.snapshots[keep-1].index > anchor {
		keep--
	}
	base, baseIndex := l.rewindPointLocked(keep)

	//3.- Merge the detached tail with the new events and fold from the base.
	merged := merge.Sorted(l.events[baseIndex:], events, Compare)
	next := base
	var err error
	for _, event := range merged {
		if next, err = l.apply(next, event); err != nil {
			l.mu.Unlock()
			return err
		}
	}

	//4.- Commit log, snapshots, and state in one step.
	l.snapshots = l.snapshots[:keep]
	l.events = append(l.events[:baseIndex], merged...)
	for _, event := range events {
		l.ids[event.ID] = struct{}{}
	}
	l.state = next
	l.mu.Unlock()
	l.notify(next)
	return nil
}

// RemoveEvent removes the event with the given id, rewinding to the nearest
// surviving snapshot and replaying the remainder. Unknown ids are a no-op
// with no notification.
func (l *Log[S]) RemoveEvent(id string) error {
	l.mu.Lock()
	if _, exists := l.ids[id]; !exists {
		l.mu.Unlock()
		return nil
	}
	index := -1
	for i, event := range l.events {
		if event.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		l.mu.Unlock()
		return nil
	}

	//1.- Snapshots whose prefix includes the removed event are invalid.
	keep := len(l.snapshots)
	for keep > 0 && l.snapshots[keep-1].index > index {
		keep--
	}
	base, baseIndex := l.rewindPointLocked(keep)

	//2.- Rebuild the suffix without the removed event and fold from the base.
	suffix := make([]Event, 0, len(l.events)-baseIndex-1)
	for _, event := range l.events[baseIndex:] {
		if event.ID != id {
			suffix = append(suffix, event)
		}
	}
	next := base
	var err error
	for _, event := range suffix {
		if next, err = l.apply(next, event); err != nil {
			l.mu.Unlock()
			return err
		}
	}

	l.snapshots = l.snapshots[:keep]
	l.events = append(l.events[:baseIndex], suffix...)
	delete(l.ids, id)
	l.state = next
	l.mu.Unlock()
	l.notify(next)
	return nil
}

// CreateSnapshot captures the current (state, log length) pair. The returned
// handle discards that specific snapshot if it is still present; it is safe
// to call after the snapshot was already invalidated. When a snapshot for the
// current log length already exists no new one is recorded and the handle is
// a no-op.
func (l *Log[S]) CreateSnapshot() func() {
	l.mu.Lock()
	if n := len(l.snapshots); n > 0 && l.snapshots[n-1].index == len(l.events) {
		l.mu.Unlock()
		return func() {}
	}
	entry := &snapshot[S]{state: l.state, index: len(l.events)}
	l.snapshots = append(l.snapshots, entry)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		for i, candidate := range l.snapshots {
			if candidate == entry {
				l.snapshots = append(l.snapshots[:i], l.snapshots[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	}
}

// Rebaseline hard-resets the engine: the log and all snapshots are discarded
// and newState becomes both the initial and the current state.
func (l *Log[S]) Rebaseline(newState S) {
	l.mu.Lock()
	l.initial = newState
	l.state = newState
	l.events = nil
	l.snapshots = nil
	l.ids = make(map[string]struct{})
	l.mu.Unlock()
	l.notify(newState)
}

// Contains reports whether an event with the given id is in the log.
func (l *Log[S]) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.ids[id]
	return exists
}

// Get returns the logged event with the given id.
func (l *Log[S]) Get(id string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ids[id]; !exists {
		return Event{}, false
	}
	for _, event := range l.events {
		if event.ID == id {
			return event, true
		}
	}
	return Event{}, false
}

// Newest returns the last event in the log.
func (l *Log[S]) Newest() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// Len reports the number of logged events.
func (l *Log[S]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of the full log in chronological order.
func (l *Log[S]) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsSince returns a copy of every event with a timestamp strictly greater
// than since, in chronological order.
func (l *Log[S]) EventsSince(since int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.events), func(i int) bool {
		return l.events[i].Timestamp > since
	})
	if i >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-i)
	copy(out, l.events[i:])
	return out
}

// SnapshotCount reports how many snapshots are currently retained.
func (l *Log[S]) SnapshotCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snapshots)
}

// rewindPointLocked resolves the state and log index to fold from after the
// snapshot list has been truncated to keep entries.
func (l *Log[S]) rewindPointLocked(keep int) (S, int) {
	if keep > 0 {
		entry := l.snapshots[keep-1]
		return entry.state, entry.index
	}
	return l.initial, 0
}

// maybeSnapshotLocked applies the auto-snapshot policy after a dispatch.
func (l *Log[S]) maybeSnapshotLocked() {
	newest := 0
	if n := len(l.snapshots); n > 0 {
		newest = l.snapshots[n-1].index
	}
	if len(l.events)-newest >= l.interval {
		l.snapshots = append(l.snapshots, &snapshot[S]{state: l.state, index: len(l.events)})
	}
}

// notify invokes every listener registered at notification start with the
// committed state. Listener panics are isolated and logged.
func (l *Log[S]) notify(state S) {
	l.mu.Lock()
	current := append([]*listener[S](nil), l.listeners...)
	l.mu.Unlock()
	for _, entry := range current {
		l.invoke(entry, state)
	}
}

func (l *Log[S]) invoke(entry *listener[S], state S) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("state listener panicked", zap.Any("panic", r))
		}
	}()
	entry.fn(state)
}
