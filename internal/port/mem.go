package port

import (
	"sync"

	"tabletop/relay/internal/wire"
)

// memLink is the shared connectivity state of a linked pair.
type memLink struct {
	mu        sync.Mutex
	connected bool
}

// MemPort is one end of an in-memory linked pair. Delivery to the peer is
// synchronous and ordered, which keeps role tests deterministic. The two
// ends share a single link state: while the link is down, posts from either
// end are buffered and flushed, in order, when the link comes back up.
type MemPort struct {
	link     *memLink
	peer     *MemPort
	fan      *fanout
	mu       sync.Mutex
	closed   bool
	buffered []wire.Message
}

// Pair returns two linked in-memory ports with the link initially up.
func Pair() (*MemPort, *MemPort) {
	link := &memLink{connected: true}
	a := &MemPort{link: link, fan: newFanout()}
	b := &MemPort{link: link, fan: newFanout()}
	a.peer = b
	b.peer = a
	return a, b
}

// Post sends msg to the peer, or buffers it while the link is down.
func (p *MemPort) Post(msg wire.Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.link.mu.Lock()
	up := p.link.connected
	p.link.mu.Unlock()
	if !up {
		p.mu.Lock()
		p.buffered = append(p.buffered, msg)
		p.mu.Unlock()
		return
	}
	p.peer.fan.emitMessage(msg)
}

// Subscribe registers port callbacks.
func (p *MemPort) Subscribe(l Listener) func() {
	return p.fan.subscribe(l)
}

// SetConnected toggles the shared link. Reconnecting flushes the buffered
// posts of both ends, initiator first, before the connected callbacks fire
// on either end. Transitions to the current state are no-ops.
func (p *MemPort) SetConnected(connected bool) {
	p.link.mu.Lock()
	if p.link.connected == connected {
		p.link.mu.Unlock()
		return
	}
	p.link.connected = connected
	p.link.mu.Unlock()

	if !connected {
		p.fan.emitDisconnected()
		p.peer.fan.emitDisconnected()
		return
	}
	//1.- Drain both directions before either side learns the link is back.
	p.flushBuffered()
	p.peer.flushBuffered()
	p.fan.emitConnected()
	p.peer.fan.emitConnected()
}

// flushBuffered replays this end's queued posts to the peer, oldest first.
func (p *MemPort) flushBuffered() {
	p.mu.Lock()
	flush := p.buffered
	p.buffered = nil
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	for _, msg := range flush {
		p.peer.fan.emitMessage(msg)
	}
}

// InjectMessageError raises a messageerror on this port, standing in for a
// malformed frame arriving from the transport.
func (p *MemPort) InjectMessageError(err error) {
	p.fan.emitMessageError(err)
}

// Close permanently tears this end down.
func (p *MemPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.buffered = nil
	p.mu.Unlock()
	return nil
}
