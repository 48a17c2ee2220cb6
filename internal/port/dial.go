package port

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"tabletop/relay/internal/wire"
)

// ReconnectingSocket is the dialing side of a websocket port. It keeps a
// connection to the host alive across failures: dial attempts back off
// exponentially, posts made while down are buffered in order, and every
// successful (re)connection flushes the buffer before the connected
// callbacks fire. Cancelling the dial context shuts the port down.
type ReconnectingSocket struct {
	url string
	cfg socketConfig
	fan *fanout

	mu       sync.Mutex
	active   *Socket
	buffered []wire.Message
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// DialSocket starts the reconnect loop for url and returns immediately. The
// first connected callback fires once the initial dial succeeds.
func DialSocket(ctx context.Context, url string, opts ...SocketOption) *ReconnectingSocket {
	ctx, cancel := context.WithCancel(ctx)
	r := &ReconnectingSocket{
		url:    url,
		cfg:    newSocketConfig(opts),
		fan:    newFanout(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(ctx)
	go func() {
		<-ctx.Done()
		_ = r.Close()
	}()
	return r
}

// Post sends msg to the host, buffering it while the link is down.
func (r *ReconnectingSocket) Post(msg wire.Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	active := r.active
	if active == nil {
		r.buffered = append(r.buffered, msg)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	active.Post(msg)
}

// Subscribe registers port callbacks.
func (r *ReconnectingSocket) Subscribe(l Listener) func() {
	return r.fan.subscribe(l)
}

// Close stops the reconnect loop and drops any buffered messages.
func (r *ReconnectingSocket) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	active := r.active
	r.active = nil
	r.buffered = nil
	r.mu.Unlock()
	r.cancel()
	if active != nil {
		_ = active.Close()
	}
	<-r.done
	return nil
}

func (r *ReconnectingSocket) run(ctx context.Context) {
	defer close(r.done)
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
	dialer := &websocket.Dialer{HandshakeTimeout: writeWait}
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := dialer.DialContext(ctx, r.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := b.Duration()
			r.cfg.log.Warn("dial failed; retrying", zap.String("url", r.url), zap.Duration("delay", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()
		if !r.attach(conn) {
			return
		}
	}
}

// attach wraps the fresh connection, flushes buffered posts, and blocks until
// the connection drops. It reports false once the port is closed.
func (r *ReconnectingSocket) attach(conn *websocket.Conn) bool {
	socket := NewSocket(conn, WithPingInterval(r.cfg.pingInterval), WithMaxPayloadBytes(r.cfg.maxPayloadBytes), WithSocketLogger(r.cfg.log))
	down := make(chan struct{})
	cancel := socket.Subscribe(Listener{
		OnMessage:      r.fan.emitMessage,
		OnMessageError: r.fan.emitMessageError,
		OnDisconnected: func() { close(down) },
	})
	defer cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = socket.Close()
		return false
	}
	flush := r.buffered
	r.buffered = nil
	r.active = socket
	r.mu.Unlock()

	//1.- Replay posts accumulated while the link was down, oldest first.
	for _, msg := range flush {
		socket.Post(msg)
	}
	r.fan.emitConnected()

	<-down
	r.mu.Lock()
	closed := r.closed
	if r.active == socket {
		r.active = nil
	}
	r.mu.Unlock()
	if closed {
		return false
	}
	r.fan.emitDisconnected()
	return true
}
