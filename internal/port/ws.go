package port

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tabletop/relay/internal/wire"
)

const (
	// writeWait bounds how long a single outbound frame may take.
	writeWait = 10 * time.Second
	// pongWaitMultiplier scales the ping interval into the read deadline.
	pongWaitMultiplier = 2
	// sendBuffer is the per-connection outbound queue depth.
	sendBuffer = 256
)

// SocketOption customises websocket port construction.
type SocketOption func(*socketConfig)

type socketConfig struct {
	pingInterval    time.Duration
	maxPayloadBytes int64
	log             *zap.Logger
}

func newSocketConfig(opts []SocketOption) socketConfig {
	cfg := socketConfig{
		pingInterval: 30 * time.Second,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithPingInterval overrides the keepalive cadence.
func WithPingInterval(interval time.Duration) SocketOption {
	return func(cfg *socketConfig) {
		if interval > 0 {
			cfg.pingInterval = interval
		}
	}
}

// WithMaxPayloadBytes limits inbound frame size.
func WithMaxPayloadBytes(limit int64) SocketOption {
	return func(cfg *socketConfig) {
		if limit > 0 {
			cfg.maxPayloadBytes = limit
		}
	}
}

// WithSocketLogger routes transport diagnostics to the supplied logger.
func WithSocketLogger(logger *zap.Logger) SocketOption {
	return func(cfg *socketConfig) {
		if logger != nil {
			cfg.log = logger
		}
	}
}

// Socket adapts a single established websocket connection to the Port
// contract. It does not reconnect: when the connection drops the port
// reports disconnected once and stays down. The accepting side of the host
// wraps each upgraded connection in one of these.
type Socket struct {
	conn *websocket.Conn
	cfg  socketConfig
	fan  *fanout

	mu     sync.Mutex
	closed bool
	send   chan []byte
	done   chan struct{}
}

// NewSocket wraps conn and starts its read and write pumps.
func NewSocket(conn *websocket.Conn, opts ...SocketOption) *Socket {
	s := &Socket{
		conn: conn,
		cfg:  newSocketConfig(opts),
		fan:  newFanout(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if s.cfg.maxPayloadBytes > 0 {
		s.conn.SetReadLimit(s.cfg.maxPayloadBytes)
	}
	go s.readPump()
	go s.writePump()
	return s
}

// Post encodes and enqueues msg. A saturated connection is torn down rather
// than allowed to block the caller.
func (s *Socket) Post(msg wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		s.cfg.log.Error("failed to encode outbound message", zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.send <- data:
	default:
		s.cfg.log.Warn("closing saturated connection", zap.String("type", string(msg.Type)))
		_ = s.Close()
	}
}

// Subscribe registers port callbacks.
func (s *Socket) Subscribe(l Listener) func() {
	return s.fan.subscribe(l)
}

// Close tears the connection down. The disconnected callback fires once,
// regardless of how many times Close is called.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	err := s.conn.Close()
	s.fan.emitDisconnected()
	return err
}

func (s *Socket) readPump() {
	defer func() {
		_ = s.Close()
	}()
	waitDuration := time.Duration(pongWaitMultiplier) * s.cfg.pingInterval
	if err := s.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		s.cfg.log.Error("failed to set initial read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.cfg.log.Warn("read deadline exceeded", zap.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.cfg.log.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			s.cfg.log.Error("failed to extend read deadline", zap.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			s.cfg.log.Debug("dropping non-text frame")
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			s.cfg.log.Debug("dropping malformed frame", zap.Error(err))
			s.fan.emitMessageError(err)
			continue
		}
		s.fan.emitMessage(msg)
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(s.cfg.pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.cfg.log.Error("failed to set write deadline", zap.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.cfg.log.Error("write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.cfg.log.Warn("ping failure", zap.Error(err))
				return
			}
		}
	}
}
