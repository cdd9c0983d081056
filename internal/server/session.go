package server

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/config"
)

// Session is one authenticated WebSocket connection. Outbound payloads are
// queued on a bounded channel drained by writePump; inbound frames are read
// by readPump and handed to the owning Relay.
//
// The send channel is never closed. Shutdown of the pumps is signalled by
// closing done, so Send never races a channel close.
type Session struct {
	id       uuid.UUID
	identity string
	addr     string

	mu   sync.Mutex
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	relay   *Relay
	limits  config.LimitsConfig
	limiter *rateLimiter
	log     *zap.Logger
}

func newSession(relay *Relay, identity, addr string) *Session {
	limits := relay.limits
	s := &Session{
		id:       uuid.New(),
		identity: identity,
		addr:     addr,
		send:     make(chan []byte, limits.SendBuffer),
		done:     make(chan struct{}),
		relay:    relay,
		limits:   limits,
		limiter:  newRateLimiter(limits.RateLimit.Burst, limits.RateLimit.RefillInterval),
	}
	s.log = relay.log.With(
		zap.String("username", identity),
		zap.String("peer", addr),
		zap.String("session_id", s.id.String()),
	)
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the unique id assigned at admission time.
func (s *Session) ID() uuid.UUID { return s.id }

// Identity returns the username the session was admitted under.
func (s *Session) Identity() string { return s.identity }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// transition moves the session from one state to another and reports whether
// the move happened.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// markClosed moves the session to StateClosed and returns the state it was in.
func (s *Session) markClosed() State {
	return State(s.state.Swap(int32(StateClosed)))
}

// attach binds the upgraded connection to the session. It fails if the
// session was terminated while the handshake was in progress.
func (s *Session) attach(conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		_ = conn.Close()
		return ErrSessionClosed
	default:
	}

	conn.SetReadLimit(s.limits.MaxMessageSize)
	s.conn = conn
	if !s.transition(StateConnecting, StateAdmitted) {
		return errors.Errorf("session in state %s cannot be admitted", s.State())
	}
	return nil
}

// Send queues payload for delivery without blocking.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Terminate stops both pumps and closes the underlying connection. It is
// safe to call more than once and from any goroutine.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return
		}
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("error closing connection", zap.Error(err))
		}
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.limits.PongWait)); err != nil {
		s.log.Debug("error setting initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.limits.PongWait)); err != nil {
			s.log.Debug("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError records why the read loop ended.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("message exceeded maximum size", zap.Int64("max_message_size", s.limits.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.log.Debug("client closed connection", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		s.log.Debug("websocket read ended", zap.Error(err))
	}
}

func (s *Session) readPump() {
	defer s.relay.handleClose(s)

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.limiter.allow() {
			s.relay.handleRateLimited(s)
			continue
		}

		s.relay.handleFrame(s, raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.limits.PingPeriod)
	defer func() {
		ticker.Stop()
		s.Terminate()
	}()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if !s.writeText(payload) {
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				return
			}
		}
	}
}

// writeText writes one payload as a single text frame.
func (s *Session) writeText(payload []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.limits.WriteWait)); err != nil {
		s.log.Debug("error setting write deadline", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// writePing sends a ping message to keep the connection alive
func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.limits.WriteWait)); err != nil {
		s.log.Debug("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn("error writing ping", zap.Error(err))
		}
		return false
	}
	return true
}
