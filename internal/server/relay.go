package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/config"
	"github.com/Tyrowin/presence-relay/internal/metrics"
	"github.com/Tyrowin/presence-relay/internal/protocol"
	"github.com/Tyrowin/presence-relay/internal/registry"
)

const tracerName = "github.com/Tyrowin/presence-relay/internal/server"

// Relay owns the session registry and turns session lifecycle changes and
// inbound commands into broadcasts and replies.
type Relay struct {
	registry *registry.Registry
	limits   config.LimitsConfig
	log      *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// RelayOption customizes a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the logger used by the relay and its sessions.
func WithRelayLogger(log *zap.Logger) RelayOption {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRelayMetrics sets the collectors the relay records into.
func WithRelayMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithRelayClock replaces the wall clock used for event timestamps.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRelay creates a relay with an empty registry.
func NewRelay(limits config.LimitsConfig, opts ...RelayOption) *Relay {
	r := &Relay{
		limits: limits,
		log:    zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registry = registry.New(r.log)
	return r
}

// SessionCount returns the number of registered sessions, including those
// still completing their handshake.
func (r *Relay) SessionCount() int { return r.registry.Len() }

// Identities returns the registered usernames in sorted order.
func (r *Relay) Identities() []string { return r.registry.Identities() }

func (r *Relay) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// reserve claims identity for a connection that is about to be upgraded.
// The claim is what makes the duplicate check and the insert atomic.
func (r *Relay) reserve(identity, addr string) (*Session, error) {
	if r.isClosing() {
		return nil, ErrShuttingDown
	}

	s := newSession(r, identity, addr)
	if err := r.registry.Insert(identity, s); err != nil {
		return nil, err
	}
	return s, nil
}

// release drops a reservation whose handshake did not complete. Nothing was
// announced for it, so nothing is broadcast.
func (r *Relay) release(s *Session) {
	s.markClosed()
	s.Terminate()
	r.forget(s)
}

// forget removes the session's identity from the registry. During shutdown
// the registry may already have been cleared, which is not an error.
func (r *Relay) forget(s *Session) bool {
	if r.isClosing() {
		if _, tracked := r.registry.Get(s.identity); !tracked {
			return false
		}
	}
	return r.registry.Remove(s.identity) == nil
}

// admit binds the upgraded connection and starts the session.
func (r *Relay) admit(s *Session, conn *websocket.Conn) error {
	if err := s.attach(conn); err != nil {
		r.release(s)
		return err
	}
	r.start(s)
	return nil
}

// start announces the session and launches its pumps. The session's own
// connect event is queued before it becomes visible to other broadcasts and
// before its reader starts, so it is always the first thing it receives.
func (r *Relay) start(s *Session) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.release(s)
		return
	}
	r.wg.Add(2)
	r.mu.Unlock()

	r.metrics.SessionOpened()

	event := protocol.UserConnected(s.identity, r.now())
	r.metrics.EventBroadcast(string(event.PayloadType()))
	data, err := protocol.Encode(event)
	if err != nil {
		r.log.Error("failed to encode connect event", zap.Error(err))
	} else if err := s.Send(data); err != nil {
		r.log.Warn("failed to queue own connect event", zap.String("username", s.identity), zap.Error(err))
	}

	s.transition(StateAdmitted, StateActive)
	if data != nil {
		r.fanOut(data, s)
	}

	s.log.Info("user connected", zap.Int("sessions", r.registry.Len()))

	go func() {
		defer r.wg.Done()
		s.writePump()
	}()
	go func() {
		defer r.wg.Done()
		s.readPump()
	}()
}

// handleFrame processes one inbound frame from an active session.
func (r *Relay) handleFrame(s *Session, raw []byte) {
	if s.State() != StateActive {
		return
	}

	_, span := r.tracer.Start(context.Background(), "relay.frame",
		trace.WithAttributes(attribute.String("relay.username", s.identity)))
	defer span.End()

	cmd, err := protocol.Decode(raw)
	if err != nil {
		var decodeErr *protocol.DecodeError
		var payloadID *string
		if errors.As(err, &decodeErr) {
			payloadID = decodeErr.PayloadID
		}
		span.SetStatus(codes.Error, err.Error())
		s.log.Debug("malformed payload", zap.Error(err))
		r.metrics.CommandHandled("unknown", metrics.ResultMalformed)
		r.reply(s.identity, protocol.ErrorReply(payloadID, protocol.ErrMalformedPayload))
		return
	}

	span.SetAttributes(attribute.String("relay.command", string(cmd.CommandType())))

	switch c := cmd.(type) {
	case protocol.SendMessage:
		r.handleSendMessage(s, c)
	}
}

// handleSendMessage relays a chat message to everyone, then acknowledges it
// to the sender. Both go through the sender's queue in that order.
func (r *Relay) handleSendMessage(s *Session, cmd protocol.SendMessage) {
	r.broadcast(protocol.MessageSent(s.identity, cmd.Message, r.now()))
	r.reply(s.identity, protocol.SuccessReply(cmd.PayloadID))
	r.metrics.CommandHandled(string(cmd.CommandType()), metrics.ResultOK)
}

// handleRateLimited answers a frame dropped by the session's rate limiter.
func (r *Relay) handleRateLimited(s *Session) {
	s.log.Warn("rate limit exceeded; discarding frame",
		zap.Int("burst", s.limits.RateLimit.Burst),
		zap.Duration("refill_interval", s.limits.RateLimit.RefillInterval))
	r.metrics.CommandHandled("unknown", metrics.ResultRateLimited)
	r.reply(s.identity, protocol.ErrorReply(nil, protocol.ErrRateLimited))
}

// handleClose runs once per started session when its reader exits.
func (r *Relay) handleClose(s *Session) {
	prev := s.markClosed()
	s.Terminate()
	if prev == StateClosed {
		return
	}

	if !r.forget(s) {
		return
	}
	r.metrics.SessionClosed()

	if r.isClosing() {
		s.log.Debug("session closed during shutdown")
		return
	}

	r.broadcast(protocol.UserDisconnected(s.identity, r.now()))
	s.log.Info("user disconnected", zap.Int("sessions", r.registry.Len()))
}

// reply delivers payload to identity only.
func (r *Relay) reply(identity string, payload protocol.ServerPayload) {
	h, ok := r.registry.Get(identity)
	if !ok {
		r.log.Error("tried to send payload to non-tracked user",
			zap.String("username", identity),
			zap.String("type", string(payload.PayloadType())))
		return
	}

	data, err := protocol.Encode(payload)
	if err != nil {
		r.log.Error("failed to encode payload", zap.Error(err))
		return
	}
	r.deliver(identity, h, data)
}

// broadcast delivers payload to every active session.
func (r *Relay) broadcast(payload protocol.ServerPayload) {
	data, err := protocol.Encode(payload)
	if err != nil {
		r.log.Error("failed to encode payload", zap.Error(err))
		return
	}
	r.metrics.EventBroadcast(string(payload.PayloadType()))
	r.fanOut(data, nil)
}

// fanOut delivers data to every active session except skip.
func (r *Relay) fanOut(data []byte, skip *Session) {
	r.registry.ForEach(func(identity string, h registry.Handle) {
		if s, ok := h.(*Session); ok {
			if s == skip || s.State() != StateActive {
				return
			}
		}
		r.deliver(identity, h, data)
	})
}

// deliver queues data on h. A recipient whose queue is full is terminated;
// its own close path removes it and announces the disconnect.
func (r *Relay) deliver(identity string, h registry.Handle, data []byte) {
	err := h.Send(data)
	switch {
	case err == nil:
	case errors.Is(err, ErrSendBufferFull):
		r.metrics.DeliveryDropped()
		r.log.Warn("send buffer full; closing slow session", zap.String("username", identity))
		h.Terminate()
	case errors.Is(err, ErrSessionClosed):
		r.metrics.DeliveryDropped()
		r.log.Debug("dropping payload for closed session", zap.String("username", identity))
	default:
		r.metrics.DeliveryDropped()
		r.log.Warn("failed to queue payload", zap.String("username", identity), zap.Error(err))
	}
}

// Shutdown terminates every session without announcing any disconnects and
// waits for their pumps to exit or for ctx to expire. The registry is empty
// afterwards either way.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.log.Info("shutting down relay", zap.Int("sessions", r.registry.Len()))

	terminated := 0
	r.registry.ForEach(func(_ string, h registry.Handle) {
		h.Terminate()
		terminated++
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "waiting for sessions to close")
		r.log.Warn("relay shutdown timed out; some sessions may still be running")
	}

	cleared := r.registry.Clear()
	r.metrics.SessionsCleared()
	r.log.Info("relay shutdown complete",
		zap.Int("terminated", terminated),
		zap.Int("cleared", cleared))
	return err
}
