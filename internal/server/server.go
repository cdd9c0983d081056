package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/config"
	"github.com/Tyrowin/presence-relay/internal/metrics"
)

// Server ties the relay, the gate and the auxiliary endpoints to one HTTP
// server.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	relay    *Relay
	gate     *Gate
	stats    *statsHandler
	gatherer prometheus.Gatherer
	http     *http.Server
}

type options struct {
	log      *zap.Logger
	registry *prometheus.Registry
	now      func() time.Time
}

// Option customizes a Server.
type Option func(*options)

// WithLogger sets the server logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithPrometheusRegistry registers the relay collectors with reg instead of
// a private registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock replaces the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a server from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) *Server {
	cfg = config.Sanitize(cfg)

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	s := &Server{cfg: cfg, log: o.log}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := o.registry
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		m = metrics.New(reg, cfg.Metrics.Namespace)
		s.gatherer = reg
	}

	s.relay = NewRelay(cfg.Limits,
		WithRelayLogger(o.log),
		WithRelayMetrics(m),
		WithRelayClock(o.now),
	)
	s.gate = NewGate(s.relay, cfg.Server.AllowedOrigins, o.log, m)
	s.stats = newStatsHandler(s.relay, o.log)
	s.http = CreateServer(cfg.Server, s.routes())
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Relay returns the relay owned by the server.
func (s *Server) Relay() *Relay { return s.relay }

// ListenAndServe listens on the configured address and blocks until the
// server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info("server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "listening on %s", s.http.Addr)
	}
	return nil
}

// Serve accepts connections on l and blocks until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("server listening", zap.String("addr", l.Addr().String()))
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serving")
	}
	return nil
}

// Shutdown stops accepting connections, then terminates every session. No
// disconnect events are sent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")

	var err error
	if httpErr := s.http.Shutdown(ctx); httpErr != nil {
		err = multierr.Append(err, errors.Wrap(httpErr, "http shutdown"))
	}
	if relayErr := s.relay.Shutdown(ctx); relayErr != nil {
		err = multierr.Append(err, relayErr)
	}
	return err
}
