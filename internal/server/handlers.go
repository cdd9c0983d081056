package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/metrics"
	"github.com/Tyrowin/presence-relay/internal/registry"
)

// Gate authenticates WebSocket upgrade requests and hands admitted
// connections to the relay.
type Gate struct {
	relay    *Relay
	upgrader websocket.Upgrader
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewGate creates a gate admitting into relay. allowedOrigins is the
// browser Origin allowlist; "*" allows any origin.
func NewGate(relay *Relay, allowedOrigins []string, log *zap.Logger, m *metrics.Metrics) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	policy := newOriginPolicy(allowedOrigins, log)
	return &Gate{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		log:     log,
		metrics: m,
	}
}

// ServeHTTP admits a connection in three steps: the request must carry a
// username, the username must not already be connected, and the WebSocket
// handshake must succeed. The username is reserved before the handshake so
// two simultaneous requests for the same name cannot both be admitted.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	peer := zap.String("peer", r.RemoteAddr)

	identity, ok := identityFromRequest(r)
	if !ok {
		g.log.Warn("client tried to connect without credentials", peer)
		g.metrics.ConnectionRejected(metrics.ReasonUnauthorized)
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", authRealm))
		rejectHandshake(w, http.StatusUnauthorized)
		return
	}

	session, err := g.relay.reserve(identity, r.RemoteAddr)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrIdentityAlreadyPresent):
		g.log.Warn("user tried to connect twice", zap.String("username", identity), peer)
		g.metrics.ConnectionRejected(metrics.ReasonDuplicate)
		rejectHandshake(w, http.StatusForbidden)
		return
	case errors.Is(err, ErrShuttingDown):
		g.log.Info("refusing connection during shutdown", zap.String("username", identity), peer)
		g.metrics.ConnectionRejected(metrics.ReasonShuttingDown)
		rejectHandshake(w, http.StatusServiceUnavailable)
		return
	default:
		g.log.Error("failed to reserve identity", zap.String("username", identity), peer, zap.Error(err))
		rejectHandshake(w, http.StatusInternalServerError)
		return
	}

	// Upgrade writes its own HTTP error response on failure.
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.relay.release(session)
		g.log.Warn("websocket handshake failed", zap.String("username", identity), peer, zap.Error(err))
		g.metrics.ConnectionRejected(metrics.ReasonHandshakeError)
		return
	}

	if err := g.relay.admit(session, conn); err != nil {
		g.log.Info("connection dropped before admission", zap.String("username", identity), peer, zap.Error(err))
		g.metrics.ConnectionRejected(metrics.ReasonShuttingDown)
	}
}

// rejectHandshake ends a refused upgrade request. The connection is not kept
// alive since the client is not going to retry on it.
func rejectHandshake(w http.ResponseWriter, status int) {
	w.Header().Set("Connection", "close")
	http.Error(w, http.StatusText(status), status)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "presence-relay is running!")
}

type statsResponse struct {
	Status        string   `json:"status"`
	Sessions      int      `json:"sessions"`
	Users         []string `json:"users"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	RSSBytes      uint64   `json:"rss_bytes,omitempty"`
}

// statsHandler reports the current presence list and process memory.
type statsHandler struct {
	relay   *Relay
	started time.Time
	proc    *process.Process
	log     *zap.Logger
}

func newStatsHandler(relay *Relay, log *zap.Logger) *statsHandler {
	h := &statsHandler{relay: relay, started: time.Now(), log: log}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("process stats unavailable", zap.Error(err))
	} else {
		h.proc = proc
	}
	return h
}

func (h *statsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Status:        "ok",
		Users:         h.relay.Identities(),
		UptimeSeconds: int64(time.Since(h.started) / time.Second),
	}
	resp.Sessions = len(resp.Users)
	if h.proc != nil {
		if mem, err := h.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
	}
	if h.relay.isClosing() {
		resp.Status = "shutting_down"
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("error writing stats response", zap.Error(err))
	}
}
