package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/presence-relay/internal/config"
)

// originPolicy decides whether a handshake's Origin header is acceptable.
// Requests without an Origin header come from non-browser clients and are
// allowed; browsers always send one.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *zap.Logger
}

func newOriginPolicy(origins []string, log *zap.Logger) *originPolicy {
	p := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		log:     log,
	}
	for _, origin := range origins {
		if origin == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := config.NormalizeOrigin(origin)
		if !ok {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func (p *originPolicy) isAllowed(origin string) bool {
	if origin == "" || p.allowAll {
		return true
	}

	normalized, ok := config.NormalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// check is installed as the upgrader's CheckOrigin.
func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.isAllowed(origin) {
		return true
	}

	p.log.Warn("blocked websocket connection from disallowed origin",
		zap.String("origin", origin),
		zap.String("peer", r.RemoteAddr))
	return false
}
