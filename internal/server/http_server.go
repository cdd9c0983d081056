package server

import (
	"net/http"

	"github.com/Tyrowin/presence-relay/internal/config"
)

// CreateServer creates the HTTP server for the relay with the configured
// address and timeouts.
func CreateServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
