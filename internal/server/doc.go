// Package server implements the presence relay: the gate that admits
// authenticated WebSocket connections, the per-connection sessions, and the
// relay that broadcasts presence and chat events between them.
//
// The implementation is organized into files for the session lifecycle,
// relay fan-out, the HTTP gate and routing to keep each concern testable.
package server
