package server

import (
	"strings"

	"github.com/pkg/errors"
)

// State is the lifecycle position of a Session.
type State int32

const (
	// StateConnecting is held between the gate reserving the identity and
	// the WebSocket handshake completing.
	StateConnecting State = iota
	// StateAdmitted is held after the handshake and before the connect event
	// is broadcast.
	StateAdmitted
	// StateActive is the steady state in which inbound frames are processed.
	StateActive
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAdmitted:
		return "admitted"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrSendBufferFull is returned by Session.Send when the recipient is not
	// draining its queue fast enough.
	ErrSendBufferFull = errors.New("session send buffer full")
	// ErrSessionClosed is returned by Session.Send after Terminate.
	ErrSessionClosed = errors.New("session closed")
	// ErrShuttingDown is returned when a connection arrives during shutdown.
	ErrShuttingDown = errors.New("relay is shutting down")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
