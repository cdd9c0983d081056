// Package protocol defines the JSON payloads exchanged between the relay and
// its clients, together with the pure functions that build outbound events
// and decode inbound commands.
package protocol

// PayloadType is the "type" discriminant carried by every payload.
type PayloadType string

// Outbound (server to client) payload types.
const (
	TypeUserConnected    PayloadType = "user_connected"
	TypeUserDisconnected PayloadType = "user_disconnected"
	TypeMessageSent      PayloadType = "message_sent"
	TypeReply            PayloadType = "reply"
)

// Inbound (client to server) payload types.
const (
	TypeSendMessage PayloadType = "send_message"
)

// ErrorCode is the value of the "error" field of a reply.
type ErrorCode string

const (
	// ErrMalformedPayload is replied when an inbound frame cannot be decoded
	// into a known command.
	ErrMalformedPayload ErrorCode = "malformed_payload"
	// ErrRateLimited is replied when a frame arrives faster than the
	// connection's rate limit allows.
	ErrRateLimited ErrorCode = "rate_limited"
)

// ServerPayload is implemented by every payload the server sends.
type ServerPayload interface {
	PayloadType() PayloadType
}

// UserConnectedPayload announces that a user joined.
type UserConnectedPayload struct {
	Type      PayloadType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Username  string      `json:"username"`
}

// PayloadType implements ServerPayload.
func (UserConnectedPayload) PayloadType() PayloadType { return TypeUserConnected }

// UserDisconnectedPayload announces that a user left.
type UserDisconnectedPayload struct {
	Type      PayloadType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Username  string      `json:"username"`
}

// PayloadType implements ServerPayload.
func (UserDisconnectedPayload) PayloadType() PayloadType { return TypeUserDisconnected }

// MessageSentPayload carries a chat message relayed to every user.
type MessageSentPayload struct {
	Type      PayloadType `json:"type"`
	Message   string      `json:"message"`
	Timestamp int64       `json:"timestamp"`
	Username  string      `json:"username"`
}

// PayloadType implements ServerPayload.
func (MessageSentPayload) PayloadType() PayloadType { return TypeMessageSent }

// ReplyPayload acknowledges a single inbound frame. A nil PayloadID or Error
// is encoded as JSON null.
type ReplyPayload struct {
	Type      PayloadType `json:"type"`
	PayloadID *string     `json:"payload_id"`
	Error     *ErrorCode  `json:"error"`
}

// PayloadType implements ServerPayload.
func (ReplyPayload) PayloadType() PayloadType { return TypeReply }

// Command is a decoded inbound payload.
type Command interface {
	CommandType() PayloadType
}

// SendMessage asks the relay to broadcast Message to every connected user.
type SendMessage struct {
	PayloadID string
	Message   string
}

// CommandType implements Command.
func (SendMessage) CommandType() PayloadType { return TypeSendMessage }
