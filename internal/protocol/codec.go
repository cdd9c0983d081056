package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// DecodeError reports an inbound frame that could not be turned into a
// Command. PayloadID is set when the frame carried a readable payload_id, so
// the error reply can echo it.
type DecodeError struct {
	PayloadID *string
	Reason    string
}

func (e *DecodeError) Error() string {
	return "malformed payload: " + e.Reason
}

// UserConnected builds the event announcing username joined at the given time.
func UserConnected(username string, at time.Time) UserConnectedPayload {
	return UserConnectedPayload{
		Type:      TypeUserConnected,
		Timestamp: at.UnixMilli(),
		Username:  username,
	}
}

// UserDisconnected builds the event announcing username left at the given time.
func UserDisconnected(username string, at time.Time) UserDisconnectedPayload {
	return UserDisconnectedPayload{
		Type:      TypeUserDisconnected,
		Timestamp: at.UnixMilli(),
		Username:  username,
	}
}

// MessageSent builds the event relaying message from username.
func MessageSent(username, message string, at time.Time) MessageSentPayload {
	return MessageSentPayload{
		Type:      TypeMessageSent,
		Message:   message,
		Timestamp: at.UnixMilli(),
		Username:  username,
	}
}

// SuccessReply acknowledges the command identified by payloadID.
func SuccessReply(payloadID string) ReplyPayload {
	return ReplyPayload{
		Type:      TypeReply,
		PayloadID: &payloadID,
	}
}

// ErrorReply reports code for the command identified by payloadID, which may
// be nil when the frame had no usable payload_id.
func ErrorReply(payloadID *string, code ErrorCode) ReplyPayload {
	return ReplyPayload{
		Type:      TypeReply,
		PayloadID: payloadID,
		Error:     &code,
	}
}

// Encode serializes an outbound payload into a text frame.
func Encode(p ServerPayload) ([]byte, error) {
	return json.Marshal(p)
}

type inboundEnvelope struct {
	Type      json.RawMessage `json:"type"`
	PayloadID json.RawMessage `json:"payload_id"`
	Message   json.RawMessage `json:"message"`
}

// Decode parses a raw inbound frame. Every failure is a *DecodeError.
func Decode(raw []byte) (Command, error) {
	if !utf8.Valid(raw) {
		return nil, &DecodeError{Reason: "frame is not valid UTF-8"}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "frame is not a JSON object"}
	}

	var env inboundEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	typ, ok := stringField(env.Type)
	if !ok {
		return nil, &DecodeError{Reason: "missing type"}
	}

	payloadID, ok := stringField(env.PayloadID)
	if !ok {
		return nil, &DecodeError{Reason: "missing payload_id"}
	}

	switch PayloadType(typ) {
	case TypeSendMessage:
		message, ok := stringField(env.Message)
		if !ok {
			return nil, &DecodeError{PayloadID: &payloadID, Reason: "message must be a string"}
		}
		return SendMessage{PayloadID: payloadID, Message: message}, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown type %q", typ)}
	}
}

// stringField reports the value of a JSON string field. Absent fields, null
// and non-string values are not strings.
func stringField(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
