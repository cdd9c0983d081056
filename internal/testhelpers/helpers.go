// Package testhelpers provides common utilities for testing the relay over a
// real HTTP server.
//
// It wraps dialing with Basic credentials, reading JSON text frames with a
// deadline, and asserting HTTP response properties so the server tests read
// as sequences of client actions.
package testhelpers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds every blocking read in these helpers.
const DefaultTimeout = 2 * time.Second

// CreateTestServer starts a test HTTP server with the given handler and
// closes it when the test ends.
func CreateTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

// WebSocketURL converts a test server URL into the relay's /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// FixedClock returns a clock that always reports the given Unix millisecond.
func FixedClock(ms int64) func() time.Time {
	at := time.UnixMilli(ms)
	return func() time.Time { return at }
}

// BasicAuthHeader returns headers carrying Basic credentials for username.
// An empty username yields headers without credentials.
func BasicAuthHeader(username, password string) http.Header {
	headers := http.Header{}
	if username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+token)
	}
	return headers
}

// Dial opens a WebSocket connection with the given headers. The handshake
// response is returned so callers can inspect refusals.
func Dial(url string, headers http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Connect dials url as username and fails the test if the handshake is
// refused. The connection is closed when the test ends.
func Connect(t *testing.T, url, username string) *websocket.Conn {
	t.Helper()

	conn, resp, err := Dial(url, BasicAuthHeader(username, "password"))
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Failed to connect as %q: %v (status %d)", username, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadPayload reads the next text frame and decodes it as a JSON object.
func ReadPayload(conn *websocket.Conn) (map[string]interface{}, error) {
	raw, err := ReadRaw(conn)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadRaw reads the next text frame as a string.
func ReadRaw(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExpectRaw reads the next frame and fails the test unless it equals want.
func ExpectRaw(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	got, err := ReadRaw(conn)
	if err != nil {
		t.Fatalf("Failed to read frame (want %s): %v", want, err)
	}
	if got != want {
		t.Fatalf("Expected frame %s, got %s", want, got)
	}
}

// ExpectNoMessage fails the test if a frame arrives within wait. The
// connection is unusable for reads afterwards.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Errorf("Expected no message, got %s", data)
	}
}

// SendCommand sends a send_message command.
func SendCommand(conn *websocket.Conn, payloadID, message string) error {
	return conn.WriteJSON(map[string]string{
		"type":       "send_message",
		"payload_id": payloadID,
		"message":    message,
	})
}

// SendRaw sends data as a single text frame.
func SendRaw(conn *websocket.Conn, data string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp == nil {
		t.Fatalf("Expected status code %d, got no response", expected)
	}
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// The response body is closed when the test ends.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}
