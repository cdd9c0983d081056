package server

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/presence-relay/internal/config"
	"github.com/Tyrowin/presence-relay/internal/testhelpers"
)

const testTimestamp = 1111

type testEnv struct {
	srv  *Server
	url  string
	http string
	logs *observer.ObservedLogs
}

// newTestEnv starts a relay behind an httptest server. mutate, if set, edits
// the default configuration first.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	srv := New(cfg,
		WithLogger(zap.New(core)),
		WithClock(testhelpers.FixedClock(testTimestamp)),
	)
	ts := testhelpers.CreateTestServer(t, srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Relay().Shutdown(ctx)
	})

	return &testEnv{
		srv:  srv,
		url:  testhelpers.WebSocketURL(ts.URL),
		http: ts.URL,
		logs: logs,
	}
}

// connect dials as username and consumes the session's own connect event.
func (e *testEnv) connect(t *testing.T, username string) *wsClient {
	t.Helper()
	c := &wsClient{conn: testhelpers.Connect(t, e.url, username)}
	testhelpers.ExpectRaw(t, c.conn, connectedFrame(username))
	return c
}

func connectedFrame(username string) string {
	return `{"type":"user_connected","timestamp":1111,"username":"` + username + `"}`
}

func disconnectedFrame(username string) string {
	return `{"type":"user_disconnected","timestamp":1111,"username":"` + username + `"}`
}

// TestAliceConnects tests that a connecting user receives its own connect event.
func TestAliceConnects(t *testing.T) {
	env := newTestEnv(t, nil)

	env.connect(t, "alice")

	if got := env.srv.Relay().Identities(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("Expected registry [alice], got %v", got)
	}
}

// TestSecondUserIsAnnouncedToEveryone tests that a new user's connect event
// reaches existing users as well as the new user.
func TestSecondUserIsAnnouncedToEveryone(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.connect(t, "alice")
	env.connect(t, "bob")

	testhelpers.ExpectRaw(t, alice.conn, connectedFrame("bob"))
}

// TestUnauthenticatedConnectionRejected tests that a handshake without
// credentials is refused with 401 and leaves the registry untouched.
func TestUnauthenticatedConnectionRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		headers http.Header
	}{
		{"no authorization header", http.Header{}},
		{"empty username", testhelpers.BasicAuthHeader("", "")},
		{"not basic", http.Header{"Authorization": []string{"Bearer abc"}}},
		{"no colon", http.Header{"Authorization": []string{"Basic YWxpY2U="}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testhelpers.Dial(env.url, tt.headers)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected handshake to fail")
			}
			testhelpers.AssertStatusCode(t, resp, http.StatusUnauthorized)
			if got := resp.Header.Get("WWW-Authenticate"); got != `Basic realm="presence-relay"` {
				t.Errorf("Expected WWW-Authenticate challenge, got %q", got)
			}
		})
	}

	if n := env.srv.Relay().SessionCount(); n != 0 {
		t.Errorf("Expected empty registry, got %d sessions", n)
	}
	if n := env.logs.FilterMessage("client tried to connect without credentials").Len(); n != len(tests) {
		t.Errorf("Expected %d credential warnings, got %d", len(tests), n)
	}
}

// TestDuplicateIdentityRejected tests that a second connection for a
// connected user is refused with 403 and the original session keeps working.
func TestDuplicateIdentityRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.connect(t, "alice")

	conn, resp, err := testhelpers.Dial(env.url, testhelpers.BasicAuthHeader("alice", "other"))
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected duplicate handshake to fail")
	}
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)

	warnings := env.logs.FilterMessage("user tried to connect twice").All()
	if len(warnings) != 1 {
		t.Fatalf("Expected 1 duplicate warning, got %d", len(warnings))
	}
	if warnings[0].Level != zapcore.WarnLevel {
		t.Errorf("Expected warn level, got %s", warnings[0].Level)
	}

	if err := testhelpers.SendCommand(alice.conn, "1", "still here"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	testhelpers.ExpectRaw(t, alice.conn, `{"type":"message_sent","message":"still here","timestamp":1111,"username":"alice"}`)
	testhelpers.ExpectRaw(t, alice.conn, `{"type":"reply","payload_id":"1","error":null}`)
}

// TestSendMessageBroadcastsThenReplies tests that a chat message reaches
// every user and the sender's reply follows its own copy of the event.
func TestSendMessageBroadcastsThenReplies(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	testhelpers.ExpectRaw(t, alice.conn, connectedFrame("bob"))

	if err := testhelpers.SendRaw(alice.conn, `{"type":"send_message","payload_id":"1","message":"hi"}`); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	sent := `{"type":"message_sent","message":"hi","timestamp":1111,"username":"alice"}`
	testhelpers.ExpectRaw(t, alice.conn, sent)
	testhelpers.ExpectRaw(t, alice.conn, `{"type":"reply","payload_id":"1","error":null}`)
	testhelpers.ExpectRaw(t, bob.conn, sent)
	testhelpers.ExpectNoMessage(t, bob.conn, 150*time.Millisecond)
}

// TestDisconnectIsAnnounced tests that closing a connection removes the user
// and notifies the remaining users.
func TestDisconnectIsAnnounced(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	testhelpers.ExpectRaw(t, alice.conn, connectedFrame("bob"))

	if err := testhelpers.CloseWebSocket(alice.conn); err != nil {
		t.Fatalf("Failed to close alice: %v", err)
	}

	testhelpers.ExpectRaw(t, bob.conn, disconnectedFrame("alice"))
	if got := env.srv.Relay().Identities(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("Expected registry [bob], got %v", got)
	}
}

// TestReconnectAfterDisconnect tests that a user can come back once its
// previous session has closed.
func TestReconnectAfterDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	bob := env.connect(t, "bob")
	alice := env.connect(t, "alice")
	testhelpers.ExpectRaw(t, bob.conn, connectedFrame("alice"))

	if err := testhelpers.CloseWebSocket(alice.conn); err != nil {
		t.Fatalf("Failed to close alice: %v", err)
	}
	testhelpers.ExpectRaw(t, bob.conn, disconnectedFrame("alice"))

	env.connect(t, "alice")
	testhelpers.ExpectRaw(t, bob.conn, connectedFrame("alice"))
}

// TestMalformedInputIsIdempotent tests that repeated malformed frames always
// produce the same error reply and never broadcast.
func TestMalformedInputIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	testhelpers.ExpectRaw(t, alice.conn, connectedFrame("bob"))

	tests := []struct {
		frame string
		reply string
	}{
		{`not json`, `{"type":"reply","payload_id":null,"error":"malformed_payload"}`},
		{`{"type":"send_message","payload_id":"7"}`, `{"type":"reply","payload_id":"7","error":"malformed_payload"}`},
		{`{"type":"unknown","payload_id":"8"}`, `{"type":"reply","payload_id":null,"error":"malformed_payload"}`},
	}

	for _, tt := range tests {
		for i := 0; i < 2; i++ {
			if err := testhelpers.SendRaw(alice.conn, tt.frame); err != nil {
				t.Fatalf("Failed to send %s: %v", tt.frame, err)
			}
			testhelpers.ExpectRaw(t, alice.conn, tt.reply)
		}
	}

	testhelpers.ExpectNoMessage(t, bob.conn, 150*time.Millisecond)
	if got := env.srv.Relay().Identities(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("Expected registry [alice bob], got %v", got)
	}
}

// TestRateLimitedFramesAreRefused tests that frames over the burst get a
// rate_limited reply and are not relayed.
func TestRateLimitedFramesAreRefused(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Limits.RateLimit.Burst = 2
		cfg.Limits.RateLimit.RefillInterval = time.Minute
	})

	alice := env.connect(t, "alice")

	for _, id := range []string{"1", "2", "3"} {
		if err := testhelpers.SendCommand(alice.conn, id, "m"+id); err != nil {
			t.Fatalf("Failed to send %s: %v", id, err)
		}
	}

	testhelpers.ExpectRaw(t, alice.conn, `{"type":"message_sent","message":"m1","timestamp":1111,"username":"alice"}`)
	testhelpers.ExpectRaw(t, alice.conn, `{"type":"reply","payload_id":"1","error":null}`)
	testhelpers.ExpectRaw(t, alice.conn, `{"type":"message_sent","message":"m2","timestamp":1111,"username":"alice"}`)
	testhelpers.ExpectRaw(t, alice.conn, `{"type":"reply","payload_id":"2","error":null}`)
	testhelpers.ExpectRaw(t, alice.conn, `{"type":"reply","payload_id":null,"error":"rate_limited"}`)
}

// TestOversizedFrameClosesSession tests that a frame above the read limit
// ends the session through the normal close path.
func TestOversizedFrameClosesSession(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Limits.MaxMessageSize = 64
	})

	bob := env.connect(t, "bob")
	alice := env.connect(t, "alice")
	testhelpers.ExpectRaw(t, bob.conn, connectedFrame("alice"))

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	if err := testhelpers.SendRaw(alice.conn, string(big)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	testhelpers.ExpectRaw(t, bob.conn, disconnectedFrame("alice"))
}

// TestDisallowedOriginReleasesReservation tests that a refused handshake
// frees the username for a later attempt.
func TestDisallowedOriginReleasesReservation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"http://allowed.example"}
	})

	headers := testhelpers.BasicAuthHeader("alice", "pw")
	headers.Set("Origin", "http://evil.example")
	conn, resp, err := testhelpers.Dial(env.url, headers)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected handshake from disallowed origin to fail")
	}
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)

	testhelpers.WaitFor(t, time.Second, func() bool {
		return env.srv.Relay().SessionCount() == 0
	})

	headers.Set("Origin", "http://ALLOWED.example")
	conn, _, err = testhelpers.Dial(env.url, headers)
	if err != nil {
		t.Fatalf("Expected allowed origin to connect: %v", err)
	}
	defer conn.Close()
	testhelpers.ExpectRaw(t, conn, connectedFrame("alice"))
}

// TestWebSocketRejectsNonGet tests that the endpoint only accepts GET.
func TestWebSocketRejectsNonGet(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, env.http+"/ws")
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

// TestShutdownSendsNoDisconnects tests that shutdown closes every session
// without announcing departures and leaves the registry empty.
func TestShutdownSendsNoDisconnects(t *testing.T) {
	env := newTestEnv(t, nil)

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	testhelpers.ExpectRaw(t, alice.conn, connectedFrame("bob"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for name, c := range map[string]*wsClient{"alice": alice, "bob": bob} {
		if frame, err := testhelpers.ReadRaw(c.conn); err == nil {
			t.Errorf("Expected %s's connection to be closed, got frame %s", name, frame)
		}
	}

	if n := env.srv.Relay().SessionCount(); n != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", n)
	}

	_, resp, err := testhelpers.Dial(env.url, testhelpers.BasicAuthHeader("carol", "pw"))
	if err == nil {
		t.Fatal("Expected connection during shutdown to fail")
	}
	testhelpers.AssertStatusCode(t, resp, http.StatusServiceUnavailable)
}

type wsClient struct {
	conn *websocket.Conn
}

// TestPlainGetReleasesReservation tests that an authenticated request
// without WebSocket upgrade headers fails the handshake and frees the name.
func TestPlainGetReleasesReservation(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, env.http+"/ws", http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.SetBasicAuth("alice", "pw")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	_ = resp.Body.Close()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)

	testhelpers.WaitFor(t, time.Second, func() bool {
		return env.srv.Relay().SessionCount() == 0
	})
	env.connect(t, "alice")
}

// TestConcurrentConnections tests that many users connecting at once are all
// admitted and each sees its own connect event first.
func TestConcurrentConnections(t *testing.T) {
	env := newTestEnv(t, nil)

	const numClients = 10
	done := make(chan error, numClients)

	for i := 0; i < numClients; i++ {
		go func(clientID int) {
			username := fmt.Sprintf("user-%d", clientID)
			conn, _, err := testhelpers.Dial(env.url, testhelpers.BasicAuthHeader(username, "pw"))
			if err != nil {
				done <- fmt.Errorf("client %d dial: %w", clientID, err)
				return
			}
			defer func() { _ = conn.Close() }()

			frame, err := testhelpers.ReadRaw(conn)
			if err != nil {
				done <- fmt.Errorf("client %d read: %w", clientID, err)
				return
			}
			if frame != connectedFrame(username) {
				done <- fmt.Errorf("client %d got %s first", clientID, frame)
				return
			}
			done <- nil
		}(i)
	}

	for i := 0; i < numClients; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Error(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Client %d timed out", i)
		}
	}
}

// TestConcurrentDuplicateConnections tests that of many simultaneous
// handshakes for one name exactly one is admitted.
func TestConcurrentDuplicateConnections(t *testing.T) {
	env := newTestEnv(t, nil)

	const attempts = 10
	type result struct {
		status int
		conn   *websocket.Conn
	}
	results := make(chan result, attempts)

	for i := 0; i < attempts; i++ {
		go func() {
			conn, resp, err := testhelpers.Dial(env.url, testhelpers.BasicAuthHeader("alice", "pw"))
			if err != nil {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				results <- result{status: status}
				return
			}
			results <- result{status: http.StatusSwitchingProtocols, conn: conn}
		}()
	}

	admitted, forbidden := 0, 0
	for i := 0; i < attempts; i++ {
		r := <-results
		switch r.status {
		case http.StatusSwitchingProtocols:
			admitted++
			defer r.conn.Close()
		case http.StatusForbidden:
			forbidden++
		default:
			t.Errorf("Unexpected handshake status %d", r.status)
		}
	}

	if admitted != 1 || forbidden != attempts-1 {
		t.Errorf("Expected 1 admitted and %d forbidden, got %d and %d", attempts-1, admitted, forbidden)
	}
}
