package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/pairwire/broker/internal/codes"
	"github.com/pairwire/broker/internal/engine"
	"github.com/pairwire/broker/internal/history"
	"github.com/pairwire/broker/internal/identity"
	"github.com/pairwire/broker/internal/liveness"
	"github.com/pairwire/broker/internal/metrics"
	"github.com/pairwire/broker/internal/ratelimit"
	"github.com/pairwire/broker/internal/registry"
	"github.com/pairwire/broker/internal/sessions"
	"github.com/pairwire/broker/internal/storetest"
	"github.com/pairwire/broker/internal/wire"
)

const testIssuer = "pairwire-broker-test"

var testJWTSecret = []byte("test-secret")

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	s := storetest.New(t)
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)

	eng := engine.New(engine.Deps{
		Registry: reg,
		Codes:    codes.New(s, logger),
		Sessions: sessions.New(s, logger),
		Limiter:  ratelimit.New(s, logger),
		Liveness: liveness.New(s, logger),
		History:  history.New(s, logger),
		Metrics:  metrics.New(),
		Logger:   logger,
	})

	verifier := identity.NewStaticJWTVerifier(testJWTSecret, testIssuer)

	cors := NewCORSPolicy(newTestGormDB(t), logger)
	wsHandler := NewWSHandler(eng, reg, verifier, metrics.New(), cors, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, eng
}

func mintAppToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestPairOverWebSocketSucceeds exercises the App transport end to end:
// a Runner registers out of band, and the App sends app:pair over a real
// WebSocket connection and receives app:pair:success.
func TestPairOverWebSocketSucceeds(t *testing.T) {
	srv, eng := newTestServer(t)

	reg, err := eng.RegisterRunner(t.Context(), "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	eng.AttachRunnerStream(t.Context(), "runner-1", noopHandle{})

	conn := dialWS(t, srv, mintAppToken(t, "app-1"))

	env, err := wire.NewEnvelope(wire.TypeAppPair, wire.PairRequest{PairingCode: reg.Code})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply wire.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected app:pair:success, got %s: %s", reply.Type, reply.Payload)
	}
}

// TestPairOverWebSocketRejectsUnauthenticated confirms an App socket
// that never presented a valid identity token cannot reach the engine
// through app:pair, even with a correct pairing code in hand.
func TestPairOverWebSocketRejectsUnauthenticated(t *testing.T) {
	srv, eng := newTestServer(t)

	reg, err := eng.RegisterRunner(t.Context(), "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	eng.AttachRunnerStream(t.Context(), "runner-1", noopHandle{})

	conn := dialWS(t, srv, "")

	env, err := wire.NewEnvelope(wire.TypeAppPair, wire.PairRequest{PairingCode: reg.Code})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply wire.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != wire.TypeAppPairError {
		t.Fatalf("expected app:pair:error, got %s: %s", reply.Type, reply.Payload)
	}

	var payload wire.ErrorPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != wire.ErrNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED, got %s", payload.Code)
	}
}

// TestConnectRunnerOverWebSocketRejectsUnauthenticated exercises the
// security gate end to end: a connection that never presented a valid
// identity token is rejected even if it knows a valid runnerId.
func TestConnectRunnerOverWebSocketRejectsUnauthenticated(t *testing.T) {
	srv, eng := newTestServer(t)

	eng.AttachRunnerStream(t.Context(), "runner-1", noopHandle{})
	conn := dialWS(t, srv, "")

	env, err := wire.NewEnvelope(wire.TypeConnectRunner, wire.ConnectRunnerRequest{RunnerID: "runner-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply wire.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != wire.TypeConnectRunnerError {
		t.Fatalf("expected connect_runner:error, got %s", reply.Type)
	}
}

// TestConnectRunnerOverWebSocketSucceedsWhenPaired exercises the full
// authenticated + paired path and confirms the Runner's handle receives
// the resulting open_session push.
func TestConnectRunnerOverWebSocketSucceedsWhenPaired(t *testing.T) {
	srv, eng := newTestServer(t)

	reg, err := eng.RegisterRunner(t.Context(), "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	runnerHandle := &fakeRunnerHandle{}
	eng.AttachRunnerStream(t.Context(), "runner-1", runnerHandle)

	conn := dialWS(t, srv, mintAppToken(t, "app-1"))

	pairEnv, err := wire.NewEnvelope(wire.TypeAppPair, wire.PairRequest{PairingCode: reg.Code})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(pairEnv); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var pairReply wire.Envelope
	if err := conn.ReadJSON(&pairReply); err != nil {
		t.Fatal(err)
	}
	if pairReply.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected app:pair:success, got %s: %s", pairReply.Type, pairReply.Payload)
	}

	connectEnv, err := wire.NewEnvelope(wire.TypeConnectRunner, wire.ConnectRunnerRequest{RunnerID: "runner-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(connectEnv); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var connectReply wire.Envelope
	if err := conn.ReadJSON(&connectReply); err != nil {
		t.Fatal(err)
	}
	if connectReply.Type != wire.TypeConnectRunnerAck {
		t.Fatalf("expected connect_runner:ack, got %s: %s", connectReply.Type, connectReply.Payload)
	}

	deadline := time.Now().Add(time.Second)
	for len(runnerHandle.events()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(runnerHandle.events()) != 1 {
		t.Fatalf("expected the runner to receive exactly one open_session push, got %d", len(runnerHandle.events()))
	}
}

type fakeRunnerHandle struct {
	mu  sync.Mutex
	got []any
}

func (f *fakeRunnerHandle) Send(event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, event)
	return nil
}

func (f *fakeRunnerHandle) events() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

type noopHandle struct{}

func (noopHandle) Send(event any) error { return nil }
