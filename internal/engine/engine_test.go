package engine

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/pairwire/broker/internal/codes"
	"github.com/pairwire/broker/internal/history"
	"github.com/pairwire/broker/internal/liveness"
	"github.com/pairwire/broker/internal/metrics"
	"github.com/pairwire/broker/internal/ratelimit"
	"github.com/pairwire/broker/internal/registry"
	"github.com/pairwire/broker/internal/sessions"
	"github.com/pairwire/broker/internal/storetest"
	"github.com/pairwire/broker/internal/wire"
)

type fakeHandle struct {
	events []wire.Envelope
}

func (f *fakeHandle) Send(event any) error {
	env, _ := event.(wire.Envelope)
	f.events = append(f.events, env)
	return nil
}

func newEngine(t *testing.T) *Engine {
	s := storetest.New(t)
	logger := zaptest.NewLogger(t)
	return New(Deps{
		Registry: registry.New(logger),
		Codes:    codes.New(s, logger),
		Sessions: sessions.New(s, logger),
		Limiter:  ratelimit.New(s, logger),
		Liveness: liveness.New(s, logger),
		History:  history.New(s, logger),
		Metrics:  metrics.New(),
		Logger:   logger,
	})
}

func payloadType[T any](t *testing.T, env wire.Envelope) T {
	t.Helper()
	var v T
	if len(env.Payload) == 0 {
		return v
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("unmarshal payload for %s: %v", env.Type, err)
	}
	return v
}

// TestHappyPairing is S1: a Runner registers, goes live, and an App pairs
// successfully using the issued code.
func TestHappyPairing(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	reg, err := e.RegisterRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	h := &fakeHandle{}
	e.AttachRunnerStream(ctx, "runner-1", h)

	env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: reg.Code})
	if env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected pair success, got %s: %s", env.Type, env.Payload)
	}
	success := payloadType[wire.PairSuccess](t, env)
	if success.RunnerID != "runner-1" {
		t.Fatalf("expected runner-1 bound, got %q", success.RunnerID)
	}

	paired, err := e.sessions.IsPairedWith(ctx, "app-1", "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if !paired {
		t.Fatal("expected app-1 paired with runner-1 after success")
	}
}

// TestBadFormatRejected is S2.
func TestBadFormatRejected(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: "not-a-code"})
	if env.Type != wire.TypeAppPairError {
		t.Fatalf("expected pair error, got %s", env.Type)
	}
	errPayload := payloadType[wire.ErrorPayload](t, env)
	if errPayload.Code != wire.ErrInvalidFormat {
		t.Fatalf("expected INVALID_FORMAT, got %s", errPayload.Code)
	}
}

// TestBruteForceTripsRateLimit is S3 / P7: repeated failed attempts from
// the same App eventually yield RATE_LIMITED instead of the underlying
// per-attempt error.
func TestBruteForceTripsRateLimit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var last wire.Envelope
	for i := 0; i < 6; i++ {
		last = e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: "AAA-AAA-AAA"})
	}
	if last.Type != wire.TypeAppPairError {
		t.Fatalf("expected final attempt to be an error, got %s", last.Type)
	}
	errPayload := payloadType[wire.ErrorPayload](t, last)
	if errPayload.Code != wire.ErrRateLimited {
		t.Fatalf("expected RATE_LIMITED after repeated failures, got %s", errPayload.Code)
	}
	if errPayload.RemainingBanSeconds == nil || *errPayload.RemainingBanSeconds <= 0 {
		t.Fatal("expected a positive remaining ban duration")
	}
}

// TestUsedCodePersistsAndCanPairAgain is S4/P3: a used code never expires,
// and remains usable by other Apps until explicitly invalidated.
func TestUsedCodePersistsAndCanPairAgain(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	reg, err := e.RegisterRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	e.AttachRunnerStream(ctx, "runner-1", &fakeHandle{})

	env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: reg.Code})
	if env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected first pair to succeed, got %s", env.Type)
	}

	env = e.HandlePair(ctx, "app-2", wire.PairRequest{PairingCode: reg.Code})
	if env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected second app to also pair with the still-valid code, got %s: %s", env.Type, env.Payload)
	}
}

// TestRunnerDisconnectTearsDownBindingsAndNotifies is S5/P5: a Runner
// disconnect invalidates its code, purges every bound App, and pushes
// runner:offline to each of them.
func TestRunnerDisconnectTearsDownBindingsAndNotifies(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	reg, err := e.RegisterRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	e.AttachRunnerStream(ctx, "runner-1", &fakeHandle{})

	if env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: reg.Code}); env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected pair success, got %s", env.Type)
	}

	appHandle := &fakeHandle{}
	e.registry.AttachApp("app-1", appHandle)

	e.HandleRunnerDisconnect(ctx, "runner-1")

	if len(appHandle.events) != 1 || appHandle.events[0].Type != wire.TypeRunnerOffline {
		t.Fatalf("expected a single runner:offline push, got %+v", appHandle.events)
	}

	paired, err := e.sessions.IsPairedWith(ctx, "app-1", "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Fatal("expected binding removed after runner disconnect")
	}

	online, err := e.liveness.IsOnline(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if online {
		t.Fatal("expected runner offline after disconnect")
	}

	result, _, err := e.codes.Validate(ctx, reg.Code)
	if err != nil {
		t.Fatal(err)
	}
	if result != codes.ValidateNotFound {
		t.Fatal("expected the runner's code invalidated on disconnect")
	}
}

// TestConnectRunnerSecurityGate is S6: the bridge gate rejects an
// unauthenticated caller and a caller not paired with the requested
// Runner, and allows the call only once both conditions hold.
func TestConnectRunnerSecurityGate(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	decision := e.HandleConnectRunner(ctx, "", false, wire.ConnectRunnerRequest{RunnerID: "runner-1"})
	if decision.Allowed {
		t.Fatal("expected unauthenticated caller rejected")
	}
	errPayload := payloadType[wire.ErrorPayload](t, decision.Reply)
	if errPayload.Code != wire.ErrNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED, got %s", errPayload.Code)
	}

	decision = e.HandleConnectRunner(ctx, "app-1", true, wire.ConnectRunnerRequest{RunnerID: "runner-1"})
	if decision.Allowed {
		t.Fatal("expected unpaired caller rejected")
	}
	errPayload = payloadType[wire.ErrorPayload](t, decision.Reply)
	if errPayload.Code != wire.ErrNotPaired {
		t.Fatalf("expected NOT_PAIRED, got %s", errPayload.Code)
	}

	reg, err := e.RegisterRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	e.AttachRunnerStream(ctx, "runner-1", &fakeHandle{})
	if env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: reg.Code}); env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected pair success, got %s", env.Type)
	}

	decision = e.HandleConnectRunner(ctx, "app-1", true, wire.ConnectRunnerRequest{RunnerID: "runner-1", SessionID: "sess-1"})
	if !decision.Allowed {
		t.Fatalf("expected the paired, authenticated caller allowed, got %s", decision.Reply.Type)
	}
	ack := payloadType[wire.ConnectRunnerAck](t, decision.Reply)
	if ack.RunnerID != "runner-1" || ack.SessionID != "sess-1" {
		t.Fatalf("unexpected ack payload: %+v", ack)
	}
}

// TestReconnectNotifiesBoundApps: a Runner that reattaches a new stream
// handle while Apps are still bound to it notifies those Apps with
// runner:online, and the newest handle supersedes the old one.
func TestReconnectNotifiesBoundApps(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	reg, err := e.RegisterRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	e.AttachRunnerStream(ctx, "runner-1", &fakeHandle{})
	if env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: reg.Code}); env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected pair success, got %s", env.Type)
	}

	appHandle := &fakeHandle{}
	e.registry.AttachApp("app-1", appHandle)

	// Runner reconnects without an intervening disconnect/teardown; the
	// existing binding survives and the App must be told it's back.
	second := &fakeHandle{}
	e.AttachRunnerStream(ctx, "runner-1", second)

	if len(appHandle.events) != 1 || appHandle.events[0].Type != wire.TypeRunnerOnline {
		t.Fatalf("expected a single runner:online push on reattach, got %+v", appHandle.events)
	}

	h, ok := e.registry.RunnerHandle("runner-1")
	if !ok || h != second {
		t.Fatal("expected the latest handle to be current for runner-1")
	}
}

func TestHandleUnpairClearsBindingButNotCode(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	reg, err := e.RegisterRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	e.AttachRunnerStream(ctx, "runner-1", &fakeHandle{})
	if env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: reg.Code}); env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected pair success, got %s", env.Type)
	}

	env := e.HandleUnpair(ctx, "app-1")
	if env.Type != wire.TypeAppUnpairSuccess {
		t.Fatalf("expected unpair success, got %s", env.Type)
	}
	success := payloadType[wire.UnpairSuccess](t, env)
	if success.RunnerID != "runner-1" {
		t.Fatalf("expected unpair to report runner-1, got %q", success.RunnerID)
	}

	paired, err := e.sessions.IsPairedWith(ctx, "app-1", "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	if paired {
		t.Fatal("expected binding cleared after unpair")
	}

	result, _, err := e.codes.Validate(ctx, reg.Code)
	if err != nil {
		t.Fatal(err)
	}
	if result != codes.ValidateOK {
		t.Fatal("expected the runner's code to remain valid after an app unpairs")
	}
}

func TestHandleStatusReportsRunnerLiveness(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	env := e.HandleStatus(ctx, "app-1")
	status := payloadType[wire.PairingStatusResponse](t, env)
	if status.Paired {
		t.Fatal("expected not paired before any pairing")
	}

	reg, err := e.RegisterRunner(ctx, "runner-1")
	if err != nil {
		t.Fatal(err)
	}
	e.AttachRunnerStream(ctx, "runner-1", &fakeHandle{})
	if env := e.HandlePair(ctx, "app-1", wire.PairRequest{PairingCode: reg.Code}); env.Type != wire.TypeAppPairSuccess {
		t.Fatalf("expected pair success, got %s", env.Type)
	}

	env = e.HandleStatus(ctx, "app-1")
	status = payloadType[wire.PairingStatusResponse](t, env)
	if !status.Paired || status.RunnerID != "runner-1" || !status.RunnerOnline {
		t.Fatalf("expected paired+online status, got %+v", status)
	}
}
