// Package engine implements the Broker's pairing protocol engine (C6):
// the orchestrator of C1-C5 and C7 that speaks the wire protocol and
// enforces the terminal-bridge security invariant.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/codes"
	"github.com/pairwire/broker/internal/history"
	"github.com/pairwire/broker/internal/liveness"
	"github.com/pairwire/broker/internal/metrics"
	"github.com/pairwire/broker/internal/ratelimit"
	"github.com/pairwire/broker/internal/registry"
	"github.com/pairwire/broker/internal/sessions"
	"github.com/pairwire/broker/internal/wire"
)

var codeFormat = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[A-Z0-9]{3}$`)

// Engine is the Broker's protocol orchestrator. One instance is shared
// by every connection handler, Runner and App alike.
type Engine struct {
	registry *registry.Registry
	codes    *codes.Allocator
	sessions *sessions.Store
	limiter  *ratelimit.Limiter
	liveness *liveness.Tracker
	history  *history.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Deps bundles the Engine's collaborators.
type Deps struct {
	Registry *registry.Registry
	Codes    *codes.Allocator
	Sessions *sessions.Store
	Limiter  *ratelimit.Limiter
	Liveness *liveness.Tracker
	History  *history.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func New(d Deps) *Engine {
	return &Engine{
		registry: d.Registry,
		codes:    d.Codes,
		sessions: d.Sessions,
		limiter:  d.Limiter,
		liveness: d.Liveness,
		history:  d.History,
		metrics:  d.Metrics,
		logger:   d.Logger.Named("engine"),
	}
}

// recordFailure bumps the rate-limit window and appends a history entry.
// Both are best-effort: a store fault here must never change the error
// already decided for the client.
func (e *Engine) recordFailure(ctx context.Context, appID, code string, kind wire.ErrorKind) {
	if err := e.limiter.RecordFailure(ctx, appID); err != nil {
		e.logger.Warn("rate limiter record failure", zap.Error(err))
	}
	e.history.Record(ctx, history.Entry{AppID: appID, CodeAttempted: code, Success: false, ErrorKind: string(kind)})
	e.metrics.PairingAttempt(string(kind))
}

func errorEnvelope(kind wire.ErrorKind, message string, remaining *int64) wire.Envelope {
	env, err := wire.NewEnvelope(wire.TypeAppPairError, wire.ErrorPayload{
		Code: kind, Message: message, RemainingBanSeconds: remaining,
	})
	if err != nil {
		// Encoding a fixed struct cannot fail; this exists only to
		// satisfy the NewEnvelope signature uniformly.
		return wire.Envelope{Type: wire.TypeAppPairError}
	}
	return env
}

// HandlePair implements the app:pair algorithm. Steps 1-4 are read-mostly
// checks; step 5 is the commit. A concurrent Runner disconnect between
// step 4 and step 5 may leave a binding to an offline Runner; this is
// tolerable because the terminal-bridge gate re-checks isPairedWith live,
// and the App observes the Runner's state through later status queries
// or a runner:offline push.
func (e *Engine) HandlePair(ctx context.Context, appID string, req wire.PairRequest) wire.Envelope {
	banned, err := e.limiter.IsBanned(ctx, appID)
	if err != nil {
		e.logger.Warn("rate limiter ban check failed", zap.Error(err))
		return errorEnvelope(wire.ErrNetworkError, "rate limiter unavailable", nil)
	}
	if banned {
		remaining, err := e.limiter.RemainingBanSeconds(ctx, appID)
		if err != nil {
			remaining = 0
		}
		e.history.Record(ctx, history.Entry{AppID: appID, CodeAttempted: req.PairingCode, Success: false, ErrorKind: string(wire.ErrRateLimited)})
		e.metrics.PairingAttempt(string(wire.ErrRateLimited))
		return errorEnvelope(wire.ErrRateLimited, "too many failed attempts", &remaining)
	}

	if !codeFormat.MatchString(req.PairingCode) {
		e.recordFailure(ctx, appID, req.PairingCode, wire.ErrInvalidFormat)
		return errorEnvelope(wire.ErrInvalidFormat, "pairing code must match XXX-XXX-XXX", nil)
	}

	result, runnerID, err := e.codes.Validate(ctx, req.PairingCode)
	if err != nil {
		e.logger.Warn("code validation failed", zap.Error(err))
		return errorEnvelope(wire.ErrNetworkError, "pairing store unavailable", nil)
	}
	switch result {
	case codes.ValidateNotFound:
		e.recordFailure(ctx, appID, req.PairingCode, wire.ErrCodeNotFound)
		return errorEnvelope(wire.ErrCodeNotFound, "no such pairing code", nil)
	case codes.ValidateExpired:
		e.recordFailure(ctx, appID, req.PairingCode, wire.ErrCodeExpired)
		return errorEnvelope(wire.ErrCodeExpired, "pairing code has expired", nil)
	}

	online, err := e.liveness.IsOnline(ctx, runnerID)
	if err != nil {
		e.logger.Warn("liveness check failed", zap.Error(err))
		return errorEnvelope(wire.ErrNetworkError, "liveness tracker unavailable", nil)
	}
	if !online {
		e.recordFailure(ctx, appID, req.PairingCode, wire.ErrRunnerOffline)
		return errorEnvelope(wire.ErrRunnerOffline, "runner is not online", nil)
	}

	pairedAt := time.Now()
	if err := e.sessions.Create(ctx, appID, runnerID); err != nil {
		e.logger.Warn("binding creation failed", zap.Error(err))
		return errorEnvelope(wire.ErrNetworkError, "pairing store unavailable", nil)
	}
	if err := e.codes.MarkUsed(ctx, req.PairingCode); err != nil {
		e.logger.Warn("mark-used failed", zap.Error(err))
	}
	e.history.Record(ctx, history.Entry{AppID: appID, RunnerID: runnerID, CodeAttempted: req.PairingCode, Success: true})
	if err := e.limiter.Reset(ctx, appID); err != nil {
		e.logger.Warn("rate limiter reset failed", zap.Error(err))
	}
	e.metrics.PairingAttempt("success")

	env, err := wire.NewEnvelope(wire.TypeAppPairSuccess, wire.PairSuccess{RunnerID: runnerID, PairedAt: pairedAt.UnixMilli()})
	if err != nil {
		return errorEnvelope(wire.ErrNetworkError, "encoding failure", nil)
	}
	return env
}

// HandleUnpair implements app:unpair. The Runner's code remains valid;
// other Apps may remain paired with it.
func (e *Engine) HandleUnpair(ctx context.Context, appID string) wire.Envelope {
	binding, err := e.sessions.Get(ctx, appID)
	if err != nil {
		e.logger.Warn("unpair lookup failed", zap.Error(err))
		return mustEnvelope(wire.TypeAppUnpairError, wire.ErrorPayload{Code: wire.ErrNetworkError, Message: "pairing store unavailable"})
	}
	if err := e.sessions.Remove(ctx, appID); err != nil {
		e.logger.Warn("unpair failed", zap.Error(err))
		return mustEnvelope(wire.TypeAppUnpairError, wire.ErrorPayload{Code: wire.ErrNetworkError, Message: "pairing store unavailable"})
	}

	var runnerID string
	if binding != nil {
		runnerID = binding.RunnerID
	}
	return mustEnvelope(wire.TypeAppUnpairSuccess, wire.UnpairSuccess{RunnerID: runnerID})
}

// HandleStatus implements app:pairing:status.
func (e *Engine) HandleStatus(ctx context.Context, appID string) wire.Envelope {
	binding, err := e.sessions.Get(ctx, appID)
	if err != nil {
		e.logger.Warn("status lookup failed", zap.Error(err))
		return mustEnvelope(wire.TypeAppPairingStatusReply, wire.PairingStatusResponse{Paired: false})
	}
	if binding == nil {
		return mustEnvelope(wire.TypeAppPairingStatusReply, wire.PairingStatusResponse{Paired: false})
	}

	online, err := e.liveness.IsOnline(ctx, binding.RunnerID)
	if err != nil {
		online = false
	}
	return mustEnvelope(wire.TypeAppPairingStatusReply, wire.PairingStatusResponse{
		Paired:       true,
		RunnerID:     binding.RunnerID,
		RunnerOnline: online,
		PairedAt:     binding.PairedAt.UnixMilli(),
	})
}

// ConnectRunnerDecision is the outcome of the terminal-bridge security
// gate, reported to the transport layer so it can decide whether to
// proceed with opening the terminal bridge.
type ConnectRunnerDecision struct {
	Allowed bool
	Reply   wire.Envelope
}

// HandleConnectRunner implements the §4.6.6 security gate: the engine
// rejects the request unless the calling transport is attached to a
// known App identity and isPairedWith holds at this exact moment. The
// check is performed on every request, never cached.
func (e *Engine) HandleConnectRunner(ctx context.Context, appID string, authenticated bool, req wire.ConnectRunnerRequest) ConnectRunnerDecision {
	if !authenticated || appID == "" {
		e.metrics.BridgeRejection("not_authenticated")
		e.logger.Info("rejected connect_runner on unauthenticated transport")
		return ConnectRunnerDecision{Reply: mustEnvelope(wire.TypeConnectRunnerError, wire.ErrorPayload{Code: wire.ErrNotAuthenticated, Message: "authentication required"})}
	}

	paired, err := e.sessions.IsPairedWith(ctx, appID, req.RunnerID)
	if err != nil {
		e.logger.Warn("isPairedWith check failed", zap.Error(err))
		return ConnectRunnerDecision{Reply: mustEnvelope(wire.TypeConnectRunnerError, wire.ErrorPayload{Code: wire.ErrNetworkError, Message: "pairing store unavailable"})}
	}
	if !paired {
		e.metrics.BridgeRejection("not_paired")
		e.logger.Info("rejected connect_runner: not paired", zap.String("app_id", appID), zap.String("runner_id", req.RunnerID))
		return ConnectRunnerDecision{Reply: mustEnvelope(wire.TypeConnectRunnerError, wire.ErrorPayload{Code: wire.ErrNotPaired, Message: "not paired with this runner"})}
	}

	return ConnectRunnerDecision{
		Allowed: true,
		Reply:   mustEnvelope(wire.TypeConnectRunnerAck, wire.ConnectRunnerAck{RunnerID: req.RunnerID, SessionID: req.SessionID}),
	}
}

// RunnerRegistrationResult is returned to the Runner transport on a
// successful runner:register handshake.
type RunnerRegistrationResult struct {
	Code string
}

// RegisterRunner performs the Registering->Advertised transition: it
// allocates and registers a fresh pairing code for runnerID. Shared
// secret verification happens one layer up, in the transport's auth
// interceptor, before this is ever called.
//
// The runner:register wire message historically carried a pairingCode
// field supplied by the Runner itself, alongside text describing the
// Runner regenerating and retrying on DUPLICATE_CODE. Code generation
// and uniqueness enforcement are owned exclusively by the allocator
// (C2), so that field is accepted but ignored here; retry-on-collision
// happens broker-side inside RegisterWithRetry, transparent to the
// Runner.
func (e *Engine) RegisterRunner(ctx context.Context, runnerID string) (RunnerRegistrationResult, error) {
	code, err := e.codes.RegisterWithRetry(ctx, runnerID)
	if err != nil {
		if errors.Is(err, codes.ErrRegistrationExhausted) {
			return RunnerRegistrationResult{}, fmt.Errorf("%w", err)
		}
		return RunnerRegistrationResult{}, err
	}

	return RunnerRegistrationResult{Code: code}, nil
}

// AttachRunnerStream attaches the Runner's long-lived event handle to the
// connection registry, refreshes liveness so an immediately-following
// heartbeat is not required before isOnline becomes true, and notifies
// any Apps already bound to this Runner (from a prior connection) that
// it has come back.
func (e *Engine) AttachRunnerStream(ctx context.Context, runnerID string, h registry.Handle) {
	e.registry.AttachRunner(runnerID, h)
	if err := e.liveness.OnHeartbeat(ctx, runnerID); err != nil {
		e.logger.Warn("initial liveness write failed", zap.Error(err))
	}
	e.metrics.RunnerRegistered()

	for _, appID := range e.mustFanoutApps(ctx, runnerID) {
		e.registry.SendToApp(appID, mustEnvelope(wire.TypeRunnerOnline, wire.RunnerPresenceEvent{RunnerID: runnerID}))
	}
}

func (e *Engine) mustFanoutApps(ctx context.Context, runnerID string) []string {
	apps, err := e.sessions.AppsOf(ctx, runnerID)
	if err != nil {
		e.logger.Warn("fan-out lookup failed on register", zap.Error(err))
		return nil
	}
	return apps
}

// HandleHeartbeat implements runner:heartbeat.
func (e *Engine) HandleHeartbeat(ctx context.Context, runnerID string) error {
	return e.liveness.OnHeartbeat(ctx, runnerID)
}

// HandleRunnerDisconnect implements the Advertised->Disconnected
// transition: it invalidates the runner's code, tears down every
// binding pointing at it, and notifies the affected Apps.
func (e *Engine) HandleRunnerDisconnect(ctx context.Context, runnerID string) {
	code, err := e.codes.CodeOf(ctx, runnerID)
	if err != nil {
		e.logger.Warn("codeOf lookup failed on disconnect", zap.Error(err))
	} else if code != "" {
		if err := e.codes.Invalidate(ctx, code, runnerID); err != nil {
			e.logger.Warn("invalidate failed on disconnect", zap.Error(err))
		}
	}

	apps, err := e.sessions.RemoveAllFor(ctx, runnerID)
	if err != nil {
		e.logger.Warn("fan-out teardown failed on disconnect", zap.Error(err))
	}
	for _, appID := range apps {
		e.registry.SendToApp(appID, mustEnvelope(wire.TypeRunnerOffline, wire.RunnerPresenceEvent{RunnerID: runnerID}))
	}

	if err := e.liveness.Clear(ctx, runnerID); err != nil {
		e.logger.Warn("liveness clear failed on disconnect", zap.Error(err))
	}
	e.metrics.RunnerDeregistered()
}

// HandleAppDisconnect implements §4.6.4: the binding is preserved; only
// the C1 handle mapping is removed by the caller via registry.Detach.
// This method exists for symmetry and future extension but currently
// performs no store mutation.
func (e *Engine) HandleAppDisconnect(ctx context.Context, appID string) {
	e.logger.Debug("app transport detached, binding preserved", zap.String("app_id", appID))
}

func mustEnvelope(t wire.Type, payload any) wire.Envelope {
	env, err := wire.NewEnvelope(t, payload)
	if err != nil {
		return wire.Envelope{Type: t}
	}
	return env
}
