// Package registry implements the Broker's in-process connection
// registry (C1): two bidirectional identity<->handle maps for Runners
// and Apps. The registry owns no persistent state; every other component
// addresses peers by identity and looks the current handle up here on
// every send, never by capturing a handle directly, so reconnection and
// session takeover are transparent to the rest of the system.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Handle is the currently-attached bidirectional message channel for one
// identity. Transports implement this so the registry never depends on
// gRPC or WebSocket specifics.
type Handle interface {
	// Send delivers an event to the peer. Implementations must not block
	// indefinitely; a slow or departed peer should drop the message
	// rather than stall the caller.
	Send(event any) error
}

// Registry is safe for concurrent use. A single instance is shared by
// every connection handler in the Broker process.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Handle
	apps    map[string]Handle
	// byHandle lets Detach resolve which identity a closing transport
	// belonged to without the caller tracking that separately.
	byHandle map[Handle]identity
	logger   *zap.Logger
}

type identity struct {
	kind string // "runner" or "app"
	id   string
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		runners:  make(map[string]Handle),
		apps:     make(map[string]Handle),
		byHandle: make(map[Handle]identity),
		logger:   logger.Named("registry"),
	}
}

// AttachRunner supersedes any prior handle for runnerID. The prior
// handle, if any, is considered stale from this point on.
func (r *Registry) AttachRunner(runnerID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.runners[runnerID]; ok {
		delete(r.byHandle, old)
	}
	r.runners[runnerID] = h
	r.byHandle[h] = identity{kind: "runner", id: runnerID}
}

// AttachApp supersedes any prior handle for appID. Other components
// never capture this handle directly; they re-resolve it through
// AppHandle on every send, so a reattachment here is instantly visible
// everywhere (session takeover).
func (r *Registry) AttachApp(appID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.apps[appID]; ok {
		delete(r.byHandle, old)
	}
	r.apps[appID] = h
	r.byHandle[h] = identity{kind: "app", id: appID}
}

// RunnerHandle returns the runner's current handle, if attached.
func (r *Registry) RunnerHandle(runnerID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runners[runnerID]
	return h, ok
}

// AppHandle returns the App's current handle, if attached.
func (r *Registry) AppHandle(appID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.apps[appID]
	return h, ok
}

// IdentityOf returns the identity currently attached to handle h, and
// whether it was a runner or an app.
func (r *Registry) IdentityOf(h Handle) (kind, id string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident, ok := r.byHandle[h]
	return ident.kind, ident.id, ok
}

// Detach removes the mapping for a disconnecting handle and returns the
// identity it was attached to, if any. It is a no-op (detach of a
// superseded, already-removed handle) when the handle is no longer
// current — that is by design: reattachment already cleaned up byHandle.
func (r *Registry) Detach(h Handle) (kind, id string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, found := r.byHandle[h]
	if !found {
		return "", "", false
	}
	delete(r.byHandle, h)

	switch ident.kind {
	case "runner":
		if r.runners[ident.id] == h {
			delete(r.runners, ident.id)
		}
	case "app":
		if r.apps[ident.id] == h {
			delete(r.apps, ident.id)
		}
	}
	return ident.kind, ident.id, true
}

// SendToApp delivers an event to appID's current handle. A send to a
// detached identity is a silent drop: the caller relies on the recipient
// reconnecting and re-querying state.
func (r *Registry) SendToApp(appID string, event any) {
	h, ok := r.AppHandle(appID)
	if !ok {
		return
	}
	if err := h.Send(event); err != nil {
		r.logger.Debug("dropped send to app", zap.String("app_id", appID), zap.Error(err))
	}
}

// SendToRunner delivers an event to runnerID's current handle. Same
// silent-drop semantics as SendToApp.
func (r *Registry) SendToRunner(runnerID string, event any) {
	h, ok := r.RunnerHandle(runnerID)
	if !ok {
		return
	}
	if err := h.Send(event); err != nil {
		r.logger.Debug("dropped send to runner", zap.String("runner_id", runnerID), zap.Error(err))
	}
}
