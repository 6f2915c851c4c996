// Package liveness maintains Runner online status via heartbeat TTL (C5).
package liveness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/store"
)

const (
	// ttl deliberately exceeds livenessWindow so isOnline can decide the
	// predicate from the stored timestamp rather than from key presence
	// alone; a Broker relying on presence alone would report "online"
	// for up to ttl after the last heartbeat.
	ttl            = 60 * time.Second
	livenessWindow = 30 * time.Second
)

// Tracker is the Broker-side liveness tracker.
type Tracker struct {
	store  *store.Store
	logger *zap.Logger
}

func New(s *store.Store, logger *zap.Logger) *Tracker {
	return &Tracker{store: s, logger: logger.Named("liveness")}
}

func key(runnerID string) string { return "liveness:" + runnerID }

// OnHeartbeat refreshes the runner's last-seen timestamp.
func (t *Tracker) OnHeartbeat(ctx context.Context, runnerID string) error {
	return t.store.Set(ctx, key(runnerID), fmt.Sprintf("%d", time.Now().UnixMilli()), ttl)
}

// IsOnline reports whether the runner has heartbeated within the
// liveness window.
func (t *Tracker) IsOnline(ctx context.Context, runnerID string) (bool, error) {
	val, err := t.store.Get(ctx, key(runnerID))
	if err != nil {
		return false, err
	}
	if val == "" {
		return false, nil
	}

	var lastSeenMs int64
	if _, err := fmt.Sscanf(val, "%d", &lastSeenMs); err != nil {
		return false, nil
	}

	return time.Since(time.UnixMilli(lastSeenMs)) < livenessWindow, nil
}

// Clear removes the runner's liveness record, used on explicit disconnect
// so a stale Broker restart cannot briefly report a departed Runner as
// online.
func (t *Tracker) Clear(ctx context.Context, runnerID string) error {
	return t.store.Del(ctx, key(runnerID))
}
