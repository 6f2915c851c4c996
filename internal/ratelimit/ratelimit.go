// Package ratelimit implements the Broker's per-App sliding-window
// failure counter and temporary ban (C4).
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/store"
)

const (
	window    = 60 * time.Second
	threshold = 5
	banTTL    = 300 * time.Second
)

// Limiter is the Broker-side rate limiter. Shared across every App
// connection; all counters live in the shared store so bans survive
// Broker restarts and apply across every Broker instance.
type Limiter struct {
	store  *store.Store
	logger *zap.Logger
}

func New(s *store.Store, logger *zap.Logger) *Limiter {
	return &Limiter{store: s, logger: logger.Named("ratelimit")}
}

func windowKey(appID string) string { return "ratelimit:window:" + appID }
func banKey(appID string) string    { return "ratelimit:ban:" + appID }

// RecordFailure inserts a (timestamp, random-suffix) member into the
// App's sliding window, trims entries outside the window, and trips a
// ban once the window's cardinality reaches the threshold. The random
// suffix guarantees distinct set members even when multiple failures
// land within the same millisecond.
func (l *Limiter) RecordFailure(ctx context.Context, appID string) error {
	now := time.Now()
	tag, err := uniqueTag(now)
	if err != nil {
		return err
	}

	count, err := l.store.ZAddUnique(ctx, windowKey(appID), float64(now.UnixMilli()), tag, float64(now.Add(-window).UnixMilli()), window)
	if err != nil {
		return err
	}

	if count >= threshold {
		if err := l.store.Set(ctx, banKey(appID), fmt.Sprintf("%d", now.Add(banTTL).UnixMilli()), banTTL); err != nil {
			return err
		}
		l.logger.Info("app banned after repeated pairing failures", zap.String("app_id", appID))
	}
	return nil
}

// IsBanned reports whether the App is currently serving a ban.
func (l *Limiter) IsBanned(ctx context.Context, appID string) (bool, error) {
	val, err := l.store.Get(ctx, banKey(appID))
	if err != nil {
		return false, err
	}
	return val != "", nil
}

// RemainingBanSeconds returns the non-negative number of seconds left on
// an active ban, or 0 if none is active.
func (l *Limiter) RemainingBanSeconds(ctx context.Context, appID string) (int64, error) {
	val, err := l.store.Get(ctx, banKey(appID))
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}

	var untilMs int64
	if _, err := fmt.Sscanf(val, "%d", &untilMs); err != nil {
		return 0, nil
	}

	remaining := time.Until(time.UnixMilli(untilMs))
	if remaining <= 0 {
		return 0, nil
	}
	return int64(remaining.Seconds()) + 1, nil
}

// Reset removes the sliding-window set on a successful pair. It
// deliberately does not clear an active ban: a ban is a separate
// commitment that must run its full course.
func (l *Limiter) Reset(ctx context.Context, appID string) error {
	return l.store.Del(ctx, windowKey(appID))
}

func uniqueTag(now time.Time) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("ratelimit: read random suffix: %w", err)
	}
	return fmt.Sprintf("%d:%s", now.UnixMilli(), hex.EncodeToString(suffix)), nil
}
