// Package reaper runs a periodic belt-and-suspenders sweep that
// reconciles pairing state the shared store's own TTLs cannot bound: a
// used code's TTL is cleared on the 0->1 markUsed transition (I3), so if
// the Broker instance holding a Runner's connection crashes before its
// own runner:disconnect handler runs, that code and every binding
// pointing at it would otherwise persist forever. The sweep walks every
// Runner identity with a registered code and tears down any whose
// liveness has lapsed, mirroring engine.HandleRunnerDisconnect.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/codes"
	"github.com/pairwire/broker/internal/liveness"
	"github.com/pairwire/broker/internal/registry"
	"github.com/pairwire/broker/internal/sessions"
	"github.com/pairwire/broker/internal/wire"
)

const sweepInterval = 10 * time.Minute

// Reaper wraps a gocron scheduler running a single recurring sweep job.
type Reaper struct {
	cron     gocron.Scheduler
	codes    *codes.Allocator
	sessions *sessions.Store
	liveness *liveness.Tracker
	registry *registry.Registry
	logger   *zap.Logger
}

// New constructs a Reaper. The caller must call Start to begin the sweep
// and Stop on shutdown.
func New(alloc *codes.Allocator, sess *sessions.Store, live *liveness.Tracker, reg *registry.Registry, logger *zap.Logger) (*Reaper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: create scheduler: %w", err)
	}

	r := &Reaper{
		cron:     s,
		codes:    alloc,
		sessions: sess,
		liveness: live,
		registry: reg,
		logger:   logger.Named("reaper"),
	}

	_, err = s.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(r.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("reaper: schedule sweep job: %w", err)
	}

	return r, nil
}

// Start begins running the scheduled sweep.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop drains the scheduler, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() error {
	return r.cron.Shutdown()
}

// sweep enumerates every Runner identity with a currently registered
// code and, for each one the liveness tracker reports offline, performs
// the same teardown as a clean disconnect: invalidate the code, remove
// every binding pointing at the runner, and push runner:offline to any
// affected App that happens to be attached to this Broker instance.
func (r *Reaper) sweep(ctx context.Context) {
	runnerIDs, err := r.codes.RunnersWithCodes(ctx)
	if err != nil {
		r.logger.Warn("reaper: runner code scan failed", zap.Error(err))
		return
	}

	var reaped int
	for _, runnerID := range runnerIDs {
		online, err := r.liveness.IsOnline(ctx, runnerID)
		if err != nil {
			r.logger.Warn("reaper: liveness check failed", zap.String("runner_id", runnerID), zap.Error(err))
			continue
		}
		if online {
			continue
		}

		code, err := r.codes.CodeOf(ctx, runnerID)
		if err != nil {
			r.logger.Warn("reaper: codeOf lookup failed", zap.String("runner_id", runnerID), zap.Error(err))
			continue
		}
		if code != "" {
			if err := r.codes.Invalidate(ctx, code, runnerID); err != nil {
				r.logger.Warn("reaper: invalidate failed", zap.String("runner_id", runnerID), zap.Error(err))
			}
		}

		apps, err := r.sessions.RemoveAllFor(ctx, runnerID)
		if err != nil {
			r.logger.Warn("reaper: fan-out teardown failed", zap.String("runner_id", runnerID), zap.Error(err))
			continue
		}
		for _, appID := range apps {
			r.registry.SendToApp(appID, mustEnvelope(wire.TypeRunnerOffline, wire.RunnerPresenceEvent{RunnerID: runnerID}))
		}

		reaped++
		r.logger.Info("reaper: reconciled abandoned runner",
			zap.String("runner_id", runnerID), zap.Int("apps_notified", len(apps)))
	}

	if reaped > 0 {
		r.logger.Info("reaper sweep complete", zap.Int("runners_reaped", reaped))
	} else {
		r.logger.Debug("reaper sweep found nothing to reconcile")
	}
}

func mustEnvelope(t wire.Type, payload any) wire.Envelope {
	env, err := wire.NewEnvelope(t, payload)
	if err != nil {
		return wire.Envelope{Type: t}
	}
	return env
}
