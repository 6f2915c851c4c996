// Package sessions implements the Broker's pairing session store (C3):
// App<->Runner bindings, fan-out sets, and the isPairedWith security
// gate consumed by the terminal bridge.
package sessions

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/store"
)

// Binding is a PairingBinding record.
type Binding struct {
	RunnerID string
	PairedAt time.Time
}

// Store is the Broker-side pairing session store.
type Store struct {
	store  *store.Store
	logger *zap.Logger
}

func New(s *store.Store, logger *zap.Logger) *Store {
	return &Store{store: s, logger: logger.Named("sessions")}
}

func bindingKey(appID string) string  { return "binding:" + appID }
func fanoutKey(runnerID string) string { return "fanout:" + runnerID }

// Create writes the binding and adds appID to the runner's fan-out set.
func (s *Store) Create(ctx context.Context, appID, runnerID string) error {
	now := time.Now()
	if err := s.store.HSet(ctx, bindingKey(appID), map[string]any{
		"runnerId": runnerID,
		"pairedAt": now.UnixMilli(),
	}); err != nil {
		return err
	}
	return s.store.SAdd(ctx, fanoutKey(runnerID), appID)
}

// Get reads an App's current binding. Returns (nil, nil) when unpaired.
func (s *Store) Get(ctx context.Context, appID string) (*Binding, error) {
	fields, err := s.store.HGetAll(ctx, bindingKey(appID))
	if err != nil {
		return nil, err
	}
	runnerID, ok := fields["runnerId"]
	if !ok || runnerID == "" {
		return nil, nil
	}

	var pairedMs int64
	fmt.Sscanf(fields["pairedAt"], "%d", &pairedMs)

	return &Binding{RunnerID: runnerID, PairedAt: time.UnixMilli(pairedMs)}, nil
}

// Remove deletes the binding and removes appID from its runner's fan-out
// set. Idempotent.
func (s *Store) Remove(ctx context.Context, appID string) error {
	binding, err := s.Get(ctx, appID)
	if err != nil {
		return err
	}
	if err := s.store.Del(ctx, bindingKey(appID)); err != nil {
		return err
	}
	if binding != nil {
		if err := s.store.SRem(ctx, fanoutKey(binding.RunnerID), appID); err != nil {
			return err
		}
	}
	return nil
}

// AppsOf returns every App currently bound to runnerID.
func (s *Store) AppsOf(ctx context.Context, runnerID string) ([]string, error) {
	return s.store.SMembers(ctx, fanoutKey(runnerID))
}

// RemoveAllFor atomically reads and clears runnerID's fan-out set, then
// deletes each listed App's binding one by one (a failed binding delete
// is logged, not returned), and returns the set of App identities that
// were removed, so the protocol engine can notify each one.
func (s *Store) RemoveAllFor(ctx context.Context, runnerID string) ([]string, error) {
	apps, err := s.store.SMembersDel(ctx, fanoutKey(runnerID))
	if err != nil {
		return nil, err
	}
	for _, appID := range apps {
		if err := s.store.Del(ctx, bindingKey(appID)); err != nil {
			s.logger.Warn("failed to remove binding during fan-out teardown",
				zap.String("app_id", appID), zap.Error(err))
		}
	}
	return apps, nil
}

// IsPairedWith is the security gate consumed by the terminal bridge: it
// must be evaluated live on every connect_runner request, never cached on
// a socket.
func (s *Store) IsPairedWith(ctx context.Context, appID, runnerID string) (bool, error) {
	binding, err := s.Get(ctx, appID)
	if err != nil {
		return false, err
	}
	return binding != nil && binding.RunnerID == runnerID, nil
}
