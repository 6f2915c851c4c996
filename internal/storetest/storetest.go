// Package storetest provides an in-process shared-store fixture for
// tests across every package that depends on internal/store, so
// property and scenario tests (spec.md §8) run without a live Redis
// deployment.
package storetest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/pairwire/broker/internal/store"
)

// New starts a miniredis instance for the duration of the test and
// returns a *store.Store dialed against it.
func New(t *testing.T) *store.Store {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := store.New(context.Background(), store.Config{Addr: mr.Addr()}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("storetest: dial miniredis: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}
