// Package codes implements the Broker's pairing-code allocator (C2): code
// generation, atomic registration, validation, aging, and invalidation.
// Uniqueness is never enforced client-side; every registration attempt is
// a single atomic conditional-set against the shared store so concurrent
// Broker instances can race safely.
package codes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/store"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	codeLength     = 9
	groupSize      = 3
	maxRegisterTry = 3

	unusedTTL = 24 * time.Hour
)

// ErrRegistrationExhausted is returned when three consecutive generated
// candidates all collide with an already-registered code. On the wire
// this surfaces to the Runner as DUPLICATE_CODE.
var ErrRegistrationExhausted = errors.New("codes: registration exhausted after retries")

// Validation outcomes for validate().
type ValidateResult int

const (
	ValidateOK ValidateResult = iota
	ValidateNotFound
	ValidateExpired
)

// Allocator is the Broker-side code allocator. A single instance is
// shared by every connection handler; all state lives in the shared
// store.
type Allocator struct {
	store  *store.Store
	logger *zap.Logger
}

func New(s *store.Store, logger *zap.Logger) *Allocator {
	return &Allocator{store: s, logger: logger.Named("codes")}
}

func codeKey(code string) string {
	return "code:" + canonical(code)
}

const reverseIndexPrefix = "runner:code:"

func reverseIndexKey(runnerID string) string {
	return reverseIndexPrefix + runnerID
}

// canonical strips display hyphens so the store key is independent of
// formatting; Generate always returns the grouped form, but callers that
// accept codes off the wire may pass either shape through here.
func canonical(code string) string {
	return strings.ReplaceAll(code, "-", "")
}

// Generate draws codeLength characters from the 36-symbol alphabet using
// a cryptographic RNG and returns them grouped as XXX-XXX-XXX. Each
// character is chosen by modular reduction over a random byte; the bias
// this introduces (256 is not a multiple of 36) is accepted as
// negligible for this use, matching the allocator's documented contract.
func Generate() (string, error) {
	raw := make([]byte, codeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("codes: read random bytes: %w", err)
	}

	var b strings.Builder
	b.Grow(codeLength + 2)
	for i, c := range raw {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(alphabet[int(c)%len(alphabet)])
	}
	return b.String(), nil
}

// Register performs the atomic conditional-set registration step. It
// returns false (no error) when the candidate collided with an existing
// entry so the caller can retry with a new candidate.
func (a *Allocator) Register(ctx context.Context, code, runnerID string) (bool, error) {
	now := time.Now()
	ok, err := a.store.SetCodeEntryIfAbsent(ctx, codeKey(code), reverseIndexKey(runnerID), runnerID, now, now.Add(unusedTTL), unusedTTL)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// RegisterWithRetry generates and registers a fresh code for runnerID up
// to three times, returning the first one that does not collide.
func (a *Allocator) RegisterWithRetry(ctx context.Context, runnerID string) (string, error) {
	for attempt := 0; attempt < maxRegisterTry; attempt++ {
		code, err := Generate()
		if err != nil {
			return "", err
		}

		ok, err := a.Register(ctx, code, runnerID)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}

		a.logger.Warn("pairing code collision, retrying",
			zap.String("runner_id", runnerID), zap.Int("attempt", attempt+1))
	}
	return "", ErrRegistrationExhausted
}

// Validate reads the code entry. A code with usedCount > 0 is never
// declared expired: only unused codes age out. As a side effect, an
// expired code's entry and reverse index are opportunistically removed;
// this is safe because two concurrent Validate calls on the same expired
// code both observe "expired" and both deletions are no-ops past the
// first.
func (a *Allocator) Validate(ctx context.Context, code string) (ValidateResult, string, error) {
	entry, err := a.store.GetCodeEntry(ctx, codeKey(code))
	if err != nil {
		return ValidateNotFound, "", err
	}
	if entry == nil || !entry.IsActive {
		return ValidateNotFound, "", nil
	}

	if entry.UsedCount == 0 && time.Now().After(entry.ExpiresAt) {
		if err := a.store.DeleteCodeEntry(ctx, codeKey(code), reverseIndexKey(entry.RunnerID)); err != nil {
			a.logger.Warn("failed to sweep expired code", zap.Error(err))
		}
		return ValidateExpired, "", nil
	}

	return ValidateOK, entry.RunnerID, nil
}

// MarkUsed increments usedCount; on the 0->1 transition the entry's TTL
// is cleared so its lifetime is thereafter bound only to explicit
// invalidation.
func (a *Allocator) MarkUsed(ctx context.Context, code string) error {
	return a.store.MarkCodeUsed(ctx, codeKey(code))
}

// Invalidate removes the code entry and its reverse index. Idempotent.
func (a *Allocator) Invalidate(ctx context.Context, code, runnerID string) error {
	return a.store.DeleteCodeEntry(ctx, codeKey(code), reverseIndexKey(runnerID))
}

// CodeOf reads the code currently owned by runnerID, if any.
func (a *Allocator) CodeOf(ctx context.Context, runnerID string) (string, error) {
	return a.store.GetReverseIndex(ctx, reverseIndexKey(runnerID))
}

// RunnersWithCodes returns every Runner identity that currently owns a
// registered pairing code, live or stale. The reconciliation sweep uses
// this to find runners whose used (TTL-cleared) code would otherwise
// outlive a Broker crash that skipped the normal disconnect handler.
func (a *Allocator) RunnersWithCodes(ctx context.Context) ([]string, error) {
	keys, err := a.store.ScanKeys(ctx, reverseIndexPrefix+"*")
	if err != nil {
		return nil, err
	}
	runnerIDs := make([]string, 0, len(keys))
	for _, k := range keys {
		runnerIDs = append(runnerIDs, strings.TrimPrefix(k, reverseIndexPrefix))
	}
	return runnerIDs, nil
}

// Format renders a canonical 9-character code in its grouped wire form.
func Format(code string) string {
	c := canonical(code)
	if len(c) != codeLength {
		return c
	}
	return c[0:3] + "-" + c[3:6] + "-" + c[6:9]
}
