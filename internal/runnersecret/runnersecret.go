// Package runnersecret verifies the per-Runner shared secret presented
// during the runner:register handshake. Two sources are supported and
// checked in order: a small admin-managed relational table (rotatable at
// runtime without a Broker restart) and a static map passed to New. The
// broker binary passes no static map and reads no runner secrets from its
// environment, so there only the relational table is consulted.
package runnersecret

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/pairwire/broker/internal/db"
)

// ErrUnknownRunner is returned when neither source has a secret on file
// for the given runner identity.
var ErrUnknownRunner = errors.New("runnersecret: unknown runner")

// Verifier checks a Runner-presented secret against its configured
// value.
type Verifier struct {
	gdb    *gorm.DB
	static map[string]string
}

// New constructs a Verifier. gdb may be nil when the Broker is deployed
// without the optional relational store, in which case only the static
// map is consulted.
func New(gdb *gorm.DB, static map[string]string) *Verifier {
	return &Verifier{gdb: gdb, static: static}
}

// Verify reports whether secret matches the configured value for
// runnerID.
func (v *Verifier) Verify(ctx context.Context, runnerID, secret string) (bool, error) {
	if v.gdb != nil {
		var cred db.RunnerCredential
		err := v.gdb.WithContext(ctx).Where("runner_id = ?", runnerID).First(&cred).Error
		switch {
		case err == nil:
			return bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(secret)) == nil, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Fall through to the static map.
		default:
			return false, fmt.Errorf("runnersecret: query credential: %w", err)
		}
	}

	if want, ok := v.static[runnerID]; ok {
		return want == secret, nil
	}

	return false, ErrUnknownRunner
}

// Rotate upserts a runner's secret in the relational store, hashing it
// with bcrypt before persisting.
func (v *Verifier) Rotate(ctx context.Context, runnerID, newSecret string) error {
	if v.gdb == nil {
		return errors.New("runnersecret: no relational store configured")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newSecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("runnersecret: hash secret: %w", err)
	}

	var cred db.RunnerCredential
	err = v.gdb.WithContext(ctx).Where("runner_id = ?", runnerID).First(&cred).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		cred = db.RunnerCredential{RunnerID: runnerID, SecretHash: string(hash)}
		return v.gdb.WithContext(ctx).Create(&cred).Error
	case err != nil:
		return fmt.Errorf("runnersecret: query credential: %w", err)
	default:
		cred.SecretHash = string(hash)
		return v.gdb.WithContext(ctx).Save(&cred).Error
	}
}
