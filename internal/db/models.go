package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models. ID uses UUID v7
// (time-ordered) for efficient B-tree indexing without a separate
// created_at sort.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// RunnerCredential is the admin-managed record of a Runner's shared
// secret, used to authenticate runner:register handshakes. Secrets are
// stored as bcrypt hashes, never in plaintext.
type RunnerCredential struct {
	base
	RunnerID   string `gorm:"type:text;uniqueIndex;not null"`
	SecretHash string `gorm:"type:text;not null"`
	RotatedAt  time.Time
}

// CORSOrigin is one entry of the optional CORS allow-list. An empty table
// means every request that carries an Origin header is rejected.
type CORSOrigin struct {
	base
	Origin string `gorm:"type:text;uniqueIndex;not null"`
}
