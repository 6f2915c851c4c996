// Package db provides the Broker's small admin-manageable relational
// store: per-Runner shared secrets and the optional CORS allow-list
// named in the configuration surface. It supports sqlite (modernc, pure
// Go, no CGO) for single-instance deployments and postgres when multiple
// Broker instances share configuration state.
package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config selects the driver and connection parameters.
type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// New opens the database, runs migrations, and returns a ready *gorm.DB.
func New(cfg Config) (*gorm.DB, error) {
	var (
		gdb *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{Logger: NewZapLogger(cfg.Logger)}

	switch cfg.Driver {
	case "sqlite":
		sqlDB, openErr := sql.Open("sqlite", cfg.DSN)
		if openErr != nil {
			return nil, fmt.Errorf("db: open sqlite: %w", openErr)
		}
		// modernc.org/sqlite does not support concurrent writers on the
		// same connection pool; serialize through a single connection.
		sqlDB.SetMaxOpenConns(1)

		gdb, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	case "postgres":
		gdb, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err == nil {
			sqlDB, sqlErr := gdb.DB()
			if sqlErr == nil {
				sqlDB.SetMaxOpenConns(25)
				sqlDB.SetMaxIdleConns(5)
			}
		}
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", cfg.Driver, err)
	}

	if err := runMigrations(gdb, cfg.Driver); err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}

	return gdb, nil
}

// Ping verifies the underlying connection is alive, used by the health
// check endpoint.
func Ping(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func runMigrations(gdb *gorm.DB, driver string) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	var dbDriver migrate.Driver
	switch driver {
	case "sqlite":
		dbDriver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case "postgres":
		dbDriver, err = migratepg.WithInstance(sqlDB, &migratepg.Config{})
	default:
		return fmt.Errorf("db: unsupported driver %q", driver)
	}
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
