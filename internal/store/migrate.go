package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations for the dialect.
func Migrate(db *sql.DB, d Dialect, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(d))
	if err != nil {
		return fmt.Errorf("open migrations for %s: %w", d, err)
	}

	driver, err := d.migrateDriver(db)
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	// The migrate instance is not closed: closing it would close db, which
	// the store keeps using.
	m, err := migrate.NewWithInstance("iofs", src, string(d), driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up (%s): %w", d, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if logger != nil {
		logger.Info("schema migrated", "dialect", string(d), "version", version, "dirty", dirty)
	}
	return nil
}
