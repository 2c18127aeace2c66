package store

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationFS holds the PostgreSQL schema migrations.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded PostgreSQL migrations in the given direction.
// direction must be "up" or "down". Already being at the target version is
// not an error.
func Migrate(dsn, direction string) error {
	if dsn == "" {
		return errors.New("postgres dsn is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	dbURL, err := migrateURL(dsn)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dbURL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// migrateURL rewrites a postgres URL to the pgx5 scheme the migrate driver
// registers. Key/value DSNs are rejected.
func migrateURL(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "pgx5://") {
		return dsn, nil
	}
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix), nil
		}
	}
	return "", errors.New("postgres dsn must be a postgres:// URL, key=value DSNs are not supported")
}
