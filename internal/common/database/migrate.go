package database

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies all pending schema migrations from the configured path.
// A no-change run is not an error.
func Migrate(cfg Config, logger *slog.Logger) error {
	// The migrate pgx/v5 driver registers under its own scheme.
	url := strings.Replace(cfg.URL, "postgres://", "pgx5://", 1)

	m, err := migrate.New(fmt.Sprintf("file://%s", cfg.MigrationsPath), url)
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("database schema up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}

	logger.Info("database migrations applied",
		"version", version,
		"dirty", dirty,
	)
	return nil
}
