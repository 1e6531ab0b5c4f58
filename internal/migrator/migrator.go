package migrator

import (
	"context"
	"embed"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Migrator struct {
	migrate *migrate.Migrate
}

func New(databaseURL string) (*Migrator, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("missing database URL")
	}

	d, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		// The migrate library echoes the full URL, credentials included,
		// back in its errors. Strip it before the error reaches a log.
		return nil, sanitizeConnectionError(err, databaseURL)
	}

	return &Migrator{migrate: m}, nil
}

func (m *Migrator) Version(ctx context.Context) (int, error) {
	version, _, err := m.migrate.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			return 0, nil
		}
		return 0, fmt.Errorf("migrate.Version: %w", err)
	}
	return int(version), nil
}

// Up applies n pending migrations, or all of them when n < 0. It returns
// the resulting version and the number of migrations applied.
func (m *Migrator) Up(ctx context.Context, n int) (int, int, error) {
	initVersion, err := m.Version(ctx)
	if err != nil {
		return 0, 0, err
	}

	if n < 0 {
		if err := m.migrate.Up(); err != nil {
			if err == migrate.ErrNoChange {
				return initVersion, 0, nil
			}
			return initVersion, 0, fmt.Errorf("migrate.Up: %w", err)
		}
	} else {
		if err := m.migrate.Steps(n); err != nil {
			return initVersion, 0, fmt.Errorf("migrate.Steps: %w", err)
		}
	}

	version, err := m.Version(ctx)
	if err != nil {
		return initVersion, 0, fmt.Errorf("error reading version after migration: %w", err)
	}
	return version, version - initVersion, nil
}

// Down rolls back n migrations, or all of them when n <= 0. It returns
// the resulting version and the number of migrations rolled back.
func (m *Migrator) Down(ctx context.Context, n int) (int, int, error) {
	initVersion, err := m.Version(ctx)
	if err != nil {
		return 0, 0, err
	}

	if n > 0 {
		if n > initVersion {
			return initVersion, 0, fmt.Errorf("cannot rollback more migrations than current version; current version: %d, n: %d", initVersion, n)
		}
		if err := m.migrate.Steps(n * -1); err != nil {
			return initVersion, 0, fmt.Errorf("migrate.Steps: %w", err)
		}
	} else {
		if err := m.migrate.Down(); err != nil {
			if err == migrate.ErrNoChange {
				return initVersion, 0, nil
			}
			return initVersion, 0, fmt.Errorf("migrate.Down: %w", err)
		}
	}

	version, err := m.Version(ctx)
	if err != nil {
		return initVersion, 0, fmt.Errorf("error reading version after migration: %w", err)
	}
	return version, initVersion - version, nil
}

func (m *Migrator) Force(ctx context.Context, version int) error {
	return m.migrate.Force(version)
}

func (m *Migrator) Close(ctx context.Context) (error, error) {
	return m.migrate.Close()
}

func sanitizeConnectionError(err error, dbURL string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if dbURL != "" && strings.Contains(msg, dbURL) {
		if u, parseErr := url.Parse(dbURL); parseErr == nil && u.Host != "" {
			safe := fmt.Sprintf("%s://[REDACTED]@%s/[REDACTED]", u.Scheme, u.Host)
			msg = strings.ReplaceAll(msg, dbURL, safe)
		} else {
			msg = strings.ReplaceAll(msg, dbURL, "[DATABASE_URL_REDACTED]")
		}
	}
	return fmt.Errorf("%s", msg)
}
