package store

import (
	"context"
	"database/sql"
	"embed"
	"sort"

	"github.com/pkg/errors"

	"github.com/terminal-bench/minechain/internal/utils/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema files in lexical order. Each file
// runs once, tracked in schema_migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return errors.Wrap(err, "creating migrations table")
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "reading migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name,
		).Scan(&applied); err != nil {
			return errors.Wrap(err, "checking migration state")
		}
		if applied {
			continue
		}

		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return errors.Wrap(err, "reading migration file")
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "beginning migration tx")
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "applying %s", name)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "recording %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "committing %s", name)
		}
		logging.Entry().WithField("migration", name).Info("applied migration")
	}
	return nil
}
