package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

type migration struct {
	version int
	name    string
	up      string
}

// Migrate applies every embedded *.up.sql file newer than the recorded
// schema version, each in its own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	const ensure = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	if _, err := db.pool.Exec(ctx, ensure); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

// MigrateDown reverts the newest steps migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) error {
	rows, err := db.pool.Query(ctx, `SELECT version, name FROM schema_migrations ORDER BY version DESC LIMIT $1`, steps)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	type applied struct {
		version int
		name    string
	}
	var revert []applied
	for rows.Next() {
		var a applied
		if err := rows.Scan(&a.version, &a.name); err != nil {
			rows.Close()
			return err
		}
		revert = append(revert, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, a := range revert {
		down, err := fs.ReadFile(migrationsFS, "migrations/"+a.name+".down.sql")
		if err != nil {
			return fmt.Errorf("read down migration %s: %w", a.name, err)
		}
		err = db.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(down)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, a.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("revert migration %s: %w", a.name, err)
		}
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// loadMigrations reads files named NNN_description.up.sql in version order.
func loadMigrations() ([]migration, error) {
	files, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]migration, 0, len(files))
	for _, file := range files {
		name := strings.TrimSuffix(path.Base(file), ".up.sql")
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s has no version prefix", file)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", file, err)
		}
		body, err := fs.ReadFile(migrationsFS, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		out = append(out, migration{version: version, name: name, up: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
