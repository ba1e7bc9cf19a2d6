// Package migrations applies the embedded database schema with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var files embed.FS

const dir = "sql"

// Runner applies and inspects schema migrations.
type Runner struct {
	db      *sql.DB
	log     *slog.Logger
	timeout time.Duration
}

// New returns a migration runner for db.
func New(db *sql.DB, log *slog.Logger) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("nil database provided")
	}
	if log == nil {
		log = slog.Default()
	}

	goose.SetBaseFS(files)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("configure goose: %w", err)
	}

	return &Runner{db: db, log: log, timeout: time.Minute}, nil
}

// Up applies pending migrations.
func (r *Runner) Up(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.log.Info("applying migrations")
	if err := goose.UpContext(ctx, r.db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("migrations applied")
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	if err := goose.StatusContext(ctx, r.db, dir); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// Down rolls back the latest migration, or down to target when it is positive.
func (r *Runner) Down(ctx context.Context, target int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if target > 0 {
		r.log.Info("rolling back migrations", "target", target)
		if err := goose.DownToContext(ctx, r.db, dir, target); err != nil {
			return fmt.Errorf("rollback to version %d: %w", target, err)
		}
		return nil
	}

	r.log.Info("rolling back latest migration")
	if err := goose.DownContext(ctx, r.db, dir); err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (r *Runner) Version(ctx context.Context) (int64, error) {
	v, err := goose.GetDBVersionContext(ctx, r.db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
