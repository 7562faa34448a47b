// Package store persists delegation scopes and the administrative audit log
// in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SubsystemStore is the tflog subsystem for database operations.
const SubsystemStore = "store"

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	// ErrNotFound reports that no row matched.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation.
	ErrConflict = errors.New("conflict")
)

// Postgres implements the delegation store and the audit log.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects through the pgx database/sql driver.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// Close closes the underlying handle.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

var schema = []string{
	`create table if not exists delegations (
		uid text primary key,
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists delegation_scopes (
		uid text not null references delegations(uid) on delete cascade,
		kind text not null check (kind in ('org', 'role')),
		name text not null,
		primary key (uid, kind, name)
	)`,
	`create index if not exists delegation_scopes_name on delegation_scopes (kind, name)`,
	`create table if not exists admin_log (
		id uuid primary key,
		admin text not null,
		target text not null,
		type text not null,
		date timestamptz not null,
		attribute text,
		old_value text,
		new_value text
	)`,
	`create index if not exists admin_log_target on admin_log (target, date desc)`,
}

// Migrate creates the tables when absent.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	tflog.SubsystemDebug(ctx, SubsystemStore, "Schema up to date", map[string]any{"statements": len(schema)})
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// classify maps constraint violations onto the package sentinels.
func classify(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
