/*
Package sqldb provides the SQL-backed system of record for coupons and points.

PURPOSE:
  Implements generic.CouponStore and generic.PointStore on database/sql.
  The same schema and queries run on SQLite (dev, tests, single node) and
  PostgreSQL (production); only placeholders and the policy row lock differ.

KEY TABLES:
  coupon_policies:     Policy definitions (immutable quantity and window)
  coupons:             Every granted coupon (never deleted)
  point_balances:      Current balance per user, CHECK (balance >= 0)
  point_transactions:  Append-only point ledger
  daily_point_reports: Per-user daily aggregates

CRITICAL INDEXES:
  - idx_coupons_policy: Count query of the pessimistic grant (hot path)
  - idx_point_tx_single_cancel: Partial unique index, at most one CANCELED
    entry per referenced transaction

EXCLUSIVE POLICY LOCK (pessimistic grant):
  PostgreSQL: SELECT ... FROM coupon_policies WHERE id = $1 FOR UPDATE
  SQLite:     every transaction starts with BEGIN IMMEDIATE (_txlock=immediate),
              which takes the database write lock up front. Writers queue on
              _busy_timeout instead of failing with SQLITE_BUSY.

TIMESTAMPS:
  Stored as TEXT in generic.TimeLayout (UTC, fixed width), so range
  predicates and ORDER BY compare lexically in both dialects.

USAGE:
  store, err := sqldb.Open("sqlite3", "./data/promo.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/traffic/promotion-engine/generic"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// busyTimeoutMillis is how long a SQLite writer waits for the write lock.
const busyTimeoutMillis = 10000

// Store implements generic.CouponStore and generic.PointStore.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and migrates the schema.
// For SQLite, dsn is a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return NewSQLite(dsn)
	case DriverPostgres, "postgresql":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLite opens a SQLite database. Use ":memory:" for an in-memory database.
func NewSQLite(path string) (*Store, error) {
	params := "_foreign_keys=on&_txlock=immediate&_busy_timeout=" + strconv.Itoa(busyTimeoutMillis)
	memory := path == ":memory:"
	if !memory {
		params += "&_journal_mode=WAL"
	}

	db, err := sql.Open(DriverSQLite, "file:"+path+"?"+params)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	return newStore(db, DriverSQLite)
}

// NewPostgres opens a PostgreSQL database through lib/pq.
func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(db, DriverPostgres)
}

func newStore(db *sql.DB, driver string) (*Store, error) {
	store := &Store{db: db, driver: driver}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS coupon_policies (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			discount_type TEXT NOT NULL,
			discount_value BIGINT NOT NULL,
			minimum_order_amount BIGINT NOT NULL DEFAULT 0,
			maximum_discount_amount BIGINT NOT NULL DEFAULT 0,
			total_quantity BIGINT NOT NULL CHECK (total_quantity >= 1),
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coupons (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			user_id TEXT NOT NULL,
			policy_id TEXT NOT NULL REFERENCES coupon_policies(id),
			status TEXT NOT NULL,
			order_id TEXT,
			used_at TEXT,
			issued_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coupons_policy ON coupons(policy_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_coupons_user ON coupons(user_id, issued_at)`,
		`CREATE TABLE IF NOT EXISTS point_balances (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL CHECK (balance >= 0),
			version BIGINT NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS point_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			tx_type TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			balance_snapshot BIGINT NOT NULL,
			reference_id TEXT,
			version BIGINT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_point_tx_user ON point_transactions(user_id, version)`,
		`CREATE INDEX IF NOT EXISTS idx_point_tx_created ON point_transactions(created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_point_tx_single_cancel
			ON point_transactions(reference_id) WHERE tx_type = 'CANCELED'`,
		`CREATE TABLE IF NOT EXISTS daily_point_reports (
			day TEXT NOT NULL,
			user_id TEXT NOT NULL,
			earned BIGINT NOT NULL,
			used BIGINT NOT NULL,
			canceled BIGINT NOT NULL,
			entries BIGINT NOT NULL,
			PRIMARY KEY (day, user_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rewrites "?" placeholders for the active dialect.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, generic.Transient("begin transaction", err)
	}
	return tx, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: generic.FormatTime(*t), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
