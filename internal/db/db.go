package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/wesm/github-mirror/config"
	"go.uber.org/zap"
)

// ErrorKind categorizes a failed store operation
type ErrorKind string

const (
	KindDuplicate ErrorKind = "duplicate"
	KindTimeout   ErrorKind = "timeout"
	KindInternal  ErrorKind = "internal"
)

// StoreError is returned by every store operation that fails
type StoreError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsDuplicate reports whether err is a uniqueness violation, meaning the
// record was created by someone else first
func IsDuplicate(err error) bool {
	var serr *StoreError
	return errors.As(err, &serr) && serr.Kind == KindDuplicate
}

// DB represents the database connection
type DB struct {
	*sqlx.DB
	flavor   sqlbuilder.Flavor
	postgres bool
	timeout  time.Duration
	logger   *zap.Logger
}

// New opens the database named by cfg. A postgres:// URL selects
// PostgreSQL; anything else is a SQLite path.
func New(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.OperationTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if cfg.IsPostgres() {
		conn, err := sqlx.Open("postgres", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return &DB{DB: conn, flavor: sqlbuilder.PostgreSQL, postgres: true, timeout: timeout, logger: logger}, nil
	}

	conn, err := sqlx.Open("sqlite3", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers and keeps the pragma below in effect
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{DB: conn, flavor: sqlbuilder.SQLite, timeout: timeout, logger: logger}, nil
}

// Flavor returns the SQL dialect queries are built for
func (db *DB) Flavor() sqlbuilder.Flavor {
	return db.flavor
}

// withTimeout bounds one store operation
func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}

// wrapError converts a driver error into a StoreError
func (db *DB) wrapError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isUniqueViolation(err):
		return &StoreError{Op: op, Kind: KindDuplicate, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &StoreError{Op: op, Kind: KindTimeout, Err: err}
	default:
		return &StoreError{Op: op, Kind: KindInternal, Err: err}
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
