// Package registry is the durable store of AgentRun and ValidationRun
// aggregates. It is the only owner of persisted state: every stage change
// goes through ApplyTransition's compare-and-swap, so a stale side-effect
// callback racing a supersession is rejected instead of corrupting later
// state.
//
// Two drivers are supported: sqlite (embedded, the default) and postgres
// via pgx. Queries are written once with ? placeholders and rebound for
// postgres.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when an aggregate does not exist.
	ErrNotFound = errors.New("registry: not found")
	// ErrAlreadyExists is returned when a create collides with an existing
	// row, including the one-active-run-per-PR constraint.
	ErrAlreadyExists = errors.New("registry: already exists")
	// ErrStaleTransition is returned when a compare-and-swap update finds the
	// run no longer in the expected stage.
	ErrStaleTransition = errors.New("registry: stale transition")
)

// Registry wraps the database connection.
type Registry struct {
	conn   *sql.DB
	driver string
}

// DefaultPath returns ~/.mergefactory/mergefactory.db, creating the directory
// if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".mergefactory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "mergefactory.db"), nil
}

// Open opens the registry using the given driver ("sqlite" or "postgres")
// and DSN.
func Open(driver, dsn string) (*Registry, error) {
	var conn *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		conn, err = sql.Open("sqlite3", dsn)
		if err == nil {
			conn.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		conn, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if driver == DriverSQLite {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return &Registry{conn: conn, driver: driver}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.conn.Close()
}

// Ping checks database connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	return r.conn.PingContext(ctx)
}

// Conn returns the underlying *sql.DB for advanced queries.
func (r *Registry) Conn() *sql.DB {
	return r.conn
}

// QueryContext runs a read query written with ? placeholders against either
// driver. Used by reporting code that lives outside this package.
func (r *Registry) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.conn.QueryContext(ctx, r.q(query), args...)
}

// q rebinds ? placeholders to $n for postgres.
func (r *Registry) q(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// isDuplicate reports whether err is a unique-constraint violation for
// either driver.
func isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
