// Package store is the transactional entity store for the sync engine:
// organization-scoped repositories over a single sqlite database, with
// single-row compare-and-set updates so two concurrent sync requests
// cannot both win a conflict check and then both write.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by repository calls.
var (
	ErrNotFound = errors.New("not found")
	// ErrStale means the row's updated_at no longer matched the
	// expected value at write time: a concurrent writer won.
	ErrStale = errors.New("stale write")
)

// Store wraps the entity database connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens the entity database at dbPath, creating it and its schema
// if needed.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	return attach(conn, dbPath)
}

// New wraps an already-open connection, creating the schema if needed.
// Tests use this with an in-memory database.
func New(conn *sql.DB) (*Store, error) {
	return attach(conn, "")
}

func attach(conn *sql.DB, path string) (*Store, error) {
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{conn: conn, path: path}, nil
}

// DB exposes the underlying connection for collaborators that keep
// their own tables on the same database (the audit logger).
func (s *Store) DB() *sql.DB {
	return s.conn
}

// Ping checks the database connection is alive.
func (s *Store) Ping() error {
	return s.conn.Ping()
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// fmtTime renders a timestamp the way every row stores it. CAS updates
// compare this string, so all writes must go through it.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime tries the formats sqlite hands back for timestamps.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
