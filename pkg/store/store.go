// Package store manages all SQLite persistence for didcat.
//
// SQLite in WAL mode is the shared transactional substrate: catalog
// mutations run inside write transactions opened IMMEDIATE, so concurrent
// structural mutation of the same collection is serialized by the writer
// lock, and single-statement arithmetic updates (replica lock counting)
// are atomic without read-then-write races.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
// Transactions are opened IMMEDIATE so writers serialize up front instead
// of failing with SQLITE_BUSY at commit.
func New(path string) (*Store, error) {
	dsn := path + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-path queries that run outside an
// explicit transaction.
func (s *Store) DB() *sql.DB { return s.db }

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Catalog operations take a Querier so the same code runs standalone or
// inside an enclosing transaction threaded in by the caller.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// WithTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back on any error or panic, so partial effects of
// a multi-step mutation are never visible to other readers.
//
// Transient SQLite contention (SQLITE_BUSY and friends) retries the whole
// transaction with a fresh tx, so fn may run more than once and must not
// carry side effects outside the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return RetryOnContention(func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scopes (
		scope      TEXT PRIMARY KEY,
		account    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dids (
		scope      TEXT NOT NULL REFERENCES scopes(scope),
		name       TEXT NOT NULL,
		account    TEXT NOT NULL,
		did_type   TEXT NOT NULL,
		is_open    INTEGER,
		monotonic  INTEGER NOT NULL DEFAULT 0,
		is_new     INTEGER NOT NULL DEFAULT 1,
		bytes      INTEGER,
		adler32    TEXT,
		md5        TEXT,
		expired_at TEXT,
		meta       TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		PRIMARY KEY (scope, name)
	);
	CREATE INDEX IF NOT EXISTS idx_dids_expired ON dids(expired_at) WHERE expired_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_dids_new ON dids(is_new);

	CREATE TABLE IF NOT EXISTS contents (
		scope       TEXT NOT NULL,
		name        TEXT NOT NULL,
		child_scope TEXT NOT NULL,
		child_name  TEXT NOT NULL,
		did_type    TEXT NOT NULL,
		child_type  TEXT NOT NULL,
		bytes       INTEGER,
		adler32     TEXT,
		md5         TEXT,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (scope, name, child_scope, child_name),
		FOREIGN KEY (child_scope, child_name) REFERENCES dids(scope, name)
	);
	CREATE INDEX IF NOT EXISTS idx_contents_child ON contents(child_scope, child_name);

	CREATE TABLE IF NOT EXISTS replicas (
		scope        TEXT NOT NULL,
		name         TEXT NOT NULL,
		rse          TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'AVAILABLE',
		bytes        INTEGER NOT NULL,
		adler32      TEXT,
		md5          TEXT,
		lock_cnt     INTEGER NOT NULL DEFAULT 0,
		tombstone_at TEXT,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (scope, name, rse),
		FOREIGN KEY (scope, name) REFERENCES dids(scope, name)
	);
	CREATE INDEX IF NOT EXISTS idx_replicas_tombstone ON replicas(tombstone_at) WHERE tombstone_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS rules (
		id             TEXT PRIMARY KEY,
		scope          TEXT NOT NULL,
		name           TEXT NOT NULL,
		account        TEXT NOT NULL,
		copies         INTEGER NOT NULL DEFAULT 1,
		rse_expression TEXT NOT NULL,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_did ON rules(scope, name);

	CREATE TABLE IF NOT EXISTS locks (
		rule_id    TEXT NOT NULL REFERENCES rules(id),
		scope      TEXT NOT NULL,
		name       TEXT NOT NULL,
		rse        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (rule_id, scope, name, rse)
	);
	CREATE INDEX IF NOT EXISTS idx_locks_replica ON locks(scope, name, rse);

	CREATE TABLE IF NOT EXISTS dataset_locks (
		rule_id    TEXT NOT NULL REFERENCES rules(id),
		scope      TEXT NOT NULL,
		name       TEXT NOT NULL,
		rse        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (rule_id, scope, name)
	);

	CREATE TABLE IF NOT EXISTS updated_dids (
		scope      TEXT NOT NULL,
		name       TEXT NOT NULL,
		reason     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, name)
	);

	CREATE TABLE IF NOT EXISTS callbacks (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Violation classifies a store-level constraint failure. The catalog core
// never parses driver error text; it switches on this classification and
// translates to the closest domain error.
type Violation int

const (
	ViolationNone Violation = iota
	ViolationUnique
	ViolationForeignKey
	ViolationOther
)

// Classify inspects a write error and reports which constraint class it
// belongs to. Extended result codes from modernc.org/sqlite surface in the
// error message; 2067/1555 are UNIQUE, 787 is FOREIGN KEY.
func Classify(err error) Violation {
	if err == nil {
		return ViolationNone
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "(2067)"),
		strings.Contains(msg, "(1555)"):
		return ViolationUnique
	case strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "(787)"):
		return ViolationForeignKey
	}
	return ViolationOther
}

// Now returns the canonical timestamp encoding used across all tables.
func Now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// ParseTime decodes a timestamp column written by Now.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
