// Package db handles database connectivity, migrations, and data access
// for the skybridge sidecar. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
// It is the only cross-task shared mutable state in the process; every
// mutation goes through it.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "skybridge.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// migrations lists versioned DDL statements shared between SQLite and
// PostgreSQL, applied in order. Never reorder or edit an entry; append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS follows (
		user_did          TEXT NOT NULL,
		actor_uri         TEXT NOT NULL,
		activity_id       TEXT NOT NULL,
		actor_inbox       TEXT NOT NULL,
		actor_shared_inbox TEXT,
		created_at        TEXT NOT NULL,
		PRIMARY KEY (user_did, actor_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_user_created ON follows(user_did, created_at)`,
	`CREATE INDEX IF NOT EXISTS follows_actor ON follows(actor_uri)`,
	`CREATE TABLE IF NOT EXISTS key_pairs (
		user_did    TEXT NOT NULL,
		algorithm   TEXT NOT NULL,
		public_key  TEXT NOT NULL,
		private_key TEXT NOT NULL,
		PRIMARY KEY (user_did, algorithm)
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_accounts (
		role          TEXT NOT NULL PRIMARY KEY,
		did           TEXT NOT NULL,
		handle        TEXT NOT NULL,
		password      TEXT NOT NULL,
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post_mappings (
		at_uri         TEXT NOT NULL PRIMARY KEY,
		ap_note_id     TEXT NOT NULL UNIQUE,
		ap_actor_id    TEXT NOT NULL,
		ap_actor_inbox TEXT NOT NULL,
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS post_mappings_actor ON post_mappings(ap_actor_id)`,
	`CREATE TABLE IF NOT EXISTS monitored_posts (
		at_uri       TEXT NOT NULL PRIMARY KEY,
		author_did   TEXT NOT NULL,
		last_checked TEXT,
		created_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS external_replies (
		at_uri        TEXT NOT NULL PRIMARY KEY,
		parent_at_uri TEXT NOT NULL,
		author_did    TEXT NOT NULL,
		ap_note_id    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS likes (
		activity_id     TEXT NOT NULL PRIMARY KEY,
		post_at_uri     TEXT NOT NULL,
		post_author_did TEXT NOT NULL,
		ap_actor_id     TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		notified_at     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS likes_unnotified ON likes(created_at) WHERE notified_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS shares (
		activity_id     TEXT NOT NULL PRIMARY KEY,
		post_at_uri     TEXT NOT NULL,
		post_author_did TEXT NOT NULL,
		ap_actor_id     TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		notified_at     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS shares_unnotified ON shares(created_at) WHERE notified_at IS NULL`,
}

// Migrate applies all pending migrations in order. A failed migration
// returns an error and must abort startup.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w\nSQL: %s", i+1, err, migrations[i])
		}
		if _, err := tx.Exec(s.rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	slog.Info("migrations complete", "version", len(migrations))
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// now returns the current time as an ISO-8601 UTC string, the format used
// for every timestamp column.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// rebind converts ?-style placeholders to $n for PostgreSQL.
// SQLite queries are passed through unchanged.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertIgnore returns the conflict clause for an idempotent insert.
// SQLite uses INSERT OR IGNORE; PostgreSQL uses ON CONFLICT DO NOTHING.
func (s *Store) insertIgnore(table, columns, placeholders string) string {
	if s.driver == "sqlite" {
		return "INSERT OR IGNORE INTO " + table + " (" + columns + ") VALUES (" + placeholders + ")"
	}
	return "INSERT INTO " + table + " (" + columns + ") VALUES (" + s.rebind(placeholders) + ") ON CONFLICT DO NOTHING"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}

// inPlaceholders returns a comma-separated placeholder list of length n,
// starting at offset+1 for PostgreSQL numbering.
func (s *Store) inPlaceholders(n, offset int) string {
	parts := make([]string, n)
	for i := range parts {
		if s.driver == "postgres" {
			parts[i] = "$" + strconv.Itoa(offset+i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}
