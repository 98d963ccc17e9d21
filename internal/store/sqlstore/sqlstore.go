// Package sqlstore implements store.Store over a SQL database, supporting
// either PostgreSQL or SQLite through the same query surface.
package sqlstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/klppl/relaybridge/internal/store"
)

var _ store.Store = (*SQLStore)(nil)

// SQLStore wraps a database connection and implements store.Store.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. url may be a bare file path or
// "sqlite://..." (SQLite), or "postgres://..."/"postgresql://..." (Postgres).
func Open(url string) (*SQLStore, error) {
	driver, dsn := detectDriver(url)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlstore: pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

// ph returns the nth (1-indexed) SQL placeholder token for the active
// driver: SQLite takes bare "?"; PostgreSQL takes positional "$n".
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Migrate runs all pending schema migrations. Safe to call repeatedly.
func (s *SQLStore) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("sqlstore: migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// commonMigrations lists DDL shared between SQLite and PostgreSQL. Every
// table the relay's core needs lives here; new migrations are appended,
// never edited in place.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS listeners (
		id    TEXT PRIMARY KEY,
		inbox TEXT NOT NULL UNIQUE
	)`,
	// actors.inbox is intentionally absent: an actor's delivery inbox is the
	// shared inbox of the listener it belongs to (see FindActorByID's join) —
	// storing it again here would let the two drift (see the Open Question
	// resolution in DESIGN.md about the original's listeners/actors field
	// swap).
	`CREATE TABLE IF NOT EXISTS actors (
		actor_id      TEXT PRIMARY KEY,
		public_key_id TEXT NOT NULL,
		public_key    TEXT NOT NULL,
		listener_id   TEXT NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS actors_listener_id ON actors(listener_id)`,
	`CREATE TABLE IF NOT EXISTS node_infos (
		actor_id TEXT PRIMARY KEY,
		version  TEXT NOT NULL DEFAULT '',
		software TEXT NOT NULL DEFAULT '',
		updated  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		actor_id          TEXT PRIMARY KEY,
		title             TEXT NOT NULL DEFAULT '',
		short_description TEXT NOT NULL DEFAULT '',
		description       TEXT NOT NULL DEFAULT '',
		version           TEXT NOT NULL DEFAULT '',
		registrations     BOOLEAN NOT NULL DEFAULT FALSE,
		approval_required BOOLEAN NOT NULL DEFAULT FALSE,
		updated           TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		actor_id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		avatar   TEXT NOT NULL DEFAULT '',
		updated  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allowed_authorities (
		authority TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS blocked_authorities (
		authority TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS media (
		uuid TEXT PRIMARY KEY,
		url  TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS last_seen (
		authority TEXT PRIMARY KEY,
		seen_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activity_cache (
		object_id   TEXT PRIMARY KEY,
		activity_id TEXT NOT NULL,
		expires_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		queue         TEXT NOT NULL,
		payload       TEXT NOT NULL,
		attempt       INTEGER NOT NULL DEFAULT 0,
		next_run_at   TIMESTAMP NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		leased_by     TEXT NOT NULL DEFAULT '',
		lease_until   TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_queue_next_run ON jobs(queue, next_run_at)`,
}
