// Package store provides SQLite-backed persistence for the link-exchange pool:
// members, contributions, requests, placements, and the append-only credit ledger.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS members (
	id             TEXT PRIMARY KEY,
	domain         TEXT NOT NULL UNIQUE,
	email          TEXT NOT NULL,
	categories     TEXT NOT NULL DEFAULT '[]',
	verified       INTEGER NOT NULL DEFAULT 0,
	authority      REAL,
	credit_balance INTEGER NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contributions (
	id         TEXT PRIMARY KEY,
	member_id  TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	page_url   TEXT NOT NULL,
	categories TEXT NOT NULL DEFAULT '[]',
	max_links  INTEGER NOT NULL CHECK (max_links > 0),
	links_used INTEGER NOT NULL DEFAULT 0 CHECK (links_used >= 0 AND links_used <= max_links),
	context    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_contributions_member ON contributions(member_id);

CREATE TABLE IF NOT EXISTS requests (
	id               TEXT PRIMARY KEY,
	member_id        TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
	target_page      TEXT NOT NULL,
	preferred_anchor TEXT NOT NULL DEFAULT '',
	categories       TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_requests_member ON requests(member_id);
CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);

-- Placements are the audit trail of the pool. They deliberately carry no
-- foreign keys and denormalize both domains, so deleting a member (and its
-- contributions/requests) leaves the exchange history intact.
CREATE TABLE IF NOT EXISTS placements (
	id                       TEXT PRIMARY KEY,
	contribution_id          TEXT NOT NULL,
	request_id               TEXT NOT NULL UNIQUE,
	from_domain              TEXT NOT NULL,
	to_domain                TEXT NOT NULL,
	relevance_score          REAL NOT NULL,
	state                    TEXT NOT NULL DEFAULT 'matched',
	created_at               DATETIME NOT NULL,
	confirmed_at             DATETIME,
	verified_at              DATETIME,
	reciprocal_blocked_until DATETIME
);

CREATE INDEX IF NOT EXISTS idx_placements_state ON placements(state);
CREATE INDEX IF NOT EXISTS idx_placements_pair ON placements(from_domain, to_domain);

CREATE TABLE IF NOT EXISTS ledger (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	member_id       TEXT NOT NULL,
	placement_id    TEXT,
	contribution_id TEXT,
	reason          TEXT NOT NULL,
	amount          INTEGER NOT NULL,
	balance_after   INTEGER NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_ledger_member ON ledger(member_id);
`

// Store wraps a sql.DB with pool-specific operations.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
