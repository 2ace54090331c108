package store

import "fmt"

// schemaVersion is bumped whenever migrations gain a step.
const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		label      TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL DEFAULT '',
		pid        INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		token      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id                      TEXT PRIMARY KEY,
		session_id              TEXT NOT NULL DEFAULT '',
		timestamp               INTEGER NOT NULL,
		method                  TEXT NOT NULL,
		host                    TEXT NOT NULL DEFAULT '',
		path                    TEXT NOT NULL DEFAULT '',
		url                     TEXT NOT NULL,
		request_headers         TEXT NOT NULL DEFAULT '{}',
		request_body            BLOB,
		request_body_truncated  INTEGER NOT NULL DEFAULT 0,
		response_status         INTEGER,
		response_headers        TEXT,
		response_body           BLOB,
		response_body_truncated INTEGER NOT NULL DEFAULT 0,
		request_content_type    TEXT NOT NULL DEFAULT '',
		response_content_type   TEXT NOT NULL DEFAULT '',
		duration_ms             INTEGER,
		intercepted_by          TEXT NOT NULL DEFAULT '',
		interception_type       TEXT NOT NULL DEFAULT '',
		replayed_from_id        TEXT NOT NULL DEFAULT '',
		replay_initiator        TEXT NOT NULL DEFAULT '',
		saved                   INTEGER NOT NULL DEFAULT 0,
		source                  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS interceptor_events (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      INTEGER NOT NULL,
		type           TEXT NOT NULL,
		level          TEXT NOT NULL,
		interceptor    TEXT NOT NULL DEFAULT '',
		message        TEXT NOT NULL DEFAULT '',
		request_id     TEXT NOT NULL DEFAULT '',
		request_url    TEXT NOT NULL DEFAULT '',
		request_method TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_session ON requests (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_saved ON requests (saved)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_host ON requests (host)`,
}

// migrate creates the schema and records the version pragma.
func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
