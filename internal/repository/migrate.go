package repository

import "context"

// Schema is written in the portable subset both dialects accept: TEXT keys,
// BIGINT unix-millisecond timestamps, JSON blobs as TEXT.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ingest_jobs (
		id               TEXT PRIMARY KEY,
		owner_id         TEXT NOT NULL,
		state            TEXT NOT NULL,
		filename         TEXT NOT NULL,
		declared_mime    TEXT NOT NULL,
		detected_mime    TEXT NOT NULL DEFAULT '',
		content_hash     TEXT NOT NULL DEFAULT '',
		spool_path       TEXT NOT NULL DEFAULT '',
		file_size        BIGINT NOT NULL DEFAULT 0,
		stage_progress   TEXT NOT NULL DEFAULT '[]',
		status_message   TEXT NOT NULL DEFAULT '',
		failure_class    TEXT NOT NULL DEFAULT '',
		attempts         INTEGER NOT NULL DEFAULT 0,
		next_attempt_at  BIGINT NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		decision         TEXT,
		candidate        TEXT,
		verdict          TEXT,
		result_course_id TEXT,
		dead_letter_id   TEXT,
		retry_of         TEXT,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL,
		expires_at       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON ingest_jobs (owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON ingest_jobs (state, next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS dead_letters (
		id             TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL,
		owner_id       TEXT NOT NULL,
		failure_stage  TEXT NOT NULL,
		error_class    TEXT NOT NULL,
		error_detail   TEXT NOT NULL DEFAULT '',
		filename       TEXT NOT NULL DEFAULT '',
		declared_mime  TEXT NOT NULL DEFAULT '',
		payload_cipher BLOB,
		payload_nonce  BLOB,
		spool_pointer  TEXT NOT NULL DEFAULT '',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 0,
		created_at     BIGINT NOT NULL,
		expires_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_owner ON dead_letters (owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_expiry ON dead_letters (expires_at)`,

	`CREATE TABLE IF NOT EXISTS courses (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		title      TEXT NOT NULL,
		term       TEXT NOT NULL DEFAULT '',
		code       TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_courses_owner ON courses (owner_id)`,

	`CREATE TABLE IF NOT EXISTS course_events (
		id          TEXT PRIMARY KEY,
		course_id   TEXT NOT NULL REFERENCES courses (id) ON DELETE CASCADE,
		title       TEXT NOT NULL,
		category    TEXT NOT NULL,
		starts_at   BIGINT NOT NULL,
		ends_at     BIGINT,
		location    TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_course_events_course ON course_events (course_id)`,
}

// Migrate applies the schema. Statements are idempotent so this runs at
// every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.Error("migration failed", "error", err)
			return err
		}
	}
	s.log.Info("database schema up to date")
	return nil
}
