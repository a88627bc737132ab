package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// JobStore persists ingest jobs. All state transitions go through Save's
// compare-and-swap so two workers can never both advance the same job.
type JobStore struct {
	*Store
}

func NewJobStore(s *Store) *JobStore { return &JobStore{Store: s} }

const jobColumns = `id, owner_id, state, filename, declared_mime, detected_mime,
	content_hash, spool_path, file_size, stage_progress, status_message,
	failure_class, attempts, next_attempt_at, cancel_requested, decision,
	candidate, verdict, result_course_id, dead_letter_id, retry_of,
	created_at, updated_at, expires_at`

// Create inserts a new job, enforcing the per-owner concurrency quota and
// the submission rate limit in the same guarded statement. On postgres the
// guard alone is not enough: under READ COMMITTED two concurrent inserts
// each count a snapshot that excludes the other's uncommitted row, so
// same-owner submissions are serialized with an advisory transaction lock.
// Sqlite writes are already serialized by the single connection.
func (r *JobStore) Create(ctx context.Context, job *entity.IngestJob, quota, rateLimit int, rateWindow time.Duration) error {
	stageJSON, err := json.Marshal(job.StageProgress)
	if err != nil {
		return fmt.Errorf("marshal stage progress: %w", err)
	}
	windowStart := job.CreatedAt.Add(-rateWindow).UnixMilli()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback()

	if r.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, job.OwnerID.String()); err != nil {
			return fmt.Errorf("lock owner submissions: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO ingest_jobs (
			id, owner_id, state, filename, declared_mime, content_hash,
			spool_path, file_size, stage_progress, status_message, attempts,
			next_attempt_at, retry_of, created_at, updated_at, expires_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM ingest_jobs
			WHERE owner_id = ? AND state NOT IN (?, ?, ?, ?)) < ?
		AND (SELECT COUNT(*) FROM ingest_jobs
			WHERE owner_id = ? AND created_at >= ?) < ?`),
		job.ID.String(), job.OwnerID.String(), string(job.State), job.Filename,
		job.DeclaredMIME, job.ContentHash, job.SpoolPath, job.FileSize,
		string(stageJSON), job.StatusMessage, job.NextAttemptAt.UnixMilli(),
		uuidPtrString(job.RetryOf), job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(), job.ExpiresAt.UnixMilli(),
		job.OwnerID.String(),
		string(constants.JobStateSucceeded), string(constants.JobStateFailed),
		string(constants.JobStateDeadLettered), string(constants.JobStateCancelled),
		quota,
		job.OwnerID.String(), windowStart, rateLimit,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.classifyRefusal(ctx, tx, job.OwnerID, quota)
	}
	return tx.Commit()
}

// classifyRefusal figures out which limit blocked the guarded insert. It
// reads through the open transaction so the counts are the ones the guard
// saw.
func (r *JobStore) classifyRefusal(ctx context.Context, tx *sql.Tx, owner uuid.UUID, quota int) error {
	var active int
	err := tx.QueryRowContext(ctx, r.rebind(`
		SELECT COUNT(*) FROM ingest_jobs
		WHERE owner_id = ? AND state NOT IN (?, ?, ?, ?)`),
		owner.String(),
		string(constants.JobStateSucceeded), string(constants.JobStateFailed),
		string(constants.JobStateDeadLettered), string(constants.JobStateCancelled),
	).Scan(&active)
	if err != nil {
		return err
	}
	if active >= quota {
		return common.ErrQuotaExceeded
	}
	return common.ErrRateLimited
}

func (r *JobStore) Get(ctx context.Context, id uuid.UUID) (*entity.IngestJob, error) {
	row := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT `+jobColumns+` FROM ingest_jobs WHERE id = ?`), id.String())
	return scanJob(row)
}

// GetForOwner loads a job only if it belongs to owner. Other users' jobs are
// indistinguishable from missing ones.
func (r *JobStore) GetForOwner(ctx context.Context, owner, id uuid.UUID) (*entity.IngestJob, error) {
	row := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT `+jobColumns+` FROM ingest_jobs WHERE id = ? AND owner_id = ?`),
		id.String(), owner.String())
	return scanJob(row)
}

// Save persists the job's mutable fields, guarded by the state the caller
// read it in. Zero rows updated means another writer got there first and the
// caller must re-read.
func (r *JobStore) Save(ctx context.Context, job *entity.IngestJob, from constants.JobState) error {
	stageJSON, err := json.Marshal(job.StageProgress)
	if err != nil {
		return fmt.Errorf("marshal stage progress: %w", err)
	}
	candJSON, err := marshalNullable(job.Candidate)
	if err != nil {
		return err
	}
	verdictJSON, err := marshalNullable(job.Verdict)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE ingest_jobs SET
			state = ?, detected_mime = ?, content_hash = ?, spool_path = ?,
			stage_progress = ?, status_message = ?, failure_class = ?,
			attempts = ?, next_attempt_at = ?, decision = ?, candidate = ?,
			verdict = ?, result_course_id = ?, dead_letter_id = ?, updated_at = ?
		WHERE id = ? AND state = ?`),
		string(job.State), job.DetectedMIME, job.ContentHash, job.SpoolPath,
		string(stageJSON), job.StatusMessage, job.FailureClass,
		job.Attempts, job.NextAttemptAt.UnixMilli(), decisionPtrString(job.Decision),
		candJSON, verdictJSON, uuidPtrString(job.ResultCourseID),
		uuidPtrString(job.DeadLetterID), job.UpdatedAt.UnixMilli(),
		job.ID.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrStaleState
	}
	return nil
}

// RequestCancel flags a non-terminal job for cooperative cancellation. The
// orchestrator honors the flag at the next stage boundary.
func (r *JobStore) RequestCancel(ctx context.Context, owner, id uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE ingest_jobs SET cancel_requested = TRUE, updated_at = ?
		WHERE id = ? AND owner_id = ? AND state NOT IN (?, ?, ?, ?)`),
		now.UnixMilli(), id.String(), owner.String(),
		string(constants.JobStateSucceeded), string(constants.JobStateFailed),
		string(constants.JobStateDeadLettered), string(constants.JobStateCancelled),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either not ours or already terminal; tell them apart for the caller.
		if _, gerr := r.GetForOwner(ctx, owner, id); gerr != nil {
			return gerr
		}
		return common.ErrStaleState
	}
	return nil
}

// SetDecision records the caller's choice on a paused job and moves it to
// COMMITTING in one step.
func (r *JobStore) SetDecision(ctx context.Context, owner, id uuid.UUID, d constants.Decision, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE ingest_jobs SET decision = ?, state = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND state = ?`),
		string(d), string(constants.JobStateCommitting), now.UnixMilli(),
		id.String(), owner.String(), string(constants.JobStateAwaitDecision),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := r.GetForOwner(ctx, owner, id); gerr != nil {
			return gerr
		}
		return common.ErrStaleState
	}
	return nil
}

// ListDue returns jobs whose next attempt time has passed and that are
// neither terminal nor waiting on a user. Used by the retry ticker and by
// crash recovery at startup.
func (r *JobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*entity.IngestJob, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT `+jobColumns+` FROM ingest_jobs
		WHERE state NOT IN (?, ?, ?, ?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`),
		string(constants.JobStateSucceeded), string(constants.JobStateFailed),
		string(constants.JobStateDeadLettered), string(constants.JobStateCancelled),
		string(constants.JobStateAwaitDecision),
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*entity.IngestJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteExpired removes terminal jobs past their retention window and
// returns their spool paths so the caller can remove the files.
func (r *JobStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, spool_path FROM ingest_jobs
		WHERE expires_at <= ? AND state IN (?, ?, ?, ?)`),
		now.UnixMilli(),
		string(constants.JobStateSucceeded), string(constants.JobStateFailed),
		string(constants.JobStateDeadLettered), string(constants.JobStateCancelled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids, paths []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		if path != "" {
			paths = append(paths, path)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx,
			r.rebind(`DELETE FROM ingest_jobs WHERE id = ?`), id); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.IngestJob, error) {
	var (
		job                                     entity.IngestJob
		id, owner, state                        string
		stageJSON                               string
		decision, cand, verdict                 sql.NullString
		resultID, dlID, retryOf                 sql.NullString
		nextAt, createdAt, updatedAt, expiresAt int64
	)
	err := row.Scan(&id, &owner, &state, &job.Filename, &job.DeclaredMIME,
		&job.DetectedMIME, &job.ContentHash, &job.SpoolPath, &job.FileSize,
		&stageJSON, &job.StatusMessage, &job.FailureClass, &job.Attempts,
		&nextAt, &job.CancelRequested, &decision, &cand, &verdict,
		&resultID, &dlID, &retryOf, &createdAt, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if job.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, err
	}
	job.State = constants.JobState(state)
	if err := json.Unmarshal([]byte(stageJSON), &job.StageProgress); err != nil {
		return nil, fmt.Errorf("decode stage progress: %w", err)
	}
	if decision.Valid {
		d := constants.Decision(decision.String)
		job.Decision = &d
	}
	if cand.Valid {
		job.Candidate = &entity.CandidateCourse{}
		if err := json.Unmarshal([]byte(cand.String), job.Candidate); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
	}
	if verdict.Valid {
		job.Verdict = &entity.SimilarityVerdict{}
		if err := json.Unmarshal([]byte(verdict.String), job.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
	}
	if job.ResultCourseID, err = parseUUIDPtr(resultID); err != nil {
		return nil, err
	}
	if job.DeadLetterID, err = parseUUIDPtr(dlID); err != nil {
		return nil, err
	}
	if job.RetryOf, err = parseUUIDPtr(retryOf); err != nil {
		return nil, err
	}
	job.NextAttemptAt = time.UnixMilli(nextAt).UTC()
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	job.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &job, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *entity.CandidateCourse:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *entity.SimilarityVerdict:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func uuidPtrString(u *uuid.UUID) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: u.String(), Valid: true}
}

func decisionPtrString(d *constants.Decision) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*d), Valid: true}
}

func parseUUIDPtr(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	u, err := uuid.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
