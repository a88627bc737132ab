package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// DeadLetterStore persists terminal-failure records.
type DeadLetterStore struct {
	*Store
}

func NewDeadLetterStore(s *Store) *DeadLetterStore { return &DeadLetterStore{Store: s} }

const deadLetterColumns = `id, job_id, owner_id, failure_stage, error_class,
	error_detail, filename, declared_mime, payload_cipher, payload_nonce,
	spool_pointer, retry_count, max_retries, created_at, expires_at`

func (r *DeadLetterStore) Insert(ctx context.Context, e *entity.DeadLetterEntry) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID.String(), e.JobID.String(), e.OwnerID.String(), e.FailureStage,
		e.ErrorClass, e.ErrorDetail, e.Filename, e.DeclaredMIME,
		e.PayloadCipher, e.PayloadNonce, e.SpoolPointer,
		e.RetryCount, e.MaxRetries, e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterStore) GetForOwner(ctx context.Context, owner, id uuid.UUID) (*entity.DeadLetterEntry, error) {
	row := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ? AND owner_id = ?`),
		id.String(), owner.String())
	return scanDeadLetter(row)
}

func (r *DeadLetterStore) ListByOwner(ctx context.Context, owner uuid.UUID) ([]*entity.DeadLetterEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT `+deadLetterColumns+` FROM dead_letters
		WHERE owner_id = ? ORDER BY created_at DESC`), owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRetried bumps the retry counter, refusing once the ceiling is reached.
func (r *DeadLetterStore) MarkRetried(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE dead_letters SET retry_count = retry_count + 1
		WHERE id = ? AND retry_count < max_retries`), id.String())
	if err != nil {
		return err
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

// SweepExpired returns expired entries and deletes each one only if its
// expiry is unchanged, so a concurrent extension is never lost.
func (r *DeadLetterStore) SweepExpired(ctx context.Context, now time.Time) ([]*entity.DeadLetterEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT `+deadLetterColumns+` FROM dead_letters WHERE expires_at <= ?`),
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*entity.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var removed []*entity.DeadLetterEntry
	for _, e := range candidates {
		res, err := r.db.ExecContext(ctx, r.rebind(`
			DELETE FROM dead_letters WHERE id = ? AND expires_at = ?`),
			e.ID.String(), e.ExpiresAt.UnixMilli())
		if err != nil {
			return removed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed = append(removed, e)
		}
	}
	return removed, nil
}

func scanDeadLetter(row rowScanner) (*entity.DeadLetterEntry, error) {
	var (
		e                    entity.DeadLetterEntry
		id, jobID, owner     string
		createdAt, expiresAt int64
	)
	err := row.Scan(&id, &jobID, &owner, &e.FailureStage, &e.ErrorClass,
		&e.ErrorDetail, &e.Filename, &e.DeclaredMIME, &e.PayloadCipher,
		&e.PayloadNonce, &e.SpoolPointer, &e.RetryCount, &e.MaxRetries,
		&createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if e.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, err
	}
	if e.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &e, nil
}
