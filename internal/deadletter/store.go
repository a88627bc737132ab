package deadletter

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
	"github.com/coursecal/syllabus-ingest/internal/repository"
)

// Error detail recorded with an entry is capped so one failure cannot bloat
// the table.
const maxDetailBytes = 2048

// Store records terminally failed jobs. Small uploads are kept encrypted in
// the row so a retry needs no re-upload; larger ones are referenced by spool
// pointer and become unretryable once the pointer is swept.
type Store struct {
	cfg      common.DLQConfig
	repo     *repository.DeadLetterStore
	spoolDir string
	log      *slog.Logger
}

func NewStore(cfg common.DLQConfig, repo *repository.DeadLetterStore, spoolDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, repo: repo, spoolDir: spoolDir, log: logger}
}

// Record captures a failed job as a dead letter entry and returns it. The
// entry holds a one-way reference to the job; the caller links the entry id
// back onto the job row afterwards.
func (s *Store) Record(ctx context.Context, job *entity.IngestJob, stage string, cause error) (*entity.DeadLetterEntry, error) {
	now := time.Now().UTC()
	entry := &entity.DeadLetterEntry{
		ID:           uuid.New(),
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		FailureStage: stage,
		ErrorClass:   string(common.Classify(cause)),
		ErrorDetail:  truncateDetail(cause.Error()),
		Filename:     job.Filename,
		DeclaredMIME: job.DeclaredMIME,
		MaxRetries:   s.cfg.MaxRetries,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.Retention),
	}

	if err := s.capturePayload(job, entry); err != nil {
		// Payload retention is best effort; the failure record still lands.
		s.log.Warn("deadletter.payload_capture_failed",
			"job_id", job.ID, "error", err)
		entry.SpoolPointer = job.SpoolPath
	}

	if err := s.repo.Insert(ctx, entry); err != nil {
		return nil, err
	}
	s.log.Info("deadletter.recorded",
		"entry_id", entry.ID,
		"job_id", job.ID,
		"failure_stage", stage,
		"error_class", entry.ErrorClass,
		"inline_payload", len(entry.PayloadCipher) > 0,
	)
	return entry, nil
}

func (s *Store) capturePayload(job *entity.IngestJob, entry *entity.DeadLetterEntry) error {
	if job.SpoolPath == "" {
		return nil
	}
	if len(s.cfg.EncryptionKey) != chacha20poly1305.KeySize || job.FileSize > s.cfg.MaxInlinePayload {
		entry.SpoolPointer = job.SpoolPath
		return nil
	}

	plain, err := os.ReadFile(job.SpoolPath)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(s.cfg.EncryptionKey)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	entry.PayloadNonce = nonce
	entry.PayloadCipher = aead.Seal(nil, nonce, plain, entry.JobID[:])
	return nil
}

// OpenPayload returns the original upload bytes for a retry. Inline payloads
// are decrypted; pointer-only entries are read from the spool and fail with a
// rejection once the file is gone.
func (s *Store) OpenPayload(ctx context.Context, owner, id uuid.UUID) (*entity.DeadLetterEntry, []byte, error) {
	entry, err := s.repo.GetForOwner(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}

	if len(entry.PayloadCipher) > 0 {
		aead, err := chacha20poly1305.NewX(s.cfg.EncryptionKey)
		if err != nil {
			return nil, nil, err
		}
		plain, err := aead.Open(nil, entry.PayloadNonce, entry.PayloadCipher, entry.JobID[:])
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt dead letter payload: %w", err)
		}
		return entry, plain, nil
	}

	if entry.SpoolPointer == "" {
		return nil, nil, common.Rejection("DLQ_PAYLOAD_GONE",
			"the original upload is no longer retained; please re-upload the file")
	}
	plain, err := os.ReadFile(entry.SpoolPointer)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, common.Rejection("DLQ_PAYLOAD_GONE",
				"the original upload is no longer retained; please re-upload the file")
		}
		return nil, nil, err
	}
	return entry, plain, nil
}

// MarkRetried consumes one retry credit on the entry.
func (s *Store) MarkRetried(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.MarkRetried(ctx, id); err != nil {
		if errors.Is(err, common.ErrStaleState) {
			return common.Rejection("DLQ_RETRIES_EXHAUSTED",
				"this failure has already been retried the maximum number of times")
		}
		return err
	}
	return nil
}

// SweepExpired deletes entries past retention and removes their spooled
// payload files. Returns the number of entries removed.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.repo.SweepExpired(ctx, now)
	for _, e := range removed {
		if e.SpoolPointer == "" {
			continue
		}
		if !s.inSpool(e.SpoolPointer) {
			s.log.Warn("deadletter.sweep.pointer_outside_spool",
				"entry_id", e.ID, "pointer", e.SpoolPointer)
			continue
		}
		if rerr := os.Remove(e.SpoolPointer); rerr != nil && !os.IsNotExist(rerr) {
			s.log.Warn("deadletter.sweep.unlink_failed",
				"entry_id", e.ID, "error", rerr)
		}
	}
	if len(removed) > 0 {
		s.log.Info("deadletter.sweep.ok", "removed", len(removed))
	}
	return len(removed), err
}

func (s *Store) inSpool(path string) bool {
	rel, err := filepath.Rel(s.spoolDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func truncateDetail(detail string) string {
	if len(detail) <= maxDetailBytes {
		return detail
	}
	cut := detail[:maxDetailBytes]
	if i := bytes.LastIndexByte([]byte(cut), ' '); i > maxDetailBytes/2 {
		cut = cut[:i]
	}
	return cut + "...(truncated)"
}
