package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/deadletter"
	"github.com/coursecal/syllabus-ingest/internal/entity"
	"github.com/coursecal/syllabus-ingest/internal/llm"
	"github.com/coursecal/syllabus-ingest/internal/repository"
	"github.com/coursecal/syllabus-ingest/internal/security"
)

// Pipeline component interfaces, narrowed to exactly what the orchestrator
// calls so tests can substitute fakes.
type (
	// FileValidator is the security gate.
	FileValidator interface {
		Validate(in security.Input) (*entity.ValidatedFile, error)
	}
	// TextExtractor turns a validated file into document text.
	TextExtractor interface {
		Extract(ctx context.Context, vf *entity.ValidatedFile) (*entity.ExtractedDocument, error)
	}
	// DuplicateScorer compares a candidate against existing courses.
	DuplicateScorer interface {
		Score(cand *entity.CandidateCourse, existing []entity.Course) *entity.SimilarityVerdict
	}
	// CourseCommitter persists a confirmed candidate.
	CourseCommitter interface {
		Commit(ctx context.Context, owner uuid.UUID, cand *entity.CandidateCourse, decision constants.Decision, target *uuid.UUID) (uuid.UUID, error)
	}
)

// artifacts are the in-memory intermediates of one pipeline run. They are
// rebuildable from the spooled file, so losing them on restart costs a replay
// of the earlier stages, never a stuck job.
type artifacts struct {
	vf        *entity.ValidatedFile
	doc       *entity.ExtractedDocument
	sanitized *llm.SanitizedText
}

// Orchestrator owns the job state machine. It is the only component that
// writes ingest_jobs rows after creation.
type Orchestrator struct {
	cfg     common.JobsConfig
	spool   common.SpoolConfig
	aiCfg   common.AIConfig
	maxSize int64

	jobs    *repository.JobStore
	courses *repository.CourseStore

	gate      FileValidator
	extractor TextExtractor
	ai        llm.CourseExtractor
	scorer    DuplicateScorer
	committer CourseCommitter
	dlq       *deadletter.Store

	queue *jobQueue
	log   *slog.Logger

	mu   sync.Mutex
	work map[uuid.UUID]*artifacts

	stop     chan struct{}
	stopOnce sync.Once
	tickers  sync.WaitGroup
}

type Deps struct {
	Jobs      *repository.JobStore
	Courses   *repository.CourseStore
	Gate      FileValidator
	Extractor TextExtractor
	AI        llm.CourseExtractor
	Scorer    DuplicateScorer
	Committer CourseCommitter
	DLQ       *deadletter.Store
}

func New(cfg common.JobsConfig, spool common.SpoolConfig, aiCfg common.AIConfig, maxUploadBytes int64, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:       cfg,
		spool:     spool,
		aiCfg:     aiCfg,
		maxSize:   maxUploadBytes,
		jobs:      deps.Jobs,
		courses:   deps.Courses,
		gate:      deps.Gate,
		extractor: deps.Extractor,
		ai:        deps.AI,
		scorer:    deps.Scorer,
		committer: deps.Committer,
		dlq:       deps.DLQ,
		log:       logger,
		work:      make(map[uuid.UUID]*artifacts),
		stop:      make(chan struct{}),
	}
	o.queue = newJobQueue(o.process, logger, cfg.Workers, cfg.QueueSize)
	return o
}

// Start recovers jobs left mid-pipeline by a previous process and launches
// the retry and retention tickers.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.enqueueDue(ctx); err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}

	o.tickers.Add(2)
	go o.retryLoop()
	go o.retentionLoop()
	return nil
}

func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.stopOnce.Do(func() { close(o.stop) })
	o.tickers.Wait()
	o.queue.Shutdown(ctx)
}

func (o *Orchestrator) retryLoop() {
	defer o.tickers.Done()
	t := time.NewTicker(o.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-t.C:
			if err := o.enqueueDue(context.Background()); err != nil {
				o.log.Error("orchestrator.retry_scan_failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) retentionLoop() {
	defer o.tickers.Done()
	// Retention is coarse; an hourly sweep is plenty.
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-t.C:
			o.sweep(context.Background())
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	paths, err := o.jobs.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		o.log.Error("orchestrator.job_sweep_failed", "error", err)
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			o.log.Warn("orchestrator.spool_unlink_failed", "path", p, "error", err)
		}
	}
	if _, err := o.dlq.SweepExpired(ctx, time.Now().UTC()); err != nil {
		o.log.Error("orchestrator.deadletter_sweep_failed", "error", err)
	}
}

func (o *Orchestrator) enqueueDue(ctx context.Context) error {
	due, err := o.jobs.ListDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		return err
	}
	for _, job := range due {
		o.queue.Enqueue(job.ID)
	}
	return nil
}

// Submit spools the upload, creates the job under the owner's quota and rate
// limit, and queues it. The returned job is in CREATED state; all further
// progress is observed through GetStatus.
func (o *Orchestrator) Submit(ctx context.Context, owner uuid.UUID, filename, declaredMIME string, r io.Reader) (*entity.IngestJob, error) {
	return o.submit(ctx, owner, filename, declaredMIME, r, nil)
}

func (o *Orchestrator) submit(ctx context.Context, owner uuid.UUID, filename, declaredMIME string, r io.Reader, retryOf *uuid.UUID) (*entity.IngestJob, error) {
	id := uuid.New()
	spoolPath, hash, size, err := o.spoolUpload(id, r)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &entity.IngestJob{
		ID:            id,
		OwnerID:       owner,
		State:         constants.JobStateCreated,
		Filename:      filepath.Base(filename),
		DeclaredMIME:  declaredMIME,
		ContentHash:   hash,
		SpoolPath:     spoolPath,
		FileSize:      size,
		StatusMessage: constants.JobStateCreated.StatusMessage(),
		NextAttemptAt: now,
		RetryOf:       retryOf,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(o.cfg.JobRetention),
	}

	if err := o.jobs.Create(ctx, job, o.cfg.OwnerQuota, o.cfg.RateLimit, o.cfg.RateWindow); err != nil {
		if rerr := os.Remove(spoolPath); rerr != nil && !os.IsNotExist(rerr) {
			o.log.Warn("orchestrator.spool_unlink_failed", "path", spoolPath, "error", rerr)
		}
		return nil, err
	}

	o.log.Info("job.submitted",
		"job_id", job.ID, "owner_id", owner,
		"filename", job.Filename, "size", size, "retry_of", retryOf != nil)
	o.queue.Enqueue(job.ID)
	return job, nil
}

// spoolUpload streams the body to disk, hashing as it goes and refusing
// anything over the global ceiling before the pipeline ever sees it.
func (o *Orchestrator) spoolUpload(id uuid.UUID, r io.Reader) (path, hash string, size int64, err error) {
	if err := os.MkdirAll(o.spool.Dir, 0o750); err != nil {
		return "", "", 0, err
	}
	path = filepath.Join(o.spool.Dir, id.String())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", "", 0, err
	}

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(f, h), io.LimitReader(r, o.maxSize+1))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", "", 0, fmt.Errorf("spool upload: %w", err)
	}
	if size > o.maxSize {
		os.Remove(path)
		return "", "", 0, common.Rejection("FILE_TOO_LARGE",
			fmt.Sprintf("file exceeds the %d byte upload limit", o.maxSize))
	}
	return path, hex.EncodeToString(h.Sum(nil)), size, nil
}

// GetStatus returns the owner's view of a job.
func (o *Orchestrator) GetStatus(ctx context.Context, owner, id uuid.UUID) (*entity.IngestJob, error) {
	return o.jobs.GetForOwner(ctx, owner, id)
}

// Cancel requests cooperative cancellation. A job already past its last
// stage boundary finishes that stage; the flag is honored at the next one.
func (o *Orchestrator) Cancel(ctx context.Context, owner, id uuid.UUID) error {
	if err := o.jobs.RequestCancel(ctx, owner, id, time.Now().UTC()); err != nil {
		return err
	}
	o.log.Info("job.cancel_requested", "job_id", id, "owner_id", owner)
	o.queue.Enqueue(id)
	return nil
}

// ResolveDecision answers a job paused in AWAITING_USER_DECISION and resumes
// it.
func (o *Orchestrator) ResolveDecision(ctx context.Context, owner, id uuid.UUID, d constants.Decision) error {
	if !constants.ValidDecision(d) {
		return common.Rejection("BAD_DECISION",
			fmt.Sprintf("decision must be one of create-new, update-existing, discard; got %q", d))
	}
	if err := o.jobs.SetDecision(ctx, owner, id, d, time.Now().UTC()); err != nil {
		return err
	}
	o.log.Info("job.decision", "job_id", id, "owner_id", owner, "decision", d)
	o.queue.Enqueue(id)
	return nil
}

// RetryDeadLetter replays a dead-lettered upload as a brand new job linked
// to the old one. The entry's retry credit is consumed first so a re-upload
// race cannot exceed the ceiling.
func (o *Orchestrator) RetryDeadLetter(ctx context.Context, owner, entryID uuid.UUID) (*entity.IngestJob, error) {
	entry, payload, err := o.dlq.OpenPayload(ctx, owner, entryID)
	if err != nil {
		return nil, err
	}
	if err := o.dlq.MarkRetried(ctx, entryID); err != nil {
		return nil, err
	}
	job, err := o.submit(ctx, owner, entry.Filename, entry.DeclaredMIME,
		bytes.NewReader(payload), &entry.JobID)
	if err != nil {
		return nil, err
	}
	o.log.Info("deadletter.retried", "entry_id", entryID, "new_job_id", job.ID)
	return job, nil
}

// backoff returns the delay before retry attempt n (1-based), doubling from
// the base up to the cap.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	if d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return d
}

func (o *Orchestrator) artifactsFor(id uuid.UUID) *artifacts {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.work[id]
	if !ok {
		a = &artifacts{}
		o.work[id] = a
	}
	return a
}

func (o *Orchestrator) dropArtifacts(id uuid.UUID) {
	o.mu.Lock()
	delete(o.work, id)
	o.mu.Unlock()
}
