package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, common.DatabaseConfig{
		Driver: DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func newTestJob(owner uuid.UUID) *entity.IngestJob {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &entity.IngestJob{
		ID:            uuid.New(),
		OwnerID:       owner,
		State:         constants.JobStateCreated,
		Filename:      "syllabus.pdf",
		DeclaredMIME:  "application/pdf",
		ContentHash:   "abc123",
		SpoolPath:     "/tmp/spool/x",
		FileSize:      1024,
		StatusMessage: constants.JobStateCreated.StatusMessage(),
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestJobCreateAndGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()
	job := newTestJob(owner)

	require.NoError(t, jobs.Create(ctx, job, 3, 20, time.Hour))

	got, err := jobs.GetForOwner(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, constants.JobStateCreated, got.State)
	assert.Equal(t, "syllabus.pdf", got.Filename)
	assert.Equal(t, job.ContentHash, got.ContentHash)
	assert.Equal(t, job.CreatedAt, got.CreatedAt)

	// Another owner cannot see it.
	_, err = jobs.GetForOwner(ctx, uuid.New(), job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestJobSaveIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	job := newTestJob(uuid.New())
	require.NoError(t, jobs.Create(ctx, job, 3, 20, time.Hour))

	job.State = constants.JobStateValidating
	require.NoError(t, jobs.Save(ctx, job, constants.JobStateCreated))

	// A second writer holding the stale CREATED view loses.
	stale := newTestJob(job.OwnerID)
	stale.ID = job.ID
	stale.State = constants.JobStateValidating
	err := jobs.Save(ctx, stale, constants.JobStateCreated)
	assert.ErrorIs(t, err, common.ErrStaleState)
}

func TestJobSavePersistsCandidateAndVerdict(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	job := newTestJob(uuid.New())
	require.NoError(t, jobs.Create(ctx, job, 3, 20, time.Hour))

	job.State = constants.JobStateAwaitDecision
	job.Candidate = &entity.CandidateCourse{
		Title:  "Intro to Psychology",
		Events: []entity.CandidateEvent{{Title: "Midterm", StartsAt: time.Now().UTC().Truncate(time.Second)}},
	}
	matched := uuid.New().String()
	job.Verdict = &entity.SimilarityVerdict{
		Score:           0.91,
		MatchedCourseID: &matched,
		Recommendation:  constants.RecommendUpdateExisting,
	}
	require.NoError(t, jobs.Save(ctx, job, constants.JobStateCreated))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Candidate)
	assert.Equal(t, "Intro to Psychology", got.Candidate.Title)
	require.NotNil(t, got.Verdict)
	assert.Equal(t, matched, *got.Verdict.MatchedCourseID)
	assert.InDelta(t, 0.91, got.Verdict.Score, 1e-9)
}

func TestJobCreateEnforcesOwnerQuota(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()

	require.NoError(t, jobs.Create(ctx, newTestJob(owner), 1, 20, time.Hour))

	err := jobs.Create(ctx, newTestJob(owner), 1, 20, time.Hour)
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)

	// Terminal jobs free the quota slot.
	// (Other owners were never affected.)
	require.NoError(t, jobs.Create(ctx, newTestJob(uuid.New()), 1, 20, time.Hour))
}

func TestJobCreateQuotaHoldsUnderConcurrentSubmits(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()
	const quota = 2

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		refused  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := jobs.Create(ctx, newTestJob(owner), quota, 100, time.Hour)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, common.ErrQuotaExceeded):
				refused++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, quota, accepted)
	assert.Equal(t, 8-quota, refused)
}

func TestJobCreateEnforcesRateLimit(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()

	require.NoError(t, jobs.Create(ctx, newTestJob(owner), 10, 1, time.Hour))

	err := jobs.Create(ctx, newTestJob(owner), 10, 1, time.Hour)
	assert.ErrorIs(t, err, common.ErrRateLimited)
}

func TestJobSetDecisionOnlyFromAwaiting(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()
	job := newTestJob(owner)
	require.NoError(t, jobs.Create(ctx, job, 3, 20, time.Hour))

	err := jobs.SetDecision(ctx, owner, job.ID, constants.DecisionCreateNew, time.Now().UTC())
	assert.ErrorIs(t, err, common.ErrStaleState)

	job.State = constants.JobStateAwaitDecision
	require.NoError(t, jobs.Save(ctx, job, constants.JobStateCreated))

	require.NoError(t, jobs.SetDecision(ctx, owner, job.ID, constants.DecisionCreateNew, time.Now().UTC()))
	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStateCommitting, got.State)
	require.NotNil(t, got.Decision)
	assert.Equal(t, constants.DecisionCreateNew, *got.Decision)
}

func TestJobRequestCancel(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()
	job := newTestJob(owner)
	require.NoError(t, jobs.Create(ctx, job, 3, 20, time.Hour))

	require.NoError(t, jobs.RequestCancel(ctx, owner, job.ID, time.Now().UTC()))
	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	// Terminal jobs refuse cancellation.
	got.State = constants.JobStateSucceeded
	require.NoError(t, jobs.Save(ctx, got, constants.JobStateCreated))
	err = jobs.RequestCancel(ctx, owner, job.ID, time.Now().UTC())
	assert.ErrorIs(t, err, common.ErrStaleState)

	err = jobs.RequestCancel(ctx, owner, uuid.New(), time.Now().UTC())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestJobListDueSkipsWaitingAndTerminal(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()

	due := newTestJob(owner)
	require.NoError(t, jobs.Create(ctx, due, 10, 20, time.Hour))

	backedOff := newTestJob(owner)
	backedOff.NextAttemptAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, jobs.Create(ctx, backedOff, 10, 20, time.Hour))

	waiting := newTestJob(owner)
	require.NoError(t, jobs.Create(ctx, waiting, 10, 20, time.Hour))
	waiting.State = constants.JobStateAwaitDecision
	require.NoError(t, jobs.Save(ctx, waiting, constants.JobStateCreated))

	done := newTestJob(owner)
	require.NoError(t, jobs.Create(ctx, done, 10, 20, time.Hour))
	done.State = constants.JobStateSucceeded
	require.NoError(t, jobs.Save(ctx, done, constants.JobStateCreated))

	got, err := jobs.ListDue(ctx, time.Now().UTC(), 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestJobDeleteExpired(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(newTestStore(t))
	owner := uuid.New()

	old := newTestJob(owner)
	old.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, jobs.Create(ctx, old, 10, 20, time.Hour))
	old.State = constants.JobStateFailed
	require.NoError(t, jobs.Save(ctx, old, constants.JobStateCreated))

	// Expired but still running: kept.
	live := newTestJob(owner)
	live.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, jobs.Create(ctx, live, 10, 20, time.Hour))

	paths, err := jobs.DeleteExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/spool/x"}, paths)

	_, err = jobs.Get(ctx, old.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = jobs.Get(ctx, live.ID)
	assert.NoError(t, err)
}
