package orchestrator

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
	"github.com/coursecal/syllabus-ingest/internal/llm"
	"github.com/coursecal/syllabus-ingest/internal/security"
)

// process drives one job as far as it can go: through every stage to a
// terminal state, or until it pauses for a user decision or a backoff
// window. Each transition is a compare-and-swap on the persisted state, so a
// concurrent writer makes this worker drop out rather than double-apply.
func (o *Orchestrator) process(id uuid.UUID) {
	ctx := context.Background()
	for {
		job, err := o.jobs.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, common.ErrNotFound) {
				o.log.Error("job.load_failed", "job_id", id, "error", err)
			}
			return
		}

		if job.State.IsTerminal() {
			o.dropArtifacts(id)
			return
		}
		if job.CancelRequested {
			o.cancelJob(ctx, job)
			return
		}
		if job.State == constants.JobStateAwaitDecision {
			// Resumed by ResolveDecision, not by workers.
			return
		}
		now := time.Now().UTC()
		if now.Before(job.NextAttemptAt) {
			// Still inside a backoff window; the retry ticker re-queues it.
			return
		}

		if job.State == constants.JobStateCreated {
			if err := o.advance(ctx, job, constants.JobStateValidating); err != nil {
				o.logStale(job, err)
				return
			}
			continue
		}

		from := job.State
		job.BeginStage(now)

		sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		next, serr := o.runStage(sctx, job)
		cancel()

		if serr != nil {
			o.fail(ctx, job, from, serr)
			return
		}

		job.FinishStage("ok", "", time.Now().UTC())
		job.Attempts = 0
		job.NextAttemptAt = time.Now().UTC()
		if err := o.advance(ctx, job, next); err != nil {
			o.logStale(job, err)
			return
		}

		switch next {
		case constants.JobStateAwaitDecision:
			return
		case constants.JobStateSucceeded, constants.JobStateFailed, constants.JobStateCancelled:
			o.finishSpool(job)
			o.dropArtifacts(id)
			return
		}
	}
}

// runStage executes the stage the job is currently in and names the state
// that follows on success.
func (o *Orchestrator) runStage(ctx context.Context, job *entity.IngestJob) (constants.JobState, error) {
	switch job.State {
	case constants.JobStateValidating:
		return constants.JobStateExtracting, o.runValidating(job)
	case constants.JobStateExtracting:
		return constants.JobStateSanitizing, o.runExtracting(ctx, job)
	case constants.JobStateSanitizing:
		return constants.JobStateAIProcessing, o.runSanitizing(ctx, job)
	case constants.JobStateAIProcessing:
		return constants.JobStateDeduping, o.runAIProcessing(ctx, job)
	case constants.JobStateDeduping:
		return o.runDeduping(ctx, job)
	case constants.JobStateCommitting:
		return constants.JobStateSucceeded, o.runCommitting(ctx, job)
	}
	return "", common.Fatal("BAD_STATE", "job is in an unprocessable state", nil)
}

func (o *Orchestrator) runValidating(job *entity.IngestJob) error {
	vf, err := o.gate.Validate(security.Input{
		SpoolPath:    job.SpoolPath,
		Filename:     job.Filename,
		DeclaredMIME: job.DeclaredMIME,
		Size:         job.FileSize,
	})
	if err != nil {
		return err
	}
	job.DetectedMIME = vf.DetectedMIME
	o.artifactsFor(job.ID).vf = vf
	return nil
}

func (o *Orchestrator) runExtracting(ctx context.Context, job *entity.IngestJob) error {
	vf, err := o.ensureValidated(job)
	if err != nil {
		return err
	}
	doc, err := o.extractor.Extract(ctx, vf)
	if err != nil {
		return err
	}
	o.artifactsFor(job.ID).doc = doc
	return nil
}

func (o *Orchestrator) runSanitizing(ctx context.Context, job *entity.IngestJob) error {
	doc, err := o.ensureDoc(ctx, job)
	if err != nil {
		return err
	}
	s := llm.Sanitize(doc.Text, o.aiCfg.MaxInputLen)
	o.artifactsFor(job.ID).sanitized = &s
	return nil
}

func (o *Orchestrator) runAIProcessing(ctx context.Context, job *entity.IngestJob) error {
	sanitized, err := o.ensureSanitized(ctx, job)
	if err != nil {
		return err
	}
	cand, _, err := o.ai.ExtractCourse(ctx, llm.ExtractRequest{
		Sanitized:    *sanitized,
		FilenameHint: job.Filename,
	})
	if err != nil {
		return err
	}
	job.Candidate = cand
	return nil
}

// runDeduping scores the candidate and decides whether to pause. Only a
// clear create-new proceeds automatically; any plausible match surfaces the
// choice to the user, even when the engine recommends update-existing.
func (o *Orchestrator) runDeduping(ctx context.Context, job *entity.IngestJob) (constants.JobState, error) {
	existing, err := o.courses.ListByOwner(ctx, job.OwnerID)
	if err != nil {
		return "", common.Transient("DEDUPE_LOOKUP", "could not load existing courses", err)
	}
	verdict := o.scorer.Score(job.Candidate, existing)
	job.Verdict = verdict

	if verdict.Recommendation == constants.RecommendCreateNew {
		d := constants.DecisionCreateNew
		job.Decision = &d
		return constants.JobStateCommitting, nil
	}
	return constants.JobStateAwaitDecision, nil
}

func (o *Orchestrator) runCommitting(ctx context.Context, job *entity.IngestJob) error {
	if job.Decision == nil {
		return common.Fatal("COMMIT_NO_DECISION", "job reached commit without a decision", nil)
	}
	if *job.Decision == constants.DecisionDiscard {
		// The user chose to keep nothing; the job still completed its work.
		job.ResultCourseID = nil
		return nil
	}
	if job.Candidate == nil {
		return common.Fatal("COMMIT_NO_CANDIDATE", "job reached commit without extracted data", nil)
	}

	var target *uuid.UUID
	if job.Verdict != nil && job.Verdict.MatchedCourseID != nil {
		t, err := uuid.Parse(*job.Verdict.MatchedCourseID)
		if err != nil {
			return common.Fatal("COMMIT_BAD_MATCH", "matched course id is malformed", err)
		}
		target = &t
	}

	courseID, err := o.committer.Commit(ctx, job.OwnerID, job.Candidate, *job.Decision, target)
	if err != nil {
		return err
	}
	job.ResultCourseID = &courseID
	return nil
}

// Artifact rebuilders. Earlier stages are pure functions of the spooled
// file, so a worker that lost its in-memory intermediates (process restart,
// retry on another worker) replays them instead of rewinding job state.

func (o *Orchestrator) ensureValidated(job *entity.IngestJob) (*entity.ValidatedFile, error) {
	a := o.artifactsFor(job.ID)
	if a.vf != nil {
		return a.vf, nil
	}
	if err := o.runValidating(job); err != nil {
		return nil, err
	}
	return a.vf, nil
}

func (o *Orchestrator) ensureDoc(ctx context.Context, job *entity.IngestJob) (*entity.ExtractedDocument, error) {
	a := o.artifactsFor(job.ID)
	if a.doc != nil {
		return a.doc, nil
	}
	if err := o.runExtracting(ctx, job); err != nil {
		return nil, err
	}
	return a.doc, nil
}

func (o *Orchestrator) ensureSanitized(ctx context.Context, job *entity.IngestJob) (*llm.SanitizedText, error) {
	a := o.artifactsFor(job.ID)
	if a.sanitized != nil {
		return a.sanitized, nil
	}
	if err := o.runSanitizing(ctx, job); err != nil {
		return nil, err
	}
	return a.sanitized, nil
}

// advance moves the job to next and persists it, guarded by the state it was
// loaded in.
func (o *Orchestrator) advance(ctx context.Context, job *entity.IngestJob, next constants.JobState) error {
	from := job.State
	job.State = next
	job.StatusMessage = next.StatusMessage()
	job.UpdatedAt = time.Now().UTC()
	return o.jobs.Save(ctx, job, from)
}

// fail applies the error taxonomy to a stage failure.
func (o *Orchestrator) fail(ctx context.Context, job *entity.IngestJob, from constants.JobState, serr error) {
	now := time.Now().UTC()
	class := common.Classify(serr)

	o.log.Warn("job.stage_failed",
		"job_id", job.ID,
		"stage", from,
		"error_class", class,
		"code", common.ErrorCode(serr),
		"attempts", job.Attempts+1,
		"error", serr,
	)

	if class == common.ClassTransient {
		job.Attempts++
		if job.Attempts < o.cfg.MaxStageAttempts {
			job.FinishStage("retrying", common.Reason(serr), now)
			job.NextAttemptAt = now.Add(o.backoff(job.Attempts))
			job.UpdatedAt = now
			if err := o.jobs.Save(ctx, job, from); err != nil {
				o.logStale(job, err)
			}
			return
		}
		// Retries exhausted; falls through to the dead letter store.
	}

	job.FinishStage("failed", common.Reason(serr), now)
	job.FailureClass = string(class)
	job.UpdatedAt = now

	if class == common.ClassRejection {
		job.State = constants.JobStateFailed
		job.StatusMessage = common.Reason(serr)
		if err := o.jobs.Save(ctx, job, from); err != nil {
			o.logStale(job, err)
			return
		}
		o.finishSpool(job)
		o.dropArtifacts(job.ID)
		return
	}

	o.deadLetter(ctx, job, from, serr)
}

// deadLetter records the failure and marks the job DEAD_LETTERED. If even
// the record cannot be written the job still terminates, as FAILED.
func (o *Orchestrator) deadLetter(ctx context.Context, job *entity.IngestJob, from constants.JobState, serr error) {
	entry, derr := o.dlq.Record(ctx, job, string(from), serr)
	if derr != nil {
		o.log.Error("job.deadletter_failed", "job_id", job.ID, "error", derr)
		job.State = constants.JobStateFailed
		job.StatusMessage = constants.JobStateFailed.StatusMessage()
	} else {
		job.DeadLetterID = &entry.ID
		job.State = constants.JobStateDeadLettered
		job.StatusMessage = constants.JobStateDeadLettered.StatusMessage()
	}
	job.UpdatedAt = time.Now().UTC()
	if err := o.jobs.Save(ctx, job, from); err != nil {
		o.logStale(job, err)
		return
	}
	o.dropArtifacts(job.ID)
}

func (o *Orchestrator) cancelJob(ctx context.Context, job *entity.IngestJob) {
	from := job.State
	now := time.Now().UTC()
	// Only close out a stage still in flight; a job parked on a user decision
	// has already finished its last stage and that record stays as-is.
	if n := len(job.StageProgress); n > 0 && job.StageProgress[n-1].FinishedAt == nil {
		job.FinishStage("skipped", "cancelled by user", now)
	}
	job.State = constants.JobStateCancelled
	job.StatusMessage = constants.JobStateCancelled.StatusMessage()
	job.UpdatedAt = now
	if err := o.jobs.Save(ctx, job, from); err != nil {
		o.logStale(job, err)
		return
	}
	o.log.Info("job.cancelled", "job_id", job.ID, "stage", from)
	o.finishSpool(job)
	o.dropArtifacts(job.ID)
}

// finishSpool removes the spooled upload for jobs that no longer need it.
// Dead-lettered jobs keep theirs; the dead letter entry may point at it.
func (o *Orchestrator) finishSpool(job *entity.IngestJob) {
	if job.SpoolPath == "" || job.State == constants.JobStateDeadLettered {
		return
	}
	if err := os.Remove(job.SpoolPath); err != nil && !os.IsNotExist(err) {
		o.log.Warn("orchestrator.spool_unlink_failed", "path", job.SpoolPath, "error", err)
	}
}

func (o *Orchestrator) logStale(job *entity.IngestJob, err error) {
	if errors.Is(err, common.ErrStaleState) {
		o.log.Warn("job.concurrent_update", "job_id", job.ID, "state", job.State)
		return
	}
	o.log.Error("job.save_failed", "job_id", job.ID, "error", err)
}
