package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
)

// StageProgress records one stage attempt on a job, in pipeline order.
type StageProgress struct {
	Stage      string     `json:"stage"`
	Status     string     `json:"status"` // running | ok | retrying | failed | skipped
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// IngestJob is one tracked attempt to ingest a single uploaded document.
// Mutated only by the orchestrator; other components report outcomes.
type IngestJob struct {
	ID      uuid.UUID          `json:"id"`
	OwnerID uuid.UUID          `json:"owner_id"`
	State   constants.JobState `json:"state"`

	Filename     string `json:"filename"`
	DeclaredMIME string `json:"declared_mime"`
	DetectedMIME string `json:"detected_mime,omitempty"`
	ContentHash  string `json:"content_hash"`
	SpoolPath    string `json:"-"`
	FileSize     int64  `json:"file_size"`

	StageProgress []StageProgress `json:"stage_progress"`
	StatusMessage string          `json:"status_message"`
	FailureClass  string          `json:"failure_class,omitempty"`

	// Retry/backoff state is part of the job so it survives restarts.
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`

	CancelRequested bool                `json:"cancel_requested"`
	Decision        *constants.Decision `json:"decision,omitempty"`

	Doc       *ExtractedDocument `json:"-"`
	Candidate *CandidateCourse   `json:"candidate,omitempty"`
	Verdict   *SimilarityVerdict `json:"verdict,omitempty"`

	ResultCourseID *uuid.UUID `json:"result_course_id,omitempty"`
	DeadLetterID   *uuid.UUID `json:"dead_letter_id,omitempty"`
	RetryOf        *uuid.UUID `json:"retry_of,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BeginStage appends a running progress entry for the current state.
func (j *IngestJob) BeginStage(now time.Time) {
	j.StageProgress = append(j.StageProgress, StageProgress{
		Stage:     string(j.State),
		Status:    "running",
		StartedAt: now,
	})
}

// FinishStage closes the most recent progress entry.
func (j *IngestJob) FinishStage(status, errMsg string, now time.Time) {
	if len(j.StageProgress) == 0 {
		return
	}
	p := &j.StageProgress[len(j.StageProgress)-1]
	p.Status = status
	p.Error = errMsg
	p.FinishedAt = &now
}

// ExtractedDocument is the intermediate artifact between extraction and the
// AI adapter. It lives only for the duration of the pipeline run, except when
// captured inside a dead letter entry.
type ExtractedDocument struct {
	RawByteLength int    `json:"raw_byte_length"`
	DetectedMIME  string `json:"detected_mime"`
	Strategy      string `json:"extraction_strategy_used"` // direct-text | format-native | ocr
	Text          string `json:"text"`
	Truncated     bool   `json:"truncated"`
}

// ValidatedFile is the security gate's accept result.
type ValidatedFile struct {
	SpoolPath    string
	Filename     string
	DeclaredMIME string
	DetectedMIME string
	Format       constants.FileFormat
	Size         int64
}
