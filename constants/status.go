package constants

// JobState is the canonical state for rows in ingest_jobs.
type JobState string

// Stable values (store these exact strings in DB).
const (
	JobStateCreated       JobState = "CREATED"
	JobStateValidating    JobState = "VALIDATING"
	JobStateExtracting    JobState = "EXTRACTING"
	JobStateSanitizing    JobState = "SANITIZING"
	JobStateAIProcessing  JobState = "AI_PROCESSING"
	JobStateDeduping      JobState = "DEDUPING"
	JobStateAwaitDecision JobState = "AWAITING_USER_DECISION"
	JobStateCommitting    JobState = "COMMITTING"
	JobStateSucceeded     JobState = "SUCCEEDED"
	JobStateFailed        JobState = "FAILED"
	JobStateDeadLettered  JobState = "DEAD_LETTERED"
	JobStateCancelled     JobState = "CANCELLED"
)

// PipelineOrder is the forward path of the state machine. A job only ever
// moves rightwards through this list, or to a terminal state.
var PipelineOrder = []JobState{
	JobStateCreated,
	JobStateValidating,
	JobStateExtracting,
	JobStateSanitizing,
	JobStateAIProcessing,
	JobStateDeduping,
	JobStateAwaitDecision,
	JobStateCommitting,
	JobStateSucceeded,
}

// IsTerminal reports whether s admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateDeadLettered, JobStateCancelled:
		return true
	}
	return false
}

// StatusMessage is the human-readable progress line returned by status polls.
func (s JobState) StatusMessage() string {
	switch s {
	case JobStateCreated:
		return "queued for processing"
	case JobStateValidating:
		return "checking the uploaded file"
	case JobStateExtracting:
		return "reading text from the document"
	case JobStateSanitizing:
		return "preparing text for extraction"
	case JobStateAIProcessing:
		return "extracting course and events"
	case JobStateDeduping:
		return "comparing against your existing courses"
	case JobStateAwaitDecision:
		return "waiting for you to choose how to save this course"
	case JobStateCommitting:
		return "saving the course"
	case JobStateSucceeded:
		return "done"
	case JobStateFailed:
		return "failed"
	case JobStateDeadLettered:
		return "failed; our team has the details"
	case JobStateCancelled:
		return "cancelled"
	}
	return string(s)
}

// Decision is the caller's answer to an AWAITING_USER_DECISION job.
type Decision string

const (
	DecisionCreateNew      Decision = "create-new"
	DecisionUpdateExisting Decision = "update-existing"
	DecisionDiscard        Decision = "discard"
)

// ValidDecision reports whether d is one of the accepted decision values.
func ValidDecision(d Decision) bool {
	switch d {
	case DecisionCreateNew, DecisionUpdateExisting, DecisionDiscard:
		return true
	}
	return false
}

// Recommendation is the advisory output of duplicate detection.
type Recommendation string

const (
	RecommendCreateNew      Recommendation = "create-new"
	RecommendUpdateExisting Recommendation = "update-existing"
	RecommendAskUser        Recommendation = "ask-user"
)
