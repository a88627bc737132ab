package entity

import (
	"time"

	"github.com/coursecal/syllabus-ingest/constants"
)

// CandidateEvent is one structured event extracted from a syllabus, pending
// duplicate check and user confirmation.
type CandidateEvent struct {
	Title       string                  `json:"title"`
	Category    constants.EventCategory `json:"category"`
	StartsAt    time.Time               `json:"starts_at"`
	EndsAt      *time.Time              `json:"ends_at,omitempty"`
	Location    string                  `json:"location,omitempty"`
	Description string                  `json:"description,omitempty"`
}

// CandidateCourse is the AI adapter's validated, normalized output.
type CandidateCourse struct {
	Title  string           `json:"title"`
	Term   string           `json:"term,omitempty"`
	Code   string           `json:"code,omitempty"`
	Events []CandidateEvent `json:"events"`

	// Warnings records events coerced or dropped during normalization.
	Warnings []string `json:"warnings,omitempty"`
}

// SimilarityVerdict is the duplicate detector's advisory output. Computed per
// job, never persisted on its own.
type SimilarityVerdict struct {
	Score           float64                  `json:"score"`
	MatchedCourseID *string                  `json:"matched_course_id,omitempty"`
	FieldScores     FieldScores              `json:"field_scores"`
	Recommendation  constants.Recommendation `json:"recommendation"`

	// EventChurnAmbiguous is set when an unmatched addition pairs with a
	// similarly titled removal: likely the same event at a new time, which
	// the overlap metric cannot distinguish from an add plus a remove.
	EventChurnAmbiguous bool `json:"event_churn_ambiguous,omitempty"`
}

// FieldScores breaks the composite similarity score into its parts.
type FieldScores struct {
	Title        float64 `json:"title"`
	Term         float64 `json:"term"`
	Code         float64 `json:"code"`
	EventOverlap float64 `json:"event_overlap"`
}
