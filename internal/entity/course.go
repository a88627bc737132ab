package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
)

// Course is a persisted course owned by a single user.
type Course struct {
	ID        uuid.UUID     `json:"id"`
	OwnerID   uuid.UUID     `json:"owner_id"`
	Title     string        `json:"title"`
	Term      string        `json:"term,omitempty"`
	Code      string        `json:"code,omitempty"`
	Events    []CourseEvent `json:"events,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CourseEvent is a persisted calendar-ready event belonging to a course.
type CourseEvent struct {
	ID          uuid.UUID               `json:"id"`
	CourseID    uuid.UUID               `json:"course_id"`
	Title       string                  `json:"title"`
	Category    constants.EventCategory `json:"category"`
	StartsAt    time.Time               `json:"starts_at"`
	EndsAt      *time.Time              `json:"ends_at,omitempty"`
	Location    string                  `json:"location,omitempty"`
	Description string                  `json:"description,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}
