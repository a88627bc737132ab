package courses

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
	"github.com/coursecal/syllabus-ingest/internal/repository"
)

// Service turns confirmed candidates into persisted courses. It is the only
// writer of the courses tables; the pipeline treats Commit as all-or-nothing.
type Service struct {
	repo *repository.CourseStore
	log  *slog.Logger
}

func NewService(repo *repository.CourseStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, log: logger}
}

// Commit persists the candidate according to the decision and returns the
// resulting course id. update-existing requires a target course belonging to
// the owner.
func (s *Service) Commit(ctx context.Context, owner uuid.UUID, cand *entity.CandidateCourse, decision constants.Decision, target *uuid.UUID) (uuid.UUID, error) {
	start := time.Now()
	switch decision {
	case constants.DecisionCreateNew:
		id, err := s.create(ctx, owner, cand)
		if err != nil {
			return uuid.Nil, err
		}
		s.log.Info("courses.commit.ok", "decision", decision, "course_id", id,
			"events", len(cand.Events), "elapsed_ms", time.Since(start).Milliseconds())
		return id, nil

	case constants.DecisionUpdateExisting:
		if target == nil {
			return uuid.Nil, common.Rejection("COMMIT_NO_TARGET",
				"update-existing requires a matched course")
		}
		if err := s.update(ctx, owner, *target, cand); err != nil {
			return uuid.Nil, err
		}
		s.log.Info("courses.commit.ok", "decision", decision, "course_id", *target,
			"events", len(cand.Events), "elapsed_ms", time.Since(start).Milliseconds())
		return *target, nil

	default:
		return uuid.Nil, common.Rejection("COMMIT_BAD_DECISION",
			"unsupported commit decision")
	}
}

func (s *Service) create(ctx context.Context, owner uuid.UUID, cand *entity.CandidateCourse) (uuid.UUID, error) {
	now := time.Now().UTC()
	course := &entity.Course{
		ID:        uuid.New(),
		OwnerID:   owner,
		Title:     cand.Title,
		Term:      cand.Term,
		Code:      cand.Code,
		CreatedAt: now,
		UpdatedAt: now,
	}
	course.Events = buildEvents(course.ID, cand.Events, now)
	if err := s.repo.Create(ctx, course); err != nil {
		return uuid.Nil, err
	}
	return course.ID, nil
}

func (s *Service) update(ctx context.Context, owner, id uuid.UUID, cand *entity.CandidateCourse) error {
	existing, err := s.repo.GetForOwner(ctx, owner, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	existing.Title = cand.Title
	if cand.Term != "" {
		existing.Term = cand.Term
	}
	if cand.Code != "" {
		existing.Code = cand.Code
	}
	existing.UpdatedAt = now
	existing.Events = buildEvents(existing.ID, cand.Events, now)
	return s.repo.Update(ctx, existing)
}

func buildEvents(courseID uuid.UUID, cand []entity.CandidateEvent, now time.Time) []entity.CourseEvent {
	events := make([]entity.CourseEvent, 0, len(cand))
	for _, ce := range cand {
		events = append(events, entity.CourseEvent{
			ID:          uuid.New(),
			CourseID:    courseID,
			Title:       ce.Title,
			Category:    ce.Category,
			StartsAt:    ce.StartsAt,
			EndsAt:      ce.EndsAt,
			Location:    ce.Location,
			Description: ce.Description,
			CreatedAt:   now,
		})
	}
	return events
}
