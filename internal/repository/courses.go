package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coursecal/syllabus-ingest/constants"
	"github.com/coursecal/syllabus-ingest/internal/common"
	"github.com/coursecal/syllabus-ingest/internal/entity"
)

// CourseStore persists committed courses and their events. Writes that touch
// a course and its events run in one transaction.
type CourseStore struct {
	*Store
}

func NewCourseStore(s *Store) *CourseStore { return &CourseStore{Store: s} }

// ListByOwner returns the owner's courses with events attached, for the
// duplicate detector.
func (r *CourseStore) ListByOwner(ctx context.Context, owner uuid.UUID) ([]entity.Course, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, owner_id, title, term, code, created_at, updated_at
		FROM courses WHERE owner_id = ? ORDER BY created_at`), owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []entity.Course
	byID := map[uuid.UUID]int{}
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = len(courses)
		courses = append(courses, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(courses) == 0 {
		return nil, nil
	}

	evRows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT e.id, e.course_id, e.title, e.category, e.starts_at, e.ends_at,
			e.location, e.description, e.created_at
		FROM course_events e
		JOIN courses c ON c.id = e.course_id
		WHERE c.owner_id = ?
		ORDER BY e.starts_at`), owner.String())
	if err != nil {
		return nil, err
	}
	defer evRows.Close()

	for evRows.Next() {
		ev, err := scanCourseEvent(evRows)
		if err != nil {
			return nil, err
		}
		if i, ok := byID[ev.CourseID]; ok {
			courses[i].Events = append(courses[i].Events, *ev)
		}
	}
	return courses, evRows.Err()
}

func (r *CourseStore) GetForOwner(ctx context.Context, owner, id uuid.UUID) (*entity.Course, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT id, owner_id, title, term, code, created_at, updated_at
		FROM courses WHERE id = ? AND owner_id = ?`), id.String(), owner.String())
	course, err := scanCourse(row)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, course_id, title, category, starts_at, ends_at, location,
			description, created_at
		FROM course_events WHERE course_id = ? ORDER BY starts_at`), id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		ev, err := scanCourseEvent(rows)
		if err != nil {
			return nil, err
		}
		course.Events = append(course.Events, *ev)
	}
	return course, rows.Err()
}

// Create inserts a course and all of its events atomically.
func (r *CourseStore) Create(ctx context.Context, course *entity.Course) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO courses (id, owner_id, title, term, code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		course.ID.String(), course.OwnerID.String(), course.Title, course.Term,
		course.Code, course.CreatedAt.UnixMilli(), course.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert course: %w", err)
	}
	if err := insertEvents(ctx, tx, r.Store, course.Events); err != nil {
		return err
	}
	return tx.Commit()
}

// Update rewrites the course fields and replaces its event set atomically.
// Events carry no external identity, so replacement is simpler and no less
// correct than diffing.
func (r *CourseStore) Update(ctx context.Context, course *entity.Course) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(`
		UPDATE courses SET title = ?, term = ?, code = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?`),
		course.Title, course.Term, course.Code, course.UpdatedAt.UnixMilli(),
		course.ID.String(), course.OwnerID.String())
	if err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		r.rebind(`DELETE FROM course_events WHERE course_id = ?`),
		course.ID.String()); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, r.Store, course.Events); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvents(ctx context.Context, tx *sql.Tx, s *Store, events []entity.CourseEvent) error {
	for i := range events {
		ev := &events[i]
		var endsAt sql.NullInt64
		if ev.EndsAt != nil {
			endsAt = sql.NullInt64{Int64: ev.EndsAt.UnixMilli(), Valid: true}
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO course_events (id, course_id, title, category, starts_at,
				ends_at, location, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.ID.String(), ev.CourseID.String(), ev.Title, string(ev.Category),
			ev.StartsAt.UnixMilli(), endsAt, ev.Location, ev.Description,
			ev.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

func scanCourse(row rowScanner) (*entity.Course, error) {
	var (
		c                    entity.Course
		id, owner            string
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &owner, &c.Title, &c.Term, &c.Code, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan course: %w", err)
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if c.OwnerID, err = uuid.Parse(owner); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &c, nil
}

func scanCourseEvent(row rowScanner) (*entity.CourseEvent, error) {
	var (
		ev                  entity.CourseEvent
		id, courseID, cat   string
		startsAt, createdAt int64
		endsAt              sql.NullInt64
	)
	err := row.Scan(&id, &courseID, &ev.Title, &cat, &startsAt, &endsAt,
		&ev.Location, &ev.Description, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if ev.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if ev.CourseID, err = uuid.Parse(courseID); err != nil {
		return nil, err
	}
	ev.Category = constants.EventCategory(cat)
	ev.StartsAt = time.UnixMilli(startsAt).UTC()
	if endsAt.Valid {
		t := time.UnixMilli(endsAt.Int64).UTC()
		ev.EndsAt = &t
	}
	ev.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &ev, nil
}
