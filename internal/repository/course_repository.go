package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/rollcall-app/rollcall-api/internal/models"
)

// CourseRepository exposes the course directory: schedule and location
// metadata plus the expected-attendee roster.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindByID returns a course by its ID.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, name, teacher_id, anchor_lat, anchor_lng, anchor_radius_m,
        expected_students, created_at, updated_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// ListMembers returns the expected-attendee roster for a course.
func (r *CourseRepository) ListMembers(ctx context.Context, courseID string) ([]models.CourseMember, error) {
	const query = `SELECT cm.course_id, cm.student_id, u.full_name AS student_name
        FROM course_members cm
        JOIN users u ON u.id = cm.student_id
        WHERE cm.course_id = $1`
	var members []models.CourseMember
	if err := r.db.SelectContext(ctx, &members, query, courseID); err != nil {
		return nil, fmt.Errorf("list course members: %w", err)
	}
	return members, nil
}
