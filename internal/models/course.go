package models

import "time"

// Course is the course-directory entry consumed by the session lifecycle.
// Anchor fields are nullable; a course without an anchor produces sessions
// without a geofence unless the creator supplies one explicitly.
type Course struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	TeacherID        string    `db:"teacher_id" json:"teacher_id"`
	AnchorLat        *float64  `db:"anchor_lat" json:"anchor_lat,omitempty"`
	AnchorLng        *float64  `db:"anchor_lng" json:"anchor_lng,omitempty"`
	AnchorRadiusM    *float64  `db:"anchor_radius_m" json:"anchor_radius_m,omitempty"`
	ExpectedStudents int       `db:"expected_students" json:"expected_students"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// CourseMember is one attendee on a course roster.
type CourseMember struct {
	CourseID    string `db:"course_id" json:"course_id"`
	StudentID   string `db:"student_id" json:"student_id"`
	StudentName string `db:"student_name" json:"student_name"`
}
