package models

import "time"

// Disposition is the recorded outcome of an attendee's session participation.
type Disposition string

const (
	DispositionPresent Disposition = "PRESENT"
	DispositionLate    Disposition = "LATE"
	DispositionAbsent  Disposition = "ABSENT"
	DispositionExcused Disposition = "EXCUSED"
)

// Valid returns true when the disposition is a supported value.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionPresent, DispositionLate, DispositionAbsent, DispositionExcused:
		return true
	default:
		return false
	}
}

// Contestable reports whether a correction request may reference a record
// with this disposition.
func (d Disposition) Contestable() bool {
	return d == DispositionLate || d == DispositionAbsent
}

// AttendanceRecord is the immutable outcome of one attendee's interaction
// with one session. Uniqueness on (session_id, attendee_id) is enforced by
// the store; the disposition is only ever mutated by the correction
// workflow's terminal approval.
type AttendanceRecord struct {
	ID             string      `db:"id" json:"id"`
	SessionID      string      `db:"session_id" json:"session_id"`
	AttendeeID     string      `db:"attendee_id" json:"attendee_id"`
	AttendeeName   string      `db:"attendee_name" json:"attendee_name"`
	CourseID       string      `db:"course_id" json:"course_id"`
	CourseName     string      `db:"course_name" json:"course_name"`
	Disposition    Disposition `db:"disposition" json:"disposition"`
	DistanceM      *float64    `db:"distance_m" json:"distance_m,omitempty"`
	TokenMatch     bool        `db:"token_match" json:"token_match"`
	BiometricMatch bool        `db:"biometric_match" json:"biometric_match"`
	SubmittedAt    time.Time   `db:"submitted_at" json:"submitted_at"`
	CorrectionID   *string     `db:"correction_id" json:"correction_id,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// RecordFilter scopes record listing queries.
type RecordFilter struct {
	SessionID   string
	AttendeeID  string
	Disposition *Disposition
	Page        int
	PageSize    int
}

// SessionRecordSummary aggregates dispositions for one session.
type SessionRecordSummary struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Excused int `json:"excused"`
	Total   int `json:"total"`
}
