package models

import "time"

// SecurityMode controls which verification steps a submission must pass.
type SecurityMode string

const (
	ModeStandard     SecurityMode = "STANDARD"
	ModeHighSecurity SecurityMode = "HIGH_SECURITY"
	ModeRelaxed      SecurityMode = "RELAXED"
)

// Valid returns true when the mode is a supported value.
func (m SecurityMode) Valid() bool {
	switch m {
	case ModeStandard, ModeHighSecurity, ModeRelaxed:
		return true
	default:
		return false
	}
}

// SessionStatus is the lifecycle state of a session. Transitions only ever
// go OPEN -> CLOSED.
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "OPEN"
	SessionStatusClosed SessionStatus = "CLOSED"
)

// Session is one attendance-taking window for one course meeting.
type Session struct {
	ID           string        `db:"id" json:"id"`
	CourseID     string        `db:"course_id" json:"course_id"`
	CourseName   string        `db:"course_name" json:"course_name"`
	Mode         SecurityMode  `db:"mode" json:"mode"`
	StartTime    time.Time     `db:"start_time" json:"start_time"`
	EndTime      time.Time     `db:"end_time" json:"end_time"`
	AnchorLat    *float64      `db:"anchor_lat" json:"anchor_lat,omitempty"`
	AnchorLng    *float64      `db:"anchor_lng" json:"anchor_lng,omitempty"`
	AnchorRadius *float64      `db:"anchor_radius_m" json:"anchor_radius_m,omitempty"`
	Token        string        `db:"token" json:"token"`
	TokenSeq     int64         `db:"token_seq" json:"token_seq"`
	RotationSecs int           `db:"rotation_interval_s" json:"rotation_interval_s"`
	GraceSecs    int           `db:"auto_close_grace_s" json:"auto_close_grace_s"`
	ExpectedCnt  int           `db:"expected_count" json:"expected_count"`
	SignedCnt    int           `db:"signed_count" json:"signed_count"`
	Status       SessionStatus `db:"status" json:"status"`
	CreatedBy    string        `db:"created_by" json:"created_by"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
	ClosedAt     *time.Time    `db:"closed_at" json:"closed_at,omitempty"`
}

// HasAnchor reports whether the session enforces a geofence.
func (s *Session) HasAnchor() bool {
	return s != nil && s.AnchorLat != nil && s.AnchorLng != nil
}

// CloseCutoff is the instant past which the session auto-closes: end time
// plus the configured grace. Both the lazy read path and the background
// timer use this single rule.
func (s *Session) CloseCutoff() time.Time {
	return s.EndTime.Add(time.Duration(s.GraceSecs) * time.Second)
}

// Expired reports whether now is past the auto-close cutoff.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.CloseCutoff())
}

// SessionSnapshot is the client-facing view of a session, including the
// seconds remaining before the auto-close cutoff.
type SessionSnapshot struct {
	Session
	ExpiresIn int64 `json:"expires_in"`
}

// Snapshot derives the client view at the given instant.
func (s *Session) Snapshot(now time.Time) *SessionSnapshot {
	remaining := int64(0)
	if s.Status == SessionStatusOpen {
		if d := s.CloseCutoff().Sub(now); d > 0 {
			remaining = int64(d.Seconds())
		}
	}
	return &SessionSnapshot{Session: *s, ExpiresIn: remaining}
}
