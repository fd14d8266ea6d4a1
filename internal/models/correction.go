package models

import "time"

// CorrectionStatus is the correction request workflow state. The transition
// table is exhaustive; anything not listed is rejected:
//
//	OPENED            -> REVIEWER_APPROVED | REVIEWER_REJECTED
//	REVIEWER_APPROVED -> INSTRUCTOR_APPROVED | INSTRUCTOR_REJECTED
type CorrectionStatus string

const (
	CorrectionOpened             CorrectionStatus = "OPENED"
	CorrectionReviewerApproved   CorrectionStatus = "REVIEWER_APPROVED"
	CorrectionReviewerRejected   CorrectionStatus = "REVIEWER_REJECTED"
	CorrectionInstructorApproved CorrectionStatus = "INSTRUCTOR_APPROVED"
	CorrectionInstructorRejected CorrectionStatus = "INSTRUCTOR_REJECTED"
)

// Terminal reports whether the state accepts no further decisions.
func (s CorrectionStatus) Terminal() bool {
	switch s {
	case CorrectionReviewerRejected, CorrectionInstructorApproved, CorrectionInstructorRejected:
		return true
	default:
		return false
	}
}

// ReasonCategory classifies why the attendee contests the record.
type ReasonCategory string

const (
	ReasonSickLeave     ReasonCategory = "SICK_LEAVE"
	ReasonPersonalLeave ReasonCategory = "PERSONAL_LEAVE"
	ReasonOfficialDuty  ReasonCategory = "OFFICIAL_DUTY"
	ReasonDeviceFailure ReasonCategory = "DEVICE_FAILURE"
	ReasonOther         ReasonCategory = "OTHER"
)

// Valid returns true when the category is a supported value.
func (r ReasonCategory) Valid() bool {
	switch r {
	case ReasonSickLeave, ReasonPersonalLeave, ReasonOfficialDuty, ReasonDeviceFailure, ReasonOther:
		return true
	default:
		return false
	}
}

// CorrectionRequest is a two-stage approval case over one non-present record.
type CorrectionRequest struct {
	ID               string           `db:"id" json:"id"`
	RecordID         string           `db:"record_id" json:"record_id"`
	SessionID        string           `db:"session_id" json:"session_id"`
	AttendeeID       string           `db:"attendee_id" json:"attendee_id"`
	RequesterID      string           `db:"requester_id" json:"requester_id"`
	Category         ReasonCategory   `db:"category" json:"category"`
	Justification    string           `db:"justification" json:"justification"`
	Evidence         *string          `db:"evidence" json:"evidence,omitempty"`
	Status           CorrectionStatus `db:"status" json:"status"`
	ReviewerID       *string          `db:"reviewer_id" json:"reviewer_id,omitempty"`
	ReviewerRemark   *string          `db:"reviewer_remark" json:"reviewer_remark,omitempty"`
	ReviewedAt       *time.Time       `db:"reviewed_at" json:"reviewed_at,omitempty"`
	InstructorID     *string          `db:"instructor_id" json:"instructor_id,omitempty"`
	InstructorRemark *string          `db:"instructor_remark" json:"instructor_remark,omitempty"`
	DecidedAt        *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// CorrectionFilter scopes correction listing queries.
type CorrectionFilter struct {
	Status      CorrectionStatus
	RequesterID string
	SessionID   string
	Page        int
	PageSize    int
}
