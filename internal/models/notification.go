package models

import "time"

// NotificationCategory labels outbound messages for client filtering.
type NotificationCategory string

const (
	NotifySignReminder      NotificationCategory = "SIGN_REMINDER"
	NotifySessionClosed     NotificationCategory = "SESSION_CLOSED"
	NotifyCorrectionOpened  NotificationCategory = "CORRECTION_OPENED"
	NotifyCorrectionDecided NotificationCategory = "CORRECTION_DECIDED"
)

// Notification is one best-effort outbound message. Delivery mechanics live
// outside the core; this row is the hand-off point.
type Notification struct {
	ID        string               `db:"id" json:"id"`
	TargetID  string               `db:"target_id" json:"target_id"`
	Title     string               `db:"title" json:"title"`
	Content   string               `db:"content" json:"content"`
	Category  NotificationCategory `db:"category" json:"category"`
	SessionID *string              `db:"session_id" json:"session_id,omitempty"`
	CreatedAt time.Time            `db:"created_at" json:"created_at"`
}
