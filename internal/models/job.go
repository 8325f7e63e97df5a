package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one unit of credential-validation work persisted in Postgres.
// IDs come from a sequence, so claim order follows insert order.
type Job struct {
	ID             int64     `json:"id"`
	MemberID       int64     `json:"member_id"`
	ContactChannel string    `json:"contact_channel"`
	DisplayName    string    `json:"display_name"`
	Source         string    `json:"source"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
