package models

import "time"

// Member validation states written by the worker.
const (
	ValidationPending  = "pending"
	ValidationApproved = "approved"
)

// Member is the subject of a validation. Rows are created by the intake
// webhook; the worker owns only validation_status and validated_source.
type Member struct {
	ID                 int64     `json:"id"`
	Email              string    `json:"email"`
	DisplayName        string    `json:"display_name"`
	ContactChannel     string    `json:"contact_channel"`
	ExpectedIdentifier string    `json:"expected_identifier"`
	ValidationStatus   string    `json:"validation_status"`
	ValidatedSource    *string   `json:"validated_source,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AuditEntry is an append-only record of a validation decision.
// It exists for diagnosis; nothing reads it back for control flow.
type AuditEntry struct {
	MemberID  int64     `json:"member_id"`
	Source    string    `json:"source"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
