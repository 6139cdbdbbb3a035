package models

import "time"

// Invitation is issued by a coach outside this service; enrollment only reads
// and consumes it.
type Invitation struct {
	Token           string     `db:"token" json:"-"`
	CoachID         string     `db:"coach_id" json:"coach_id"`
	ParentEmail     string     `db:"parent_email" json:"parent_email"`
	ExpiresAt       time.Time  `db:"expires_at" json:"expires_at"`
	ConsumedByEmail *string    `db:"consumed_by_email" json:"consumed_by_email,omitempty"`
	ConsumedAt      *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// Coach is the staff member an invitation belongs to.
type Coach struct {
	ID       string `db:"id" json:"id"`
	FullName string `db:"full_name" json:"full_name"`
	Active   bool   `db:"active" json:"active"`
}

// InvitationBinding is the outcome of validating an invitation for a guardian.
type InvitationBinding struct {
	Valid   bool      `json:"valid"`
	CoachID string    `json:"coach_id"`
	Expiry  time.Time `json:"expiry"`
	// FirstUse is false when the invitation was already consumed by the same email.
	FirstUse bool `json:"first_use"`
}
