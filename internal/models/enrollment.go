package models

import (
	"encoding/json"
	"sort"
	"time"
)

// EnrollmentStatus represents the guardian-facing lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusInitialized     EnrollmentStatus = "initialized"
	EnrollmentStatusInProgress      EnrollmentStatus = "in_progress"
	EnrollmentStatusAwaitingPayment EnrollmentStatus = "awaiting_payment"
	EnrollmentStatusCompleted       EnrollmentStatus = "completed"
	EnrollmentStatusAbandoned       EnrollmentStatus = "abandoned"
)

// SyncStatus tracks how far the compliance store has caught up with an enrollment.
type SyncStatus string

// Compliance sync statuses.
const (
	SyncStatusNotStarted     SyncStatus = "not_started"
	SyncStatusStudentCreated SyncStatus = "student_created"
	SyncStatusSyncFailed     SyncStatus = "sync_failed"
	SyncStatusFinalized      SyncStatus = "finalized"
)

// CanTransition enforces not_started -> student_created -> finalized, with
// sync_failed reachable from any non-terminal state and retryable forward.
func (s SyncStatus) CanTransition(to SyncStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case SyncStatusNotStarted:
		return to == SyncStatusStudentCreated || to == SyncStatusSyncFailed || to == SyncStatusFinalized
	case SyncStatusStudentCreated:
		return to == SyncStatusFinalized || to == SyncStatusSyncFailed
	case SyncStatusSyncFailed:
		return to == SyncStatusStudentCreated || to == SyncStatusFinalized
	default:
		return false
	}
}

// Rank orders statuses by how far the compliance store has caught up.
// sync_failed ranks with not_started.
func (s SyncStatus) Rank() int {
	switch s {
	case SyncStatusStudentCreated:
		return 1
	case SyncStatusFinalized:
		return 2
	default:
		return 0
	}
}

// EnrollmentRecord is the operational record of a guardian's progress through
// the enrollment steps. It lives in the operational store only.
type EnrollmentRecord struct {
	EnrollmentID    string                  `json:"enrollment_id"`
	InvitationToken string                  `json:"invitation_token"`
	CoachID         string                  `json:"coach_id"`
	ParentEmail     string                  `json:"parent_email"`
	ParentName      string                  `json:"parent_name,omitempty"`
	ParentPhone     string                  `json:"parent_phone,omitempty"`
	CurrentStep     int                     `json:"current_step"`
	CompletedSteps  []int                   `json:"completed_steps"`
	SkippedSteps    []int                   `json:"skipped_steps,omitempty"`
	StepPayloads    map[int]json.RawMessage `json:"step_payloads"`
	Status          EnrollmentStatus        `json:"status"`

	ComplianceSyncStatus SyncStatus `json:"compliance_sync_status"`
	StudentUniqueID      string     `json:"student_unique_id,omitempty"`
	SyncAttempts         int        `json:"sync_attempts"`
	LastSyncError        string     `json:"last_sync_error,omitempty"`
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate a record while keeping the
// originally read version for conditional writes.
func (r *EnrollmentRecord) Clone() *EnrollmentRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.CompletedSteps = append([]int(nil), r.CompletedSteps...)
	clone.SkippedSteps = append([]int(nil), r.SkippedSteps...)
	clone.StepPayloads = make(map[int]json.RawMessage, len(r.StepPayloads))
	for step, payload := range r.StepPayloads {
		clone.StepPayloads[step] = append(json.RawMessage(nil), payload...)
	}
	if r.LastSyncAt != nil {
		at := *r.LastSyncAt
		clone.LastSyncAt = &at
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}

// StepCompleted reports whether the step has been submitted successfully.
func (r *EnrollmentRecord) StepCompleted(step int) bool {
	for _, s := range r.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// MarkCompleted records step as completed, keeping the list sorted.
func (r *EnrollmentRecord) MarkCompleted(step int) {
	if r.StepCompleted(step) {
		return
	}
	r.CompletedSteps = append(r.CompletedSteps, step)
	sort.Ints(r.CompletedSteps)
}

// LastCompletedStep returns the highest completed step, or 0 when none is.
func (r *EnrollmentRecord) LastCompletedStep() int {
	if len(r.CompletedSteps) == 0 {
		return 0
	}
	return r.CompletedSteps[len(r.CompletedSteps)-1]
}

// MarkSkipped records an optional step the guardian moved past.
func (r *EnrollmentRecord) MarkSkipped(step int) {
	for _, s := range r.SkippedSteps {
		if s == step {
			return
		}
	}
	r.SkippedSteps = append(r.SkippedSteps, step)
	sort.Ints(r.SkippedSteps)
}

// NextSyncTarget is the sync status the record should reach, or empty when no
// compliance write is owed. Completed enrollments go to finalized, others stop
// at student_created once step 4 is complete.
func (r *EnrollmentRecord) NextSyncTarget() SyncStatus {
	if !r.StepCompleted(StepStudentInfo) && r.Status != EnrollmentStatusCompleted {
		return ""
	}
	target := SyncStatusStudentCreated
	if r.Status == EnrollmentStatusCompleted {
		target = SyncStatusFinalized
	}
	if r.ComplianceSyncStatus == SyncStatusSyncFailed || r.ComplianceSyncStatus.Rank() < target.Rank() {
		return target
	}
	return ""
}

// SyncDue reports whether the record still owes a compliance write.
func (r *EnrollmentRecord) SyncDue() bool {
	return r.NextSyncTarget() != ""
}

// Precondition captures the version of a record a writer observed. A
// conditional write only applies when the stored record still matches it.
type Precondition struct {
	CurrentStep int
	UpdatedAt   time.Time
}

// PreconditionOf snapshots the concurrency token of r.
func PreconditionOf(r *EnrollmentRecord) Precondition {
	return Precondition{CurrentStep: r.CurrentStep, UpdatedAt: r.UpdatedAt}
}

// Matches reports whether r is still at the observed version.
func (p Precondition) Matches(r *EnrollmentRecord) bool {
	return r.CurrentStep == p.CurrentStep && r.UpdatedAt.Equal(p.UpdatedAt)
}

// InitializeEnrollmentRequest starts an enrollment from an invitation.
type InitializeEnrollmentRequest struct {
	InvitationToken string `json:"invitation_token" validate:"required,max=256"`
	ParentEmail     string `json:"parent_email" validate:"required,email,max=320"`
}

// InitializeEnrollmentResponse returns the created (or resumed) enrollment.
type InitializeEnrollmentResponse struct {
	EnrollmentID string            `json:"enrollment_id"`
	Enrollment   *EnrollmentRecord `json:"enrollment"`
}
