package models

import "time"

// ComplianceEnrollmentStatus is the enrollment state recorded on the student extension.
type ComplianceEnrollmentStatus string

// Compliance enrollment statuses.
const (
	ComplianceStatusRegistered ComplianceEnrollmentStatus = "registered"
	ComplianceStatusEnrolled   ComplianceEnrollmentStatus = "enrolled"
)

// UserRoleStudent is the roster role assigned to student accounts.
const UserRoleStudent = "student"

// ComplianceStudent is the standards-shaped person record.
type ComplianceStudent struct {
	StudentUSI              int64     `db:"student_usi" json:"student_usi"`
	StudentUniqueID         string    `db:"student_unique_id" json:"student_unique_id"`
	FirstName               string    `db:"first_name" json:"first_name"`
	MiddleName              *string   `db:"middle_name" json:"middle_name,omitempty"`
	LastSurname             string    `db:"last_surname" json:"last_surname"`
	BirthDate               time.Time `db:"birth_date" json:"birth_date"`
	BirthSexDescriptor      string    `db:"birth_sex_descriptor" json:"birth_sex_descriptor"`
	HispanicLatinoEthnicity bool      `db:"hispanic_latino_ethnicity" json:"hispanic_latino_ethnicity"`
	RaceDescriptors         []string  `db:"-" json:"race_descriptors"`
	SourceSystemDescriptor  string    `db:"source_system_descriptor" json:"source_system_descriptor"`
	CreatedAt               time.Time `db:"created_at" json:"created_at"`
}

// ComplianceAssociation links a student to the school they enter.
type ComplianceAssociation struct {
	StudentUniqueID           string    `db:"student_unique_id" json:"student_unique_id"`
	SchoolID                  string    `db:"school_id" json:"school_id"`
	EntryDate                 time.Time `db:"entry_date" json:"entry_date"`
	EntryGradeLevelDescriptor string    `db:"entry_grade_level_descriptor" json:"entry_grade_level_descriptor"`
	EntryTypeDescriptor       string    `db:"entry_type_descriptor" json:"entry_type_descriptor"`
	SchoolYear                int       `db:"school_year" json:"school_year"`
	PrimarySchool             bool      `db:"primary_school" json:"primary_school"`
}

// ComplianceExtension carries enrollment-portal specific fields, one-to-one
// with ComplianceStudent.
type ComplianceExtension struct {
	StudentUniqueID         string                     `db:"student_unique_id" json:"student_unique_id"`
	ProgramInterest         string                     `db:"program_interest" json:"program_interest"`
	SportInterest           *string                    `db:"sport_interest" json:"sport_interest,omitempty"`
	EnrollmentStatus        ComplianceEnrollmentStatus `db:"enrollment_status" json:"enrollment_status"`
	ReferringCoachID        string                     `db:"referring_coach_id" json:"referring_coach_id"`
	InvitationToken         string                     `db:"invitation_token" json:"invitation_token"`
	EnrollmentID            string                     `db:"enrollment_id" json:"enrollment_id"`
	ConsultationCompleted   bool                       `db:"consultation_completed" json:"consultation_completed"`
	DocumentsComplete       bool                       `db:"documents_complete" json:"documents_complete"`
	DepositPaid             bool                       `db:"deposit_paid" json:"deposit_paid"`
	PaymentReference        *string                    `db:"payment_reference" json:"payment_reference,omitempty"`
	EnrollmentCompletedDate *time.Time                 `db:"enrollment_completed_date" json:"enrollment_completed_date,omitempty"`
	UpdatedAt               time.Time                  `db:"updated_at" json:"updated_at"`
}

// ComplianceUserAccount is the roster account provisioned for the student.
type ComplianceUserAccount struct {
	SourcedID        string    `db:"sourced_id" json:"sourced_id"`
	StudentUniqueID  string    `db:"student_unique_id" json:"student_unique_id"`
	Role             string    `db:"role" json:"role"`
	EnabledUser      bool      `db:"enabled_user" json:"enabled_user"`
	GivenName        string    `db:"given_name" json:"given_name"`
	FamilyName       string    `db:"family_name" json:"family_name"`
	OrgSourcedID     string    `db:"org_sourced_id" json:"org_sourced_id"`
	Grade            string    `db:"grade" json:"grade"`
	DateLastModified time.Time `db:"date_last_modified" json:"date_last_modified"`
}

// StudentIdentifiers are the generated keys of a compliance student.
type StudentIdentifiers struct {
	StudentUniqueID string
	StudentUSI      int64
}

// ComplianceBundle is the full entity set materialised at step 4.
type ComplianceBundle struct {
	Student     ComplianceStudent     `json:"student"`
	Association ComplianceAssociation `json:"association"`
	Extension   ComplianceExtension   `json:"extension"`
	UserAccount ComplianceUserAccount `json:"user_account"`
}

// Finalization is the set of extension changes applied at step 6.
type Finalization struct {
	PaymentReference string
	CompletedAt      time.Time
}

// Apply marks the extension enrolled with the deposit paid.
func (f Finalization) Apply(ext *ComplianceExtension) {
	ref := f.PaymentReference
	completed := f.CompletedAt
	ext.EnrollmentStatus = ComplianceStatusEnrolled
	ext.DepositPaid = true
	ext.DocumentsComplete = true
	ext.PaymentReference = &ref
	ext.EnrollmentCompletedDate = &completed
	ext.UpdatedAt = f.CompletedAt
}

// ExtensionUpdate holds optional extension field changes alongside a status.
type ExtensionUpdate struct {
	DepositPaid             *bool
	DocumentsComplete       *bool
	ConsultationCompleted   *bool
	PaymentReference        *string
	EnrollmentCompletedDate *time.Time
}

// UpdateFor converts a finalization into an extension update.
func (f Finalization) UpdateFor() ExtensionUpdate {
	paid := true
	docs := true
	ref := f.PaymentReference
	completed := f.CompletedAt
	return ExtensionUpdate{
		DepositPaid:             &paid,
		DocumentsComplete:       &docs,
		PaymentReference:        &ref,
		EnrollmentCompletedDate: &completed,
	}
}
