package models

// Step numbers of the enrollment workflow.
const (
	StepProgramInfo  = 1
	StepConsultation = 2
	StepShadowDay    = 3
	StepStudentInfo  = 4
	StepDocuments    = 5
	StepPayment      = 6

	FirstStep = StepProgramInfo
	LastStep  = StepPayment
)

// StepDefinition describes one step of the workflow.
type StepDefinition struct {
	Number     int
	Name       string
	Optional   bool
	Checkpoint bool
	// NewPayload returns a pointer to the typed payload used for validation.
	NewPayload func() interface{}
}

var stepDefinitions = map[int]StepDefinition{
	StepProgramInfo:  {Number: StepProgramInfo, Name: "program_info", NewPayload: func() interface{} { return &ProgramInfoPayload{} }},
	StepConsultation: {Number: StepConsultation, Name: "consultation", Optional: true, NewPayload: func() interface{} { return &ConsultationPayload{} }},
	StepShadowDay:    {Number: StepShadowDay, Name: "shadow_day", Optional: true, NewPayload: func() interface{} { return &ShadowDayPayload{} }},
	StepStudentInfo:  {Number: StepStudentInfo, Name: "student_info", Checkpoint: true, NewPayload: func() interface{} { return &StudentInfoPayload{} }},
	StepDocuments:    {Number: StepDocuments, Name: "documents", NewPayload: func() interface{} { return &DocumentsPayload{} }},
	StepPayment:      {Number: StepPayment, Name: "payment", Checkpoint: true, NewPayload: func() interface{} { return &PaymentPayload{} }},
}

// LookupStep returns the definition for step.
func LookupStep(step int) (StepDefinition, bool) {
	def, ok := stepDefinitions[step]
	return def, ok
}

// ProgramInfoPayload is collected at step 1.
type ProgramInfoPayload struct {
	ParentName  string `json:"parent_name" validate:"required,max=200"`
	ParentPhone string `json:"parent_phone,omitempty" validate:"omitempty,max=32"`
	Program     string `json:"program" validate:"required,max=120"`
	Sport       string `json:"sport,omitempty" validate:"omitempty,max=120"`
	SchoolID    string `json:"school_id,omitempty" validate:"omitempty,max=64"`
}

// ConsultationPayload is collected at step 2. The appointment id belongs to
// the scheduling subsystem and is stored verbatim.
type ConsultationPayload struct {
	AppointmentID string `json:"appointment_id,omitempty" validate:"omitempty,max=256"`
	Completed     bool   `json:"completed"`
}

// ShadowDayPayload is collected at step 3.
type ShadowDayPayload struct {
	ShadowDayID   string `json:"shadow_day_id,omitempty" validate:"omitempty,max=256"`
	ScheduledDate string `json:"scheduled_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// StudentInfoPayload is collected at step 4 and feeds the compliance bundle.
type StudentInfoPayload struct {
	FirstName  string   `json:"first_name" validate:"required,max=75"`
	MiddleName string   `json:"middle_name,omitempty" validate:"omitempty,max=75"`
	LastName   string   `json:"last_name" validate:"required,max=75"`
	BirthDate  string   `json:"birth_date" validate:"required,datetime=2006-01-02,past_date"`
	GradeLevel string   `json:"grade_level" validate:"required,max=32"`
	Sex        string   `json:"sex" validate:"required,max=32"`
	Ethnicity  string   `json:"ethnicity" validate:"required,max=64"`
	Races      []string `json:"races" validate:"required,min=1,dive,required,max=64"`
}

// DocumentsPayload is collected at step 5. Document ids are opaque references
// into the document subsystem.
type DocumentsPayload struct {
	DocumentIDs []string `json:"document_ids" validate:"required,min=1,dive,required,max=256"`
}

// PaymentPayload is collected at step 6.
type PaymentPayload struct {
	PaymentReference string `json:"payment_reference" validate:"required,payment_reference"`
}
