package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
)

const descriptorNamespace = "uri://ed-fi.org/"

// userAccountNamespace derives roster sourced ids from student unique ids.
var userAccountNamespace = uuid.MustParse("6f1c2d4e-8a4b-4f0e-9a57-2b1d3c5e7f90")

// BuilderConfig holds the constant tags stamped on compliance records.
type BuilderConfig struct {
	SourceSystem string
	SchoolID     string
	SchoolYear   int
	EntryType    string
}

// ComplianceBuilder maps an enrollment's accumulated step payloads onto the
// compliance entity set. It performs no I/O.
type ComplianceBuilder struct {
	cfg BuilderConfig
}

// NewComplianceBuilder constructs a builder.
func NewComplianceBuilder(cfg BuilderConfig) *ComplianceBuilder {
	return &ComplianceBuilder{cfg: cfg}
}

// Build produces the student bundle for record using the given identifiers.
// Unmappable demographic answers fail with ErrMapping.
func (b *ComplianceBuilder) Build(record *models.EnrollmentRecord, ids models.StudentIdentifiers, now time.Time) (*models.ComplianceBundle, error) {
	var program models.ProgramInfoPayload
	if err := decodeStepPayload(record, models.StepProgramInfo, &program); err != nil {
		return nil, err
	}
	var info models.StudentInfoPayload
	if err := decodeStepPayload(record, models.StepStudentInfo, &info); err != nil {
		return nil, err
	}

	details := map[string]string{}
	sex, ok := mapSex(info.Sex)
	if !ok {
		details["sex"] = info.Sex
	}
	hispanic, ok := mapEthnicity(info.Ethnicity)
	if !ok {
		details["ethnicity"] = info.Ethnicity
	}
	grade, ok := mapGradeLevel(info.GradeLevel)
	if !ok {
		details["grade_level"] = info.GradeLevel
	}
	races := make([]string, 0, len(info.Races))
	seen := map[string]bool{}
	for _, raw := range info.Races {
		race, ok := mapRace(raw)
		if !ok {
			details["races"] = raw
			continue
		}
		if !seen[race] {
			seen[race] = true
			races = append(races, race)
		}
	}
	birthDate, err := time.Parse("2006-01-02", info.BirthDate)
	if err != nil {
		details["birth_date"] = info.BirthDate
	}
	if len(details) > 0 {
		return nil, appErrors.WithDetails(appErrors.ErrMapping, "student information cannot be mapped to compliance vocabulary", details)
	}

	now = now.UTC()
	schoolID := b.cfg.SchoolID
	if program.SchoolID != "" {
		schoolID = program.SchoolID
	}

	student := models.ComplianceStudent{
		StudentUSI:              ids.StudentUSI,
		StudentUniqueID:         ids.StudentUniqueID,
		FirstName:               strings.TrimSpace(info.FirstName),
		MiddleName:              optionalString(info.MiddleName),
		LastSurname:             strings.TrimSpace(info.LastName),
		BirthDate:               birthDate,
		BirthSexDescriptor:      descriptor("SexDescriptor", sex),
		HispanicLatinoEthnicity: hispanic,
		RaceDescriptors:         races,
		SourceSystemDescriptor:  b.cfg.SourceSystem,
		CreatedAt:               now,
	}

	association := models.ComplianceAssociation{
		StudentUniqueID:           ids.StudentUniqueID,
		SchoolID:                  schoolID,
		EntryDate:                 time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		EntryGradeLevelDescriptor: descriptor("GradeLevelDescriptor", grade.descriptor),
		EntryTypeDescriptor:       b.cfg.EntryType,
		SchoolYear:                b.schoolYear(now),
		PrimarySchool:             true,
	}

	extension := models.ComplianceExtension{
		StudentUniqueID:       ids.StudentUniqueID,
		ProgramInterest:       program.Program,
		SportInterest:         optionalString(program.Sport),
		EnrollmentStatus:      models.ComplianceStatusRegistered,
		ReferringCoachID:      record.CoachID,
		InvitationToken:       record.InvitationToken,
		EnrollmentID:          record.EnrollmentID,
		ConsultationCompleted: consultationCompleted(record),
		DocumentsComplete:     record.StepCompleted(models.StepDocuments),
		UpdatedAt:             now,
	}

	account := models.ComplianceUserAccount{
		SourcedID:        uuid.NewSHA1(userAccountNamespace, []byte(ids.StudentUniqueID)).String(),
		StudentUniqueID:  ids.StudentUniqueID,
		Role:             models.UserRoleStudent,
		EnabledUser:      true,
		GivenName:        student.FirstName,
		FamilyName:       student.LastSurname,
		OrgSourcedID:     schoolID,
		Grade:            grade.code,
		DateLastModified: now,
	}

	return &models.ComplianceBundle{Student: student, Association: association, Extension: extension, UserAccount: account}, nil
}

// schoolYear returns the configured year or the year the current school year
// ends in, rolling over in July.
func (b *ComplianceBuilder) schoolYear(now time.Time) int {
	if b.cfg.SchoolYear > 0 {
		return b.cfg.SchoolYear
	}
	if now.Month() >= time.July {
		return now.Year() + 1
	}
	return now.Year()
}

func decodeStepPayload(record *models.EnrollmentRecord, step int, dst interface{}) error {
	raw, ok := record.StepPayloads[step]
	if !ok || len(raw) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("step %d payload missing", step))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, fmt.Sprintf("step %d payload unreadable", step))
	}
	return nil
}

func consultationCompleted(record *models.EnrollmentRecord) bool {
	if !record.StepCompleted(models.StepConsultation) {
		return false
	}
	var payload models.ConsultationPayload
	if err := decodeStepPayload(record, models.StepConsultation, &payload); err != nil {
		return false
	}
	return payload.Completed
}

func descriptor(kind, value string) string {
	return descriptorNamespace + kind + "#" + value
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func normalizeAnswer(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.NewReplacer("_", " ", "-", " ", "/", " ").Replace(v)
	return strings.Join(strings.Fields(v), " ")
}

var sexVocabulary = map[string]string{
	"male":              "Male",
	"m":                 "Male",
	"boy":               "Male",
	"female":            "Female",
	"f":                 "Female",
	"girl":              "Female",
	"not selected":      "Not Selected",
	"prefer not to say": "Not Selected",
}

func mapSex(v string) (string, bool) {
	mapped, ok := sexVocabulary[normalizeAnswer(v)]
	return mapped, ok
}

var ethnicityVocabulary = map[string]bool{
	"hispanic or latino":     true,
	"hispanic":               true,
	"latino":                 true,
	"latina":                 true,
	"latinx":                 true,
	"yes":                    true,
	"not hispanic or latino": false,
	"non hispanic":           false,
	"not hispanic":           false,
	"no":                     false,
}

func mapEthnicity(v string) (bool, bool) {
	mapped, ok := ethnicityVocabulary[normalizeAnswer(v)]
	return mapped, ok
}

var raceVocabulary = map[string]string{
	"american indian or alaska native":          "American Indian - Alaska Native",
	"american indian alaska native":             "American Indian - Alaska Native",
	"native american":                           "American Indian - Alaska Native",
	"asian":                                     "Asian",
	"black":                                     "Black - African American",
	"african american":                          "Black - African American",
	"black or african american":                 "Black - African American",
	"black african american":                    "Black - African American",
	"native hawaiian or other pacific islander": "Native Hawaiian - Pacific Islander",
	"native hawaiian or pacific islander":       "Native Hawaiian - Pacific Islander",
	"native hawaiian pacific islander":          "Native Hawaiian - Pacific Islander",
	"pacific islander":                          "Native Hawaiian - Pacific Islander",
	"white":                                     "White",
	"caucasian":                                 "White",
	"other":                                     "Other",
	"choose not to respond":                     "Choose Not to Respond",
	"prefer not to say":                         "Choose Not to Respond",
}

func mapRace(v string) (string, bool) {
	mapped, ok := raceVocabulary[normalizeAnswer(v)]
	if !ok {
		return "", false
	}
	return descriptor("RaceDescriptor", mapped), true
}

type gradeLevel struct {
	descriptor string
	code       string
}

var gradeOrdinals = []string{"", "First", "Second", "Third", "Fourth", "Fifth", "Sixth", "Seventh", "Eighth", "Ninth", "Tenth", "Eleventh", "Twelfth"}

var gradeWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5, "sixth": 6,
	"seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10, "eleventh": 11, "twelfth": 12,
	"freshman": 9, "sophomore": 10, "junior": 11, "senior": 12,
}

// mapGradeLevel accepts forms such as "9", "9th", "grade 9", "ninth grade",
// "freshman", "K" and "PG".
func mapGradeLevel(v string) (gradeLevel, bool) {
	s := normalizeAnswer(v)
	s = strings.TrimSpace(strings.ReplaceAll(s, "grade", ""))
	switch s {
	case "k", "kg", "kindergarten":
		return gradeLevel{descriptor: "Kindergarten", code: "KG"}, true
	case "pg", "postgraduate", "post graduate":
		return gradeLevel{descriptor: "Postsecondary", code: "PS"}, true
	}
	if n, ok := gradeWords[s]; ok {
		return numberedGrade(n), true
	}
	s = strings.TrimRight(s, "stndrh")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 12 {
		return gradeLevel{}, false
	}
	return numberedGrade(n), true
}

func numberedGrade(n int) gradeLevel {
	return gradeLevel{descriptor: gradeOrdinals[n] + " grade", code: fmt.Sprintf("%02d", n)}
}
