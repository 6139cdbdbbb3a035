package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/pkg/database"
)

const pqUniqueViolation = "23505"

// ComplianceRepository persists the standards-shaped student entities.
type ComplianceRepository struct {
	db *sqlx.DB
}

// NewComplianceRepository constructs the repository.
func NewComplianceRepository(db *sqlx.DB) *ComplianceRepository {
	return &ComplianceRepository{db: db}
}

// CreateStudentBundle writes the student, races, school association, extension
// and user account in one transaction. Either all rows exist afterwards or none do.
func (r *ComplianceRepository) CreateStudentBundle(ctx context.Context, bundle *models.ComplianceBundle) error {
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		const studentQuery = `INSERT INTO students
	(student_usi, student_unique_id, first_name, middle_name, last_surname, birth_date, birth_sex_descriptor,
	 hispanic_latino_ethnicity, source_system_descriptor, created_at)
	VALUES (:student_usi, :student_unique_id, :first_name, :middle_name, :last_surname, :birth_date, :birth_sex_descriptor,
	 :hispanic_latino_ethnicity, :source_system_descriptor, :created_at)`
		if _, err := tx.NamedExecContext(ctx, studentQuery, &bundle.Student); err != nil {
			return fmt.Errorf("insert student: %w", err)
		}

		const raceQuery = `INSERT INTO student_races (student_usi, race_descriptor) VALUES ($1, $2)`
		for _, race := range bundle.Student.RaceDescriptors {
			if _, err := tx.ExecContext(ctx, raceQuery, bundle.Student.StudentUSI, race); err != nil {
				return fmt.Errorf("insert student race: %w", err)
			}
		}

		const associationQuery = `INSERT INTO student_school_associations
	(student_unique_id, school_id, entry_date, entry_grade_level_descriptor, entry_type_descriptor, school_year, primary_school)
	VALUES (:student_unique_id, :school_id, :entry_date, :entry_grade_level_descriptor, :entry_type_descriptor, :school_year, :primary_school)`
		if _, err := tx.NamedExecContext(ctx, associationQuery, &bundle.Association); err != nil {
			return fmt.Errorf("insert school association: %w", err)
		}

		const extensionQuery = `INSERT INTO student_enrollment_extensions
	(student_unique_id, program_interest, sport_interest, enrollment_status, referring_coach_id, invitation_token,
	 enrollment_id, consultation_completed, documents_complete, deposit_paid, payment_reference,
	 enrollment_completed_date, updated_at)
	VALUES (:student_unique_id, :program_interest, :sport_interest, :enrollment_status, :referring_coach_id, :invitation_token,
	 :enrollment_id, :consultation_completed, :documents_complete, :deposit_paid, :payment_reference,
	 :enrollment_completed_date, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, extensionQuery, &bundle.Extension); err != nil {
			return fmt.Errorf("insert enrollment extension: %w", err)
		}

		const accountQuery = `INSERT INTO user_accounts
	(sourced_id, student_unique_id, role, enabled_user, given_name, family_name, org_sourced_id, grade, date_last_modified)
	VALUES (:sourced_id, :student_unique_id, :role, :enabled_user, :given_name, :family_name, :org_sourced_id, :grade, :date_last_modified)`
		if _, err := tx.NamedExecContext(ctx, accountQuery, &bundle.UserAccount); err != nil {
			return fmt.Errorf("insert user account: %w", err)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	return err
}

// UpdateExtensionStatus sets the extension status plus any non-nil fields of update.
// It returns ErrNotFound when no extension exists for the student.
func (r *ComplianceRepository) UpdateExtensionStatus(ctx context.Context, studentUniqueID string, status models.ComplianceEnrollmentStatus, update models.ExtensionUpdate, at time.Time) error {
	sets := []string{"enrollment_status = $1", "updated_at = $2"}
	args := []interface{}{status, at}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.DepositPaid != nil {
		add("deposit_paid", *update.DepositPaid)
	}
	if update.DocumentsComplete != nil {
		add("documents_complete", *update.DocumentsComplete)
	}
	if update.ConsultationCompleted != nil {
		add("consultation_completed", *update.ConsultationCompleted)
	}
	if update.PaymentReference != nil {
		add("payment_reference", *update.PaymentReference)
	}
	if update.EnrollmentCompletedDate != nil {
		add("enrollment_completed_date", *update.EnrollmentCompletedDate)
	}
	args = append(args, studentUniqueID)
	query := fmt.Sprintf(`UPDATE student_enrollment_extensions SET %s WHERE student_unique_id = $%d`, strings.Join(sets, ", "), len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update enrollment extension: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check extension update rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// StudentUniqueIDExists reports whether a student already holds the identifier.
func (r *ComplianceRepository) StudentUniqueIDExists(ctx context.Context, studentUniqueID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM students WHERE student_unique_id = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, studentUniqueID); err != nil {
		return false, fmt.Errorf("check student unique id: %w", err)
	}
	return exists, nil
}

// FindStudentUniqueIDByInvitation resolves the student created from an invitation.
func (r *ComplianceRepository) FindStudentUniqueIDByInvitation(ctx context.Context, token string) (string, error) {
	const query = `SELECT student_unique_id FROM student_enrollment_extensions WHERE invitation_token = $1`
	var id string
	if err := r.db.GetContext(ctx, &id, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("find student by invitation: %w", err)
	}
	return id, nil
}

// Ping checks connectivity to the compliance store.
func (r *ComplianceRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
