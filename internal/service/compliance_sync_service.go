package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
)

type complianceStore interface {
	CreateStudentBundle(ctx context.Context, bundle *models.ComplianceBundle) error
	UpdateExtensionStatus(ctx context.Context, studentUniqueID string, status models.ComplianceEnrollmentStatus, update models.ExtensionUpdate, at time.Time) error
	FindStudentUniqueIDByInvitation(ctx context.Context, token string) (string, error)
}

type identifierSource interface {
	Generate(ctx context.Context) (models.StudentIdentifiers, error)
}

type bundleBuilder interface {
	Build(record *models.EnrollmentRecord, ids models.StudentIdentifiers, now time.Time) (*models.ComplianceBundle, error)
}

// ComplianceSynchronizer performs the checkpoint writes against the compliance
// store. Every operation may be repeated: an existing student is found through
// the back-reference or the originating invitation before anything is created.
type ComplianceSynchronizer struct {
	store   complianceStore
	ids     identifierSource
	builder bundleBuilder
	timeout time.Duration
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewComplianceSynchronizer constructs the synchronizer.
func NewComplianceSynchronizer(store complianceStore, ids identifierSource, builder bundleBuilder, timeout time.Duration, metrics *MetricsService, logger *zap.Logger) *ComplianceSynchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ComplianceSynchronizer{store: store, ids: ids, builder: builder, timeout: timeout, metrics: metrics, logger: logger, now: time.Now}
}

// EnsureStudent returns the unique id of the compliance student for record,
// creating the bundle when none exists yet.
func (s *ComplianceSynchronizer) EnsureStudent(ctx context.Context, record *models.EnrollmentRecord) (string, error) {
	start := time.Now()
	id, err := s.ensure(ctx, record)
	s.metrics.RecordSync(SyncOperationCreate, err, time.Since(start))
	return id, err
}

// Finalize marks the student enrolled with the deposit paid. A student that
// does not exist yet is created already finalized in the same transaction, so
// no extension is ever enrolled without its student.
func (s *ComplianceSynchronizer) Finalize(ctx context.Context, record *models.EnrollmentRecord, fin models.Finalization) (string, error) {
	start := time.Now()
	id, err := s.finalize(ctx, record, fin)
	s.metrics.RecordSync(SyncOperationFinalize, err, time.Since(start))
	return id, err
}

func (s *ComplianceSynchronizer) finalize(ctx context.Context, record *models.EnrollmentRecord, fin models.Finalization) (string, error) {
	existing, err := s.lookup(ctx, record)
	if err != nil {
		return "", err
	}
	if existing != "" {
		err := s.markEnrolled(ctx, existing, fin)
		if !errors.Is(err, repository.ErrNotFound) {
			return existing, err
		}
		s.logger.Warn("back-referenced student has no enrollment extension, creating bundle",
			zap.String("enrollment_id", record.EnrollmentID),
			zap.String("student_unique_id", existing))
	}
	return s.create(ctx, record, &fin)
}

func (s *ComplianceSynchronizer) ensure(ctx context.Context, record *models.EnrollmentRecord) (string, error) {
	existing, err := s.lookup(ctx, record)
	if err != nil || existing != "" {
		return existing, err
	}
	return s.create(ctx, record, nil)
}

// create generates identifiers and writes a new bundle. With fin set, the
// extension is written already finalized.
func (s *ComplianceSynchronizer) create(ctx context.Context, record *models.EnrollmentRecord, fin *models.Finalization) (string, error) {
	var ids models.StudentIdentifiers
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		var genErr error
		ids, genErr = s.ids.Generate(ctx)
		return genErr
	}); err != nil {
		return "", fmt.Errorf("generate student identifiers: %w", err)
	}

	bundle, err := s.builder.Build(record, ids, s.now())
	if err != nil {
		return "", err
	}
	if fin != nil {
		fin.Apply(&bundle.Extension)
	}

	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.CreateStudentBundle(ctx, bundle)
	})
	if errors.Is(err, repository.ErrAlreadyExists) {
		// A concurrent writer created the bundle for this invitation first.
		winner, lookupErr := s.lookupByInvitation(ctx, record.InvitationToken)
		if lookupErr != nil || winner == "" {
			return "", fmt.Errorf("resolve concurrently created student: %w", err)
		}
		s.logger.Info("student bundle already created by concurrent writer",
			zap.String("enrollment_id", record.EnrollmentID),
			zap.String("student_unique_id", winner))
		if fin != nil {
			return winner, s.markEnrolled(ctx, winner, *fin)
		}
		return winner, nil
	}
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrComplianceSync.Code, appErrors.ErrComplianceSync.Status, "create student bundle")
	}
	s.logger.Info("compliance student created",
		zap.String("enrollment_id", record.EnrollmentID),
		zap.String("student_unique_id", ids.StudentUniqueID),
		zap.Bool("finalized", fin != nil))
	return ids.StudentUniqueID, nil
}

func (s *ComplianceSynchronizer) markEnrolled(ctx context.Context, studentUniqueID string, fin models.Finalization) error {
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.UpdateExtensionStatus(ctx, studentUniqueID, models.ComplianceStatusEnrolled, fin.UpdateFor(), fin.CompletedAt)
	})
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrComplianceSync.Code, appErrors.ErrComplianceSync.Status, "mark student enrolled")
}

// lookup resolves the existing student, preferring the back-reference. An
// empty result means no student exists.
func (s *ComplianceSynchronizer) lookup(ctx context.Context, record *models.EnrollmentRecord) (string, error) {
	if record.StudentUniqueID != "" {
		return record.StudentUniqueID, nil
	}
	return s.lookupByInvitation(ctx, record.InvitationToken)
}

func (s *ComplianceSynchronizer) lookupByInvitation(ctx context.Context, token string) (string, error) {
	var id string
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var findErr error
		id, findErr = s.store.FindStudentUniqueIDByInvitation(ctx, token)
		return findErr
	})
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrComplianceSync.Code, appErrors.ErrComplianceSync.Status, "look up existing student")
	}
	return id, nil
}

func (s *ComplianceSynchronizer) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

// syncErrorMessage renders a sync failure for the operational record.
func syncErrorMessage(err error) string {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) && len(appErr.Details) > 0 {
		return fmt.Sprintf("%s: %v", appErr.Code, appErr.Details)
	}
	return err.Error()
}
