package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
)

// JobTypeComplianceSync is the queue job type for deferred compliance writes.
const JobTypeComplianceSync = "compliance_sync"

var paymentReferencePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,128}$`)

type workflowStore interface {
	Create(ctx context.Context, record *models.EnrollmentRecord) error
	Get(ctx context.Context, id string) (*models.EnrollmentRecord, error)
	FindByInvitation(ctx context.Context, token string) (*models.EnrollmentRecord, error)
	Update(ctx context.Context, record *models.EnrollmentRecord, expected models.Precondition) error
}

type invitationValidator interface {
	Validate(ctx context.Context, token, email string) (*models.InvitationBinding, error)
	Consume(ctx context.Context, token, email string) error
}

type complianceSyncer interface {
	EnsureStudent(ctx context.Context, record *models.EnrollmentRecord) (string, error)
	Finalize(ctx context.Context, record *models.EnrollmentRecord, fin models.Finalization) (string, error)
}

type reconcileEnqueuer interface {
	Enqueue(jobType, key string) error
}

// EnrollmentConfig tunes the state machine.
type EnrollmentConfig struct {
	StoreTimeout    time.Duration
	MaxWriteRetries int
}

// EnrollmentService is the enrollment state machine. It owns every write to
// the operational record and triggers compliance writes at checkpoint steps.
// Compliance failures never fail the guardian's request; they are recorded on
// the record and handed to the reconciler.
type EnrollmentService struct {
	store       workflowStore
	invitations invitationValidator
	sync        complianceSyncer
	enqueuer    reconcileEnqueuer
	statuses    *syncStatusWriter
	validator   *validator.Validate
	metrics     *MetricsService
	logger      *zap.Logger
	timeout     time.Duration
	now         func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(store workflowStore, invitations invitationValidator, sync complianceSyncer, enqueuer reconcileEnqueuer, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, cfg EnrollmentConfig) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	svc := &EnrollmentService{
		store:       store,
		invitations: invitations,
		sync:        sync,
		enqueuer:    enqueuer,
		validator:   validate,
		metrics:     metrics,
		logger:      logger,
		timeout:     cfg.StoreTimeout,
		now:         time.Now,
	}
	svc.statuses = newSyncStatusWriter(store, cfg.StoreTimeout, cfg.MaxWriteRetries, func() time.Time { return svc.now() })
	registerEnrollmentValidations(svc.validator, func() time.Time { return svc.now() })
	return svc
}

func registerEnrollmentValidations(v *validator.Validate, now func() time.Time) {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	v.RegisterValidation("past_date", func(fl validator.FieldLevel) bool {
		date, err := time.Parse("2006-01-02", fl.Field().String())
		return err == nil && date.Before(now().UTC())
	})
	v.RegisterValidation("payment_reference", func(fl validator.FieldLevel) bool {
		return paymentReferencePattern.MatchString(fl.Field().String())
	})
}

// InitializeEnrollment creates the operational record for a validated
// invitation. Repeating the call with the same invitation and email returns
// the existing enrollment.
func (s *EnrollmentService) InitializeEnrollment(ctx context.Context, req models.InitializeEnrollmentRequest) (*models.InitializeEnrollmentResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid enrollment request")
	}
	email := normalizeEmail(req.ParentEmail)

	binding, err := s.invitations.Validate(ctx, req.InvitationToken, email)
	if err != nil {
		return nil, err
	}

	existing, err := s.findByInvitation(ctx, req.InvitationToken)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.resume(existing, email)
	}

	if err := s.invitations.Consume(ctx, req.InvitationToken, email); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record := &models.EnrollmentRecord{
		EnrollmentID:         uuid.NewString(),
		InvitationToken:      req.InvitationToken,
		CoachID:              binding.CoachID,
		ParentEmail:          email,
		CurrentStep:          models.FirstStep,
		CompletedSteps:       []int{},
		StepPayloads:         map[int]json.RawMessage{},
		Status:               models.EnrollmentStatusInitialized,
		ComplianceSyncStatus: models.SyncStatusNotStarted,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.Create(ctx, record)
	})
	if errors.Is(err, repository.ErrAlreadyExists) {
		// Another request for the same invitation won the race.
		existing, findErr := s.findByInvitation(ctx, req.InvitationToken)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, appErrors.Clone(appErrors.ErrConcurrentModification, "enrollment is being created, retry")
		}
		return s.resume(existing, email)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	s.logger.Info("enrollment initialized",
		zap.String("enrollment_id", record.EnrollmentID),
		zap.String("coach_id", record.CoachID),
		zap.Bool("first_use", binding.FirstUse))
	return &models.InitializeEnrollmentResponse{EnrollmentID: record.EnrollmentID, Enrollment: record}, nil
}

func (s *EnrollmentService) resume(existing *models.EnrollmentRecord, email string) (*models.InitializeEnrollmentResponse, error) {
	if existing.ParentEmail != email {
		return nil, appErrors.Clone(appErrors.ErrInvalidInvitation, "invitation already used")
	}
	return &models.InitializeEnrollmentResponse{EnrollmentID: existing.EnrollmentID, Enrollment: existing}, nil
}

func (s *EnrollmentService) findByInvitation(ctx context.Context, token string) (*models.EnrollmentRecord, error) {
	var record *models.EnrollmentRecord
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var findErr error
		record, findErr = s.store.FindByInvitation(ctx, token)
		return findErr
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return record, nil
}

// GetStatus returns the operational record.
func (s *EnrollmentService) GetStatus(ctx context.Context, id string) (*models.EnrollmentRecord, error) {
	return s.load(ctx, id)
}

// SubmitStep validates payload for step and applies it to the enrollment.
// Checkpoint steps then synchronize the compliance store on a best-effort basis.
func (s *EnrollmentService) SubmitStep(ctx context.Context, id string, step int, payload json.RawMessage) (*models.EnrollmentRecord, error) {
	def, ok := models.LookupStep(step)
	if !ok {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "unknown step", map[string]string{"step": strconv.Itoa(step)})
	}
	canonical, err := s.decodePayload(def, payload)
	if err != nil {
		s.metrics.RecordStep(step, "invalid")
		return nil, err
	}

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	move, skipped, err := planStep(current, step)
	if err != nil {
		s.metrics.RecordStep(step, "rejected")
		return nil, err
	}

	record := current
	if move != moveReplay {
		record = current.Clone()
		applyStep(record, step, canonical, move, skipped, s.now().UTC())
		err = s.withTimeout(ctx, func(ctx context.Context) error {
			return s.store.Update(ctx, record, models.PreconditionOf(current))
		})
		if err != nil {
			s.metrics.RecordStep(step, "conflict")
			return nil, translateStoreError(err, "failed to save step")
		}
	}
	s.metrics.RecordStep(step, move.String())
	s.logger.Info("enrollment step accepted",
		zap.String("enrollment_id", id),
		zap.Int("step", step),
		zap.String("move", move.String()),
		zap.Ints("skipped", skipped))

	return s.checkpoint(ctx, record, step), nil
}

// Abandon closes a non-terminal enrollment.
func (s *EnrollmentService) Abandon(ctx context.Context, id string) (*models.EnrollmentRecord, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case models.EnrollmentStatusAbandoned:
		return current, nil
	case models.EnrollmentStatusCompleted:
		return nil, appErrors.Clone(appErrors.ErrEnrollmentClosed, "completed enrollments cannot be abandoned")
	}
	record := current.Clone()
	record.Status = models.EnrollmentStatusAbandoned
	record.UpdatedAt = nextTimestamp(current.UpdatedAt, s.now().UTC())
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.store.Update(ctx, record, models.PreconditionOf(current))
	})
	if err != nil {
		return nil, translateStoreError(err, "failed to abandon enrollment")
	}
	s.logger.Info("enrollment abandoned", zap.String("enrollment_id", id), zap.Int("current_step", record.CurrentStep))
	return record, nil
}

// checkpoint runs the compliance side effect of step, if any, and returns the
// freshest record it knows of.
func (s *EnrollmentService) checkpoint(ctx context.Context, record *models.EnrollmentRecord, step int) *models.EnrollmentRecord {
	var (
		outcome    syncOutcome
		checkpoint string
	)
	switch {
	case step == models.StepStudentInfo && needsStudent(record):
		checkpoint = SyncOperationCreate
		outcome.target = models.SyncStatusStudentCreated
		outcome.studentUniqueID, outcome.err = s.sync.EnsureStudent(ctx, record)
	case step == models.StepPayment && record.Status == models.EnrollmentStatusCompleted && record.ComplianceSyncStatus != models.SyncStatusFinalized:
		checkpoint = SyncOperationFinalize
		outcome.target = models.SyncStatusFinalized
		fin, err := finalizationFor(record)
		if err != nil {
			outcome.err = err
			break
		}
		outcome.studentUniqueID, outcome.err = s.sync.Finalize(ctx, record, fin)
	default:
		return record
	}

	if outcome.err != nil {
		s.logger.Warn("compliance sync failed, deferring to reconciler",
			zap.String("enrollment_id", record.EnrollmentID),
			zap.String("checkpoint", checkpoint),
			zap.Error(outcome.err))
	}

	updated, err := s.statuses.apply(ctx, record.EnrollmentID, outcome)
	if err != nil {
		s.logger.Warn("failed to record compliance sync outcome",
			zap.String("enrollment_id", record.EnrollmentID),
			zap.String("checkpoint", checkpoint),
			zap.Error(err))
	}
	if outcome.err != nil || err != nil {
		s.enqueue(record.EnrollmentID)
	}
	if updated != nil {
		return updated
	}
	return record
}

func (s *EnrollmentService) enqueue(id string) {
	if s.enqueuer == nil {
		return
	}
	if err := s.enqueuer.Enqueue(JobTypeComplianceSync, id); err != nil {
		s.logger.Warn("reconcile job not queued, sweep will pick it up", zap.String("enrollment_id", id), zap.Error(err))
	}
}

func (s *EnrollmentService) decodePayload(def models.StepDefinition, payload json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "step payload required", map[string]string{"payload": "required"})
	}
	typed := def.NewPayload()
	if err := json.Unmarshal(payload, typed); err != nil {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "malformed step payload", map[string]string{"payload": err.Error()})
	}
	if err := s.validator.Struct(typed); err != nil {
		return nil, validationError(err, fmt.Sprintf("invalid %s payload", def.Name))
	}
	canonical, err := json.Marshal(typed)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode step payload")
	}
	return canonical, nil
}

func (s *EnrollmentService) load(ctx context.Context, id string) (*models.EnrollmentRecord, error) {
	var record *models.EnrollmentRecord
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var getErr error
		record, getErr = s.store.Get(ctx, id)
		return getErr
	})
	if err != nil {
		return nil, translateStoreError(err, "failed to load enrollment")
	}
	return record, nil
}

func (s *EnrollmentService) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}

type stepMove int

const (
	moveAdvance stepMove = iota
	moveCorrect
	moveReplay
)

func (m stepMove) String() string {
	switch m {
	case moveAdvance:
		return "advance"
	case moveCorrect:
		return "correct"
	default:
		return "replay"
	}
}

// planStep decides how step applies to record. current_step is the next step
// expected. A guardian may submit it, resubmit the last completed step, or
// jump ahead over optional steps only.
func planStep(record *models.EnrollmentRecord, step int) (stepMove, []int, error) {
	switch record.Status {
	case models.EnrollmentStatusAbandoned:
		return 0, nil, appErrors.Clone(appErrors.ErrEnrollmentClosed, "enrollment was abandoned")
	case models.EnrollmentStatusCompleted:
		if step == models.LastStep {
			return moveReplay, nil, nil
		}
		return 0, nil, appErrors.Clone(appErrors.ErrEnrollmentClosed, "enrollment already completed")
	}

	if step == record.LastCompletedStep() {
		return moveCorrect, nil, nil
	}
	if step == record.CurrentStep {
		return moveAdvance, nil, nil
	}
	if step > record.CurrentStep {
		skipped := make([]int, 0, step-record.CurrentStep)
		for s := record.CurrentStep; s < step; s++ {
			def, _ := models.LookupStep(s)
			if !def.Optional {
				return 0, nil, outOfOrder(record, step)
			}
			skipped = append(skipped, s)
		}
		return moveAdvance, skipped, nil
	}
	return 0, nil, outOfOrder(record, step)
}

func outOfOrder(record *models.EnrollmentRecord, step int) error {
	return appErrors.WithDetails(appErrors.ErrOutOfOrderStep, fmt.Sprintf("step %d cannot be submitted now", step), map[string]string{
		"current_step":   strconv.Itoa(record.CurrentStep),
		"submitted_step": strconv.Itoa(step),
	})
}

func applyStep(record *models.EnrollmentRecord, step int, payload json.RawMessage, move stepMove, skipped []int, now time.Time) {
	record.StepPayloads[step] = payload
	if step == models.StepProgramInfo {
		var info models.ProgramInfoPayload
		if err := json.Unmarshal(payload, &info); err == nil {
			record.ParentName = info.ParentName
			record.ParentPhone = info.ParentPhone
		}
	}
	record.UpdatedAt = nextTimestamp(record.UpdatedAt, now)
	if move != moveAdvance {
		return
	}

	for _, s := range skipped {
		record.MarkSkipped(s)
	}
	record.MarkCompleted(step)
	if step < models.LastStep {
		record.CurrentStep = step + 1
	}
	switch step {
	case models.StepPayment:
		record.Status = models.EnrollmentStatusCompleted
		completed := record.UpdatedAt
		record.CompletedAt = &completed
	case models.StepDocuments:
		record.Status = models.EnrollmentStatusAwaitingPayment
	default:
		record.Status = models.EnrollmentStatusInProgress
	}
}

// nextTimestamp keeps updated_at strictly increasing so every write yields a
// new concurrency token.
func nextTimestamp(previous, now time.Time) time.Time {
	if !now.After(previous) {
		return previous.Add(time.Microsecond)
	}
	return now
}

// needsStudent reports whether record has step 4 data but no compliance student yet.
func needsStudent(record *models.EnrollmentRecord) bool {
	if !record.StepCompleted(models.StepStudentInfo) {
		return false
	}
	switch record.ComplianceSyncStatus {
	case models.SyncStatusNotStarted, models.SyncStatusSyncFailed:
		return record.StudentUniqueID == ""
	}
	return false
}

func finalizationFor(record *models.EnrollmentRecord) (models.Finalization, error) {
	var payment models.PaymentPayload
	if err := decodeStepPayload(record, models.StepPayment, &payment); err != nil {
		return models.Finalization{}, err
	}
	completedAt := record.UpdatedAt
	if record.CompletedAt != nil {
		completedAt = *record.CompletedAt
	}
	return models.Finalization{PaymentReference: payment.PaymentReference, CompletedAt: completedAt.UTC()}, nil
}

func validationError(err error, message string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		details[field] = fe.Tag()
	}
	return appErrors.WithDetails(appErrors.ErrValidation, message, details)
}

func translateStoreError(err error, message string) error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	case errors.Is(err, repository.ErrConcurrentModification):
		return appErrors.Clone(appErrors.ErrConcurrentModification, "")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
	}
}
