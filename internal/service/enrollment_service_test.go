package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
)

const (
	step1Payload = `{"parent_name":"Pat Lee","parent_phone":"+1 555 0100","program":"Boarding","sport":"Soccer"}`
	step2Payload = `{"appointment_id":"appt-77","completed":true}`
	step4Payload = `{"first_name":"Ana","last_name":"Lee","birth_date":"2012-05-04","grade_level":"9th","sex":"female","ethnicity":"not hispanic or latino","races":["asian","white"]}`
	step5Payload = `{"document_ids":["doc-1","doc-2"]}`
	step6Payload = `{"payment_reference":"PAY-123456"}`
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type enrollmentHarness struct {
	svc         *EnrollmentService
	reconciler  *ReconcilerService
	store       *fakeWorkflowStore
	compliance  *fakeComplianceStore
	invitations *fakeInvitationRepo
	enqueuer    *fakeEnqueuer
	clock       *testClock
}

func newEnrollmentHarness(t *testing.T) *enrollmentHarness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newFakeWorkflowStore()
	compliance := newFakeComplianceStore()
	invRepo := newFakeInvitationRepo()
	invRepo.add("tok-1", clock.t.Add(72*time.Hour))
	enqueuer := &fakeEnqueuer{}
	logger := zap.NewNop()

	invitations := NewInvitationService(invRepo, time.Second, logger)
	invitations.now = clock.Now
	builder := NewComplianceBuilder(BuilderConfig{
		SourceSystem: "uri://ed-fi.org/SourceSystemDescriptor#Enrollment Portal",
		SchoolID:     "255901001",
		EntryType:    "uri://ed-fi.org/EntryTypeDescriptor#Next year school",
	})
	syncer := NewComplianceSynchronizer(compliance, NewIdentifierGenerator(compliance, "ENR", 5), builder, time.Second, nil, logger)
	syncer.now = clock.Now

	svc := NewEnrollmentService(store, invitations, syncer, enqueuer, validator.New(), nil, logger, EnrollmentConfig{StoreTimeout: time.Second, MaxWriteRetries: 2})
	svc.now = clock.Now

	reconciler := NewReconcilerService(store, syncer, nil, logger, ReconcilerConfig{BatchSize: 10, Concurrency: 2, StoreTimeout: time.Second, MaxWriteRetries: 2})
	reconciler.now = clock.Now

	return &enrollmentHarness{svc: svc, reconciler: reconciler, store: store, compliance: compliance, invitations: invRepo, enqueuer: enqueuer, clock: clock}
}

func (h *enrollmentHarness) initialize(t *testing.T) string {
	t.Helper()
	resp, err := h.svc.InitializeEnrollment(context.Background(), models.InitializeEnrollmentRequest{InvitationToken: "tok-1", ParentEmail: "Parent@Example.com"})
	require.NoError(t, err)
	return resp.EnrollmentID
}

func (h *enrollmentHarness) submit(t *testing.T, id string, step int, payload string) *models.EnrollmentRecord {
	t.Helper()
	record, err := h.svc.SubmitStep(context.Background(), id, step, json.RawMessage(payload))
	require.NoError(t, err)
	return record
}

func assertAppError(t *testing.T, err error, target *appErrors.Error) *appErrors.Error {
	t.Helper()
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, target.Code, appErr.Code)
	return appErr
}

func TestInitializeEnrollmentCreatesRecord(t *testing.T) {
	h := newEnrollmentHarness(t)

	resp, err := h.svc.InitializeEnrollment(context.Background(), models.InitializeEnrollmentRequest{InvitationToken: "tok-1", ParentEmail: "Parent@Example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.EnrollmentID)

	record := h.store.snapshot(resp.EnrollmentID)
	require.NotNil(t, record)
	assert.Equal(t, models.EnrollmentStatusInitialized, record.Status)
	assert.Equal(t, models.SyncStatusNotStarted, record.ComplianceSyncStatus)
	assert.Equal(t, models.FirstStep, record.CurrentStep)
	assert.Equal(t, "coach-1", record.CoachID)
	assert.Equal(t, "parent@example.com", record.ParentEmail)
	require.NotNil(t, h.invitations.invitations["tok-1"].ConsumedByEmail)
	assert.Equal(t, "parent@example.com", *h.invitations.invitations["tok-1"].ConsumedByEmail)
}

func TestInitializeEnrollmentIsIdempotentForSameEmail(t *testing.T) {
	h := newEnrollmentHarness(t)
	first := h.initialize(t)

	resp, err := h.svc.InitializeEnrollment(context.Background(), models.InitializeEnrollmentRequest{InvitationToken: "tok-1", ParentEmail: "parent@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first, resp.EnrollmentID)
	assert.Len(t, h.store.records, 1)
}

func TestInitializeEnrollmentRejectsSecondEmail(t *testing.T) {
	h := newEnrollmentHarness(t)
	h.initialize(t)

	_, err := h.svc.InitializeEnrollment(context.Background(), models.InitializeEnrollmentRequest{InvitationToken: "tok-1", ParentEmail: "someone@example.com"})
	assertAppError(t, err, appErrors.ErrInvalidInvitation)
	assert.Len(t, h.store.records, 1)
}

func TestInitializeEnrollmentRejectsExpiredInvitation(t *testing.T) {
	h := newEnrollmentHarness(t)
	h.invitations.add("tok-old", h.clock.t.Add(-time.Hour))

	_, err := h.svc.InitializeEnrollment(context.Background(), models.InitializeEnrollmentRequest{InvitationToken: "tok-old", ParentEmail: "parent@example.com"})
	assertAppError(t, err, appErrors.ErrInvalidInvitation)
	assert.Empty(t, h.store.records)
	assert.Nil(t, h.invitations.invitations["tok-old"].ConsumedByEmail)
}

func TestInitializeEnrollmentValidatesRequest(t *testing.T) {
	h := newEnrollmentHarness(t)

	_, err := h.svc.InitializeEnrollment(context.Background(), models.InitializeEnrollmentRequest{InvitationToken: "tok-1", ParentEmail: "not-an-email"})
	appErr := assertAppError(t, err, appErrors.ErrValidation)
	assert.Equal(t, "email", appErr.Details["parent_email"])
	assert.Empty(t, h.store.records)
}

func TestSubmitStepFullEnrollment(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)

	record := h.submit(t, id, models.StepProgramInfo, step1Payload)
	assert.Equal(t, models.EnrollmentStatusInProgress, record.Status)
	assert.Equal(t, 2, record.CurrentStep)
	assert.Equal(t, "Pat Lee", record.ParentName)

	record = h.submit(t, id, models.StepStudentInfo, step4Payload)
	assert.Equal(t, 5, record.CurrentStep)
	assert.Equal(t, []int{2, 3}, record.SkippedSteps)
	assert.Equal(t, models.SyncStatusStudentCreated, record.ComplianceSyncStatus)
	assert.NotEmpty(t, record.StudentUniqueID)

	record = h.submit(t, id, models.StepDocuments, step5Payload)
	assert.Equal(t, models.EnrollmentStatusAwaitingPayment, record.Status)

	record = h.submit(t, id, models.StepPayment, step6Payload)
	assert.Equal(t, models.EnrollmentStatusCompleted, record.Status)
	assert.Equal(t, models.SyncStatusFinalized, record.ComplianceSyncStatus)
	assert.Equal(t, []int{1, 4, 5, 6}, record.CompletedSteps)
	require.NotNil(t, record.CompletedAt)

	bundle := h.compliance.bundleFor("tok-1")
	require.NotNil(t, bundle)
	assert.Equal(t, record.StudentUniqueID, bundle.Student.StudentUniqueID)
	assert.Equal(t, models.ComplianceStatusEnrolled, bundle.Extension.EnrollmentStatus)
	assert.True(t, bundle.Extension.DepositPaid)
	require.NotNil(t, bundle.Extension.PaymentReference)
	assert.Equal(t, "PAY-123456", *bundle.Extension.PaymentReference)
	require.NotNil(t, bundle.Extension.EnrollmentCompletedDate)
	assert.Equal(t, 1, h.compliance.creates)
	assert.Empty(t, h.enqueuer.keys)
}

func TestSubmitStepNoStudentBeforeStudentInfo(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)

	h.submit(t, id, models.StepProgramInfo, step1Payload)
	h.submit(t, id, models.StepConsultation, step2Payload)
	record := h.submit(t, id, models.StepShadowDay, `{"shadow_day_id":"sd-1","scheduled_date":"2026-04-02"}`)

	assert.Equal(t, models.StepStudentInfo, record.CurrentStep)
	assert.Empty(t, record.SkippedSteps)
	assert.Equal(t, models.SyncStatusNotStarted, record.ComplianceSyncStatus)
	assert.Zero(t, h.compliance.bundleCount())

	record = h.submit(t, id, models.StepStudentInfo, step4Payload)
	assert.Equal(t, 1, h.compliance.bundleCount())
	assert.True(t, h.compliance.bundleFor("tok-1").Extension.ConsultationCompleted)
	assert.Equal(t, models.SyncStatusStudentCreated, record.ComplianceSyncStatus)
}

func TestSubmitStepOutOfOrderLeavesRecordUntouched(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	before := h.store.snapshot(id)

	_, err := h.svc.SubmitStep(context.Background(), id, models.StepShadowDay, json.RawMessage(`{"shadow_day_id":"sd-1"}`))
	appErr := assertAppError(t, err, appErrors.ErrOutOfOrderStep)
	assert.Equal(t, "1", appErr.Details["current_step"])
	assert.Equal(t, before, h.store.snapshot(id))
	assert.Zero(t, h.store.updates)
}

func TestSubmitStepCannotJumpMandatoryStep(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)

	_, err := h.svc.SubmitStep(context.Background(), id, models.StepDocuments, json.RawMessage(step5Payload))
	assertAppError(t, err, appErrors.ErrOutOfOrderStep)

	_, err = h.svc.SubmitStep(context.Background(), id, 9, json.RawMessage(`{}`))
	assertAppError(t, err, appErrors.ErrValidation)
}

func TestSubmitStepResubmissionIsIdempotent(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)

	first := h.submit(t, id, models.StepProgramInfo, step1Payload)
	second := h.submit(t, id, models.StepProgramInfo, step1Payload)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	first.UpdatedAt = second.UpdatedAt
	assert.Equal(t, first, second)
}

func TestSubmitStepCurrentStepNeverDecreases(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)

	steps := []struct {
		step    int
		payload string
	}{
		{models.StepProgramInfo, step1Payload},
		{models.StepProgramInfo, step1Payload},
		{models.StepConsultation, step2Payload},
		{models.StepStudentInfo, step4Payload},
		{models.StepStudentInfo, step4Payload},
		{models.StepDocuments, step5Payload},
		{models.StepDocuments, step5Payload},
		{models.StepPayment, step6Payload},
		{models.StepPayment, step6Payload},
	}
	last := 0
	for _, s := range steps {
		record := h.submit(t, id, s.step, s.payload)
		assert.GreaterOrEqual(t, record.CurrentStep, last)
		assert.LessOrEqual(t, record.CurrentStep-last, 3)
		last = record.CurrentStep
	}
	assert.Equal(t, 1, h.compliance.bundleCount())
}

func TestSubmitStepValidationFailsBeforeWrite(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)
	updates := h.store.updates

	_, err := h.svc.SubmitStep(context.Background(), id, models.StepStudentInfo, json.RawMessage(`{"first_name":"Ana","birth_date":"2099-01-01","races":[]}`))
	appErr := assertAppError(t, err, appErrors.ErrValidation)
	assert.Equal(t, "required", appErr.Details["last_name"])
	assert.Equal(t, "past_date", appErr.Details["birth_date"])
	assert.Equal(t, "min", appErr.Details["races"])
	assert.Equal(t, updates, h.store.updates)

	_, err = h.svc.SubmitStep(context.Background(), id, models.StepStudentInfo, json.RawMessage(`not json`))
	assertAppError(t, err, appErrors.ErrValidation)

	_, err = h.svc.SubmitStep(context.Background(), id, models.StepPayment, json.RawMessage(`{"payment_reference":"x"}`))
	assertAppError(t, err, appErrors.ErrValidation)
}

func TestSubmitStepConcurrentModification(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.store.updateErrs = []error{repository.ErrConcurrentModification}

	_, err := h.svc.SubmitStep(context.Background(), id, models.StepProgramInfo, json.RawMessage(step1Payload))
	assertAppError(t, err, appErrors.ErrConcurrentModification)
	assert.Equal(t, models.FirstStep, h.store.snapshot(id).CurrentStep)

	record := h.submit(t, id, models.StepProgramInfo, step1Payload)
	assert.Equal(t, 2, record.CurrentStep)
}

func TestSubmitStepUnknownEnrollment(t *testing.T) {
	h := newEnrollmentHarness(t)

	_, err := h.svc.SubmitStep(context.Background(), "missing", models.StepProgramInfo, json.RawMessage(step1Payload))
	assertAppError(t, err, appErrors.ErrNotFound)
}

func TestStudentInfoSyncFailureDoesNotFailRequest(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)
	h.compliance.setDown(true)

	record := h.submit(t, id, models.StepStudentInfo, step4Payload)
	assert.Equal(t, 5, record.CurrentStep)
	assert.Equal(t, models.SyncStatusSyncFailed, record.ComplianceSyncStatus)
	assert.Equal(t, 1, record.SyncAttempts)
	assert.Contains(t, record.LastSyncError, "unreachable")
	assert.Equal(t, []string{id}, h.enqueuer.keys)
	assert.Zero(t, h.compliance.bundleCount())

	h.compliance.setDown(false)
	resolved, err := h.reconciler.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	record = h.store.snapshot(id)
	assert.Equal(t, models.SyncStatusStudentCreated, record.ComplianceSyncStatus)
	assert.NotEmpty(t, record.StudentUniqueID)
	assert.Empty(t, record.LastSyncError)
	assert.Equal(t, 1, h.compliance.bundleCount())
}

func TestPaymentCreatesMissingStudentBeforeFinalizing(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)
	h.compliance.setDown(true)
	h.submit(t, id, models.StepStudentInfo, step4Payload)
	h.submit(t, id, models.StepDocuments, step5Payload)
	h.compliance.setDown(false)

	record := h.submit(t, id, models.StepPayment, step6Payload)
	assert.Equal(t, models.SyncStatusFinalized, record.ComplianceSyncStatus)
	assert.Equal(t, models.EnrollmentStatusCompleted, record.Status)

	bundle := h.compliance.bundleFor("tok-1")
	require.NotNil(t, bundle)
	assert.Equal(t, record.StudentUniqueID, bundle.Student.StudentUniqueID)
	assert.Equal(t, models.ComplianceStatusEnrolled, bundle.Extension.EnrollmentStatus)
	assert.True(t, bundle.Extension.DepositPaid)
	assert.True(t, bundle.Extension.DocumentsComplete)
	assert.Equal(t, 1, h.compliance.creates)
	assert.Zero(t, h.compliance.updates)
}

func TestPaymentSyncFailureIsFinalizedByReconciler(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)
	h.submit(t, id, models.StepStudentInfo, step4Payload)
	h.submit(t, id, models.StepDocuments, step5Payload)
	h.compliance.setDown(true)

	record := h.submit(t, id, models.StepPayment, step6Payload)
	assert.Equal(t, models.EnrollmentStatusCompleted, record.Status)
	assert.Equal(t, models.SyncStatusSyncFailed, record.ComplianceSyncStatus)
	assert.Equal(t, models.ComplianceStatusRegistered, h.compliance.bundleFor("tok-1").Extension.EnrollmentStatus)

	h.compliance.setDown(false)
	resolved, err := h.reconciler.ReconcilePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, models.SyncStatusFinalized, h.store.snapshot(id).ComplianceSyncStatus)
	assert.Equal(t, models.ComplianceStatusEnrolled, h.compliance.bundleFor("tok-1").Extension.EnrollmentStatus)
	assert.Equal(t, 1, h.compliance.bundleCount())
}

func TestMappingFailureIsRecordedNotReturned(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)

	record := h.submit(t, id, models.StepStudentInfo, `{"first_name":"Ana","last_name":"Lee","birth_date":"2012-05-04","grade_level":"9","sex":"unknown","ethnicity":"no","races":["white"]}`)
	assert.Equal(t, models.SyncStatusSyncFailed, record.ComplianceSyncStatus)
	assert.Contains(t, record.LastSyncError, "MAPPING_ERROR")
	assert.Contains(t, record.LastSyncError, "sex")
	assert.Zero(t, h.compliance.bundleCount())

	record = h.submit(t, id, models.StepStudentInfo, step4Payload)
	assert.Equal(t, models.SyncStatusStudentCreated, record.ComplianceSyncStatus)
	assert.Equal(t, 1, h.compliance.bundleCount())
}

func TestAbandonClosesEnrollment(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)

	record, err := h.svc.Abandon(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusAbandoned, record.Status)

	again, err := h.svc.Abandon(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, record.UpdatedAt, again.UpdatedAt)

	_, err = h.svc.SubmitStep(context.Background(), id, 2, json.RawMessage(step2Payload))
	assertAppError(t, err, appErrors.ErrEnrollmentClosed)
}

func TestCompletedEnrollmentRejectsEarlierSteps(t *testing.T) {
	h := newEnrollmentHarness(t)
	id := h.initialize(t)
	h.submit(t, id, models.StepProgramInfo, step1Payload)
	h.submit(t, id, models.StepStudentInfo, step4Payload)
	h.submit(t, id, models.StepDocuments, step5Payload)
	done := h.submit(t, id, models.StepPayment, step6Payload)

	_, err := h.svc.SubmitStep(context.Background(), id, models.StepDocuments, json.RawMessage(step5Payload))
	assertAppError(t, err, appErrors.ErrEnrollmentClosed)

	replay := h.submit(t, id, models.StepPayment, step6Payload)
	assert.Equal(t, done.UpdatedAt, replay.UpdatedAt)
	assert.Equal(t, models.SyncStatusFinalized, replay.ComplianceSyncStatus)
	assert.Equal(t, 1, h.compliance.updates)

	_, err = h.svc.Abandon(context.Background(), id)
	assertAppError(t, err, appErrors.ErrEnrollmentClosed)
}

func TestPlanStep(t *testing.T) {
	record := func(current int, completed ...int) *models.EnrollmentRecord {
		return &models.EnrollmentRecord{CurrentStep: current, CompletedSteps: completed, Status: models.EnrollmentStatusInProgress}
	}
	tests := []struct {
		name    string
		record  *models.EnrollmentRecord
		step    int
		move    stepMove
		skipped []int
		wantErr *appErrors.Error
	}{
		{name: "first step", record: record(1), step: 1, move: moveAdvance},
		{name: "next step", record: record(2, 1), step: 2, move: moveAdvance},
		{name: "skip optional", record: record(2, 1), step: 4, move: moveAdvance, skipped: []int{2, 3}},
		{name: "skip one optional", record: record(3, 1, 2), step: 4, move: moveAdvance, skipped: []int{3}},
		{name: "correction", record: record(5, 1, 4), step: 4, move: moveCorrect},
		{name: "before first", record: record(1), step: 3, wantErr: appErrors.ErrOutOfOrderStep},
		{name: "skip mandatory", record: record(5, 1, 4), step: 6, wantErr: appErrors.ErrOutOfOrderStep},
		{name: "backwards", record: record(5, 1, 4), step: 1, wantErr: appErrors.ErrOutOfOrderStep},
		{name: "completed replay", record: &models.EnrollmentRecord{CurrentStep: 6, Status: models.EnrollmentStatusCompleted}, step: 6, move: moveReplay},
		{name: "abandoned", record: &models.EnrollmentRecord{CurrentStep: 2, Status: models.EnrollmentStatusAbandoned}, step: 2, wantErr: appErrors.ErrEnrollmentClosed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			move, skipped, err := planStep(tc.record, tc.step)
			if tc.wantErr != nil {
				assertAppError(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.move, move)
			if tc.skipped != nil {
				assert.Equal(t, tc.skipped, skipped)
			}
		})
	}
}
