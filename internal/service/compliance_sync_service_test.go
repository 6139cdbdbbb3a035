package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
)

func newTestSynchronizer(store *fakeComplianceStore) *ComplianceSynchronizer {
	builder := NewComplianceBuilder(BuilderConfig{SchoolID: "255901001", SchoolYear: 2027})
	return NewComplianceSynchronizer(store, NewIdentifierGenerator(store, "ENR", 5), builder, time.Second, nil, nil)
}

func syncRecord() *models.EnrollmentRecord {
	return &models.EnrollmentRecord{
		EnrollmentID:    "enr-1",
		InvitationToken: "tok-1",
		CoachID:         "coach-1",
		CompletedSteps:  []int{1, 4},
		StepPayloads: map[int]json.RawMessage{
			models.StepProgramInfo: json.RawMessage(step1Payload),
			models.StepStudentInfo: json.RawMessage(step4Payload),
		},
	}
}

func TestEnsureStudentIsIdempotent(t *testing.T) {
	store := newFakeComplianceStore()
	syncer := newTestSynchronizer(store)
	record := syncRecord()

	first, err := syncer.EnsureStudent(context.Background(), record)
	require.NoError(t, err)
	assert.Regexp(t, `^ENR-\d{8}-[A-Z2-9]{6}$`, first)

	second, err := syncer.EnsureStudent(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.creates)

	record.StudentUniqueID = first
	third, err := syncer.EnsureStudent(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

// racingComplianceStore reports no student on lookup until a bundle exists,
// then simulates a concurrent writer winning the insert.
type racingComplianceStore struct {
	*fakeComplianceStore
	winner  string
	lookups int
}

func (r *racingComplianceStore) FindStudentUniqueIDByInvitation(ctx context.Context, token string) (string, error) {
	r.lookups++
	if r.lookups == 1 {
		return "", repository.ErrNotFound
	}
	return r.winner, nil
}

func (r *racingComplianceStore) CreateStudentBundle(ctx context.Context, bundle *models.ComplianceBundle) error {
	return repository.ErrAlreadyExists
}

func TestCreateResolvesConcurrentWinner(t *testing.T) {
	base := newFakeComplianceStore()
	base.bundles["ENR-20260101-WINNER"] = &models.ComplianceBundle{Extension: models.ComplianceExtension{StudentUniqueID: "ENR-20260101-WINNER"}}
	store := &racingComplianceStore{fakeComplianceStore: base, winner: "ENR-20260101-WINNER"}
	builder := NewComplianceBuilder(BuilderConfig{SchoolID: "1", SchoolYear: 2027})
	syncer := NewComplianceSynchronizer(store, NewIdentifierGenerator(store, "ENR", 5), builder, time.Second, nil, nil)

	id, err := syncer.EnsureStudent(context.Background(), syncRecord())
	require.NoError(t, err)
	assert.Equal(t, "ENR-20260101-WINNER", id)

	store.lookups = 0
	fin := models.Finalization{PaymentReference: "PAY-123456", CompletedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	id, err = syncer.Finalize(context.Background(), syncRecord(), fin)
	require.NoError(t, err)
	assert.Equal(t, "ENR-20260101-WINNER", id)
	assert.Equal(t, models.ComplianceStatusEnrolled, base.bundles["ENR-20260101-WINNER"].Extension.EnrollmentStatus)
}

func TestFinalizeCreatesBundleWhenBackReferenceIsDangling(t *testing.T) {
	store := newFakeComplianceStore()
	syncer := newTestSynchronizer(store)
	record := syncRecord()
	record.StudentUniqueID = "ENR-20260101-GHOST2"
	fin := models.Finalization{PaymentReference: "PAY-123456", CompletedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}

	id, err := syncer.Finalize(context.Background(), record, fin)
	require.NoError(t, err)
	assert.NotEqual(t, "ENR-20260101-GHOST2", id)
	bundle := store.bundleFor("tok-1")
	require.NotNil(t, bundle)
	assert.Equal(t, id, bundle.Student.StudentUniqueID)
	assert.Equal(t, models.ComplianceStatusEnrolled, bundle.Extension.EnrollmentStatus)
	assert.Equal(t, fin.CompletedAt, *bundle.Extension.EnrollmentCompletedDate)
}

func TestSyncFailuresAreTyped(t *testing.T) {
	store := newFakeComplianceStore()
	store.setDown(true)
	syncer := newTestSynchronizer(store)

	_, err := syncer.EnsureStudent(context.Background(), syncRecord())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrComplianceSync.Code, appErrors.FromError(err).Code)
	assert.ErrorIs(t, err, errComplianceDown)

	record := syncRecord()
	record.StudentUniqueID = "ENR-20260101-AAAAAA"
	_, err = syncer.Finalize(context.Background(), record, models.Finalization{PaymentReference: "PAY-123456"})
	assert.ErrorIs(t, err, errComplianceDown)
	assert.Zero(t, store.bundleCount())
}

func TestSyncErrorMessage(t *testing.T) {
	err := appErrors.WithDetails(appErrors.ErrMapping, "bad", map[string]string{"races": "martian"})
	assert.Equal(t, "MAPPING_ERROR: map[races:martian]", syncErrorMessage(err))
	assert.Equal(t, "look up existing student: compliance store unreachable",
		syncErrorMessage(appErrors.Wrap(errComplianceDown, appErrors.ErrComplianceSync.Code, appErrors.ErrComplianceSync.Status, "look up existing student")))
}
