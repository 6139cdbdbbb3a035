package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
)

type fakeWorkflowStore struct {
	mu      sync.Mutex
	records map[string]*models.EnrollmentRecord
	tokens  map[string]string
	// updateErrs are returned, in order, by the next Update calls.
	updateErrs []error
	updates    int
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{records: map[string]*models.EnrollmentRecord{}, tokens: map[string]string{}}
}

func (f *fakeWorkflowStore) Create(ctx context.Context, record *models.EnrollmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[record.InvitationToken]; ok {
		return repository.ErrAlreadyExists
	}
	f.records[record.EnrollmentID] = roundTrip(record)
	f.tokens[record.InvitationToken] = record.EnrollmentID
	return nil
}

func (f *fakeWorkflowStore) Get(ctx context.Context, id string) (*models.EnrollmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return roundTrip(record), nil
}

func (f *fakeWorkflowStore) FindByInvitation(ctx context.Context, token string) (*models.EnrollmentRecord, error) {
	f.mu.Lock()
	id, ok := f.tokens[token]
	f.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f.Get(ctx, id)
}

func (f *fakeWorkflowStore) Update(ctx context.Context, record *models.EnrollmentRecord, expected models.Precondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	current, ok := f.records[record.EnrollmentID]
	if !ok {
		return repository.ErrNotFound
	}
	if !expected.Matches(current) {
		return repository.ErrConcurrentModification
	}
	f.records[record.EnrollmentID] = roundTrip(record)
	return nil
}

func (f *fakeWorkflowStore) ListSyncDue(ctx context.Context, status models.SyncStatus, before time.Time, limit int) ([]*models.EnrollmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EnrollmentRecord
	for _, record := range f.records {
		if record.ComplianceSyncStatus == status && record.SyncDue() && !record.UpdatedAt.After(before) {
			out = append(out, roundTrip(record))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].EnrollmentID < out[j].EnrollmentID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeWorkflowStore) put(record *models.EnrollmentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.EnrollmentID] = roundTrip(record)
	f.tokens[record.InvitationToken] = record.EnrollmentID
}

func (f *fakeWorkflowStore) snapshot(id string) *models.EnrollmentRecord {
	record, _ := f.Get(context.Background(), id)
	return record
}

// roundTrip copies a record through JSON the way the real store does.
func roundTrip(record *models.EnrollmentRecord) *models.EnrollmentRecord {
	raw, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	var out models.EnrollmentRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	if out.StepPayloads == nil {
		out.StepPayloads = map[int]json.RawMessage{}
	}
	return &out
}

var errComplianceDown = errors.New("compliance store unreachable")

type fakeComplianceStore struct {
	mu           sync.Mutex
	down         bool
	bundles      map[string]*models.ComplianceBundle
	byInvitation map[string]string
	creates      int
	updates      int
}

func newFakeComplianceStore() *fakeComplianceStore {
	return &fakeComplianceStore{bundles: map[string]*models.ComplianceBundle{}, byInvitation: map[string]string{}}
}

func (f *fakeComplianceStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeComplianceStore) CreateStudentBundle(ctx context.Context, bundle *models.ComplianceBundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errComplianceDown
	}
	if _, ok := f.byInvitation[bundle.Extension.InvitationToken]; ok {
		return repository.ErrAlreadyExists
	}
	if _, ok := f.bundles[bundle.Student.StudentUniqueID]; ok {
		return repository.ErrAlreadyExists
	}
	copied := *bundle
	f.bundles[bundle.Student.StudentUniqueID] = &copied
	f.byInvitation[bundle.Extension.InvitationToken] = bundle.Student.StudentUniqueID
	f.creates++
	return nil
}

func (f *fakeComplianceStore) UpdateExtensionStatus(ctx context.Context, id string, status models.ComplianceEnrollmentStatus, update models.ExtensionUpdate, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errComplianceDown
	}
	bundle, ok := f.bundles[id]
	if !ok {
		return repository.ErrNotFound
	}
	ext := &bundle.Extension
	ext.EnrollmentStatus = status
	ext.UpdatedAt = at
	if update.DepositPaid != nil {
		ext.DepositPaid = *update.DepositPaid
	}
	if update.DocumentsComplete != nil {
		ext.DocumentsComplete = *update.DocumentsComplete
	}
	if update.ConsultationCompleted != nil {
		ext.ConsultationCompleted = *update.ConsultationCompleted
	}
	if update.PaymentReference != nil {
		ref := *update.PaymentReference
		ext.PaymentReference = &ref
	}
	if update.EnrollmentCompletedDate != nil {
		completed := *update.EnrollmentCompletedDate
		ext.EnrollmentCompletedDate = &completed
	}
	f.updates++
	return nil
}

func (f *fakeComplianceStore) FindStudentUniqueIDByInvitation(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", errComplianceDown
	}
	id, ok := f.byInvitation[token]
	if !ok {
		return "", repository.ErrNotFound
	}
	return id, nil
}

func (f *fakeComplianceStore) StudentUniqueIDExists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errComplianceDown
	}
	_, ok := f.bundles[id]
	return ok, nil
}

func (f *fakeComplianceStore) bundleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bundles)
}

func (f *fakeComplianceStore) bundleFor(token string) *models.ComplianceBundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byInvitation[token]
	if !ok {
		return nil
	}
	return f.bundles[id]
}

type fakeInvitationRepo struct {
	invitations map[string]*models.Invitation
	coaches     map[string]*models.Coach
	consumeErr  error
}

func newFakeInvitationRepo() *fakeInvitationRepo {
	return &fakeInvitationRepo{
		invitations: map[string]*models.Invitation{},
		coaches:     map[string]*models.Coach{"coach-1": {ID: "coach-1", FullName: "Coach Carter", Active: true}},
	}
}

func (f *fakeInvitationRepo) add(token string, expiresAt time.Time) {
	f.invitations[token] = &models.Invitation{Token: token, CoachID: "coach-1", ParentEmail: "parent@example.com", ExpiresAt: expiresAt}
}

func (f *fakeInvitationRepo) FindByToken(ctx context.Context, token string) (*models.Invitation, error) {
	inv, ok := f.invitations[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (f *fakeInvitationRepo) FindCoach(ctx context.Context, id string) (*models.Coach, error) {
	coach, ok := f.coaches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return coach, nil
}

func (f *fakeInvitationRepo) MarkConsumed(ctx context.Context, token, email string, at time.Time) error {
	if f.consumeErr != nil {
		return f.consumeErr
	}
	inv, ok := f.invitations[token]
	if !ok {
		return repository.ErrNotFound
	}
	if inv.ConsumedByEmail != nil && *inv.ConsumedByEmail != email {
		return repository.ErrAlreadyExists
	}
	inv.ConsumedByEmail = &email
	inv.ConsumedAt = &at
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeEnqueuer) Enqueue(jobType, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}
