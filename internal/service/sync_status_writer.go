package service

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
)

// syncOutcome is the result of one compliance write attempt.
type syncOutcome struct {
	target          models.SyncStatus
	studentUniqueID string
	err             error
}

// syncStatusWriter records sync outcomes on the operational record with
// conditional writes, re-reading and retrying when the record moved underneath.
type syncStatusWriter struct {
	store   workflowStore
	timeout time.Duration
	retries int
	now     func() time.Time
}

func newSyncStatusWriter(store workflowStore, timeout time.Duration, retries int, now func() time.Time) *syncStatusWriter {
	if retries < 0 {
		retries = 0
	}
	return &syncStatusWriter{store: store, timeout: timeout, retries: retries, now: now}
}

func (w *syncStatusWriter) apply(ctx context.Context, id string, outcome syncOutcome) (*models.EnrollmentRecord, error) {
	for attempt := 0; ; attempt++ {
		current, err := w.get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if !applySyncOutcome(next, outcome, w.now().UTC()) {
			return current, nil
		}
		err = w.update(ctx, next, models.PreconditionOf(current))
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, repository.ErrConcurrentModification) || attempt >= w.retries {
			return nil, err
		}
	}
}

func (w *syncStatusWriter) get(ctx context.Context, id string) (*models.EnrollmentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.store.Get(ctx, id)
}

func (w *syncStatusWriter) update(ctx context.Context, record *models.EnrollmentRecord, expected models.Precondition) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.store.Update(ctx, record, expected)
}

// applySyncOutcome mutates record and reports whether anything changed. The
// sync status never moves backwards: a late success for an earlier checkpoint
// or a failure after finalization leaves the status alone.
func applySyncOutcome(record *models.EnrollmentRecord, outcome syncOutcome, now time.Time) bool {
	changed := false
	if outcome.studentUniqueID != "" && record.StudentUniqueID == "" {
		record.StudentUniqueID = outcome.studentUniqueID
		changed = true
	}

	current := record.ComplianceSyncStatus
	switch {
	case outcome.err != nil:
		if current.CanTransition(models.SyncStatusSyncFailed) && current != models.SyncStatusFinalized {
			record.ComplianceSyncStatus = models.SyncStatusSyncFailed
			record.SyncAttempts++
			record.LastSyncError = syncErrorMessage(outcome.err)
			record.LastSyncAt = &now
			changed = true
		}
	case outcome.target.Rank() > current.Rank() && current.CanTransition(outcome.target):
		record.ComplianceSyncStatus = outcome.target
		record.SyncAttempts++
		record.LastSyncError = ""
		record.LastSyncAt = &now
		changed = true
	}

	if changed {
		record.UpdatedAt = nextTimestamp(record.UpdatedAt, now)
	}
	return changed
}
