package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
	"github.com/noah-isme/sma-enrollment-sync/pkg/export"
	"github.com/noah-isme/sma-enrollment-sync/pkg/jobs"
)

type syncDueLister interface {
	ListSyncDue(ctx context.Context, status models.SyncStatus, before time.Time, limit int) ([]*models.EnrollmentRecord, error)
}

type reconcileStore interface {
	workflowStore
	syncDueLister
}

// ReconcilerConfig tunes the reconciliation sweep.
type ReconcilerConfig struct {
	BatchSize       int
	Concurrency     int
	StoreTimeout    time.Duration
	MaxWriteRetries int
	// StaleAfter is how long a record may sit between its checkpoint write and
	// its sync outcome before the sweep treats it as interrupted.
	StaleAfter time.Duration
}

// ReconcilerService re-runs compliance writes that did not complete at step
// time. Every pass is idempotent: existing students are detected before any
// creation, so repeated runs never duplicate a bundle.
type ReconcilerService struct {
	store    reconcileStore
	sync     complianceSyncer
	statuses *syncStatusWriter
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      ReconcilerConfig
	now      func() time.Time
}

// NewReconcilerService constructs the reconciler.
func NewReconcilerService(store reconcileStore, sync complianceSyncer, metrics *MetricsService, logger *zap.Logger, cfg ReconcilerConfig) *ReconcilerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	svc := &ReconcilerService{store: store, sync: sync, metrics: metrics, logger: logger, cfg: cfg, now: time.Now}
	svc.statuses = newSyncStatusWriter(store, cfg.StoreTimeout, cfg.MaxWriteRetries, func() time.Time { return svc.now() })
	return svc
}

// ReconcilePending sweeps records whose compliance sync failed or was
// interrupted and returns how many reached their next expected state.
func (s *ReconcilerService) ReconcilePending(ctx context.Context) (int, error) {
	candidates, err := s.candidates(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.SetSyncBacklog(len(candidates))
	if len(candidates) == 0 {
		return 0, nil
	}

	var resolved int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, record := range candidates {
		record := record
		g.Go(func() error {
			ok, err := s.reconcile(gctx, record)
			if err != nil {
				s.logger.Warn("reconciliation attempt failed",
					zap.String("enrollment_id", record.EnrollmentID),
					zap.Error(err))
			}
			if ok {
				atomic.AddInt64(&resolved, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("reconciliation sweep finished",
		zap.Int("candidates", len(candidates)),
		zap.Int64("resolved", resolved))
	return int(resolved), nil
}

// ReconcileOne reconciles a single enrollment by id. It reports whether the
// record is in sync afterwards.
func (s *ReconcilerService) ReconcileOne(ctx context.Context, id string) (bool, error) {
	record, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if record.NextSyncTarget() == "" {
		return true, nil
	}
	return s.reconcile(ctx, record)
}

// HandleJob adapts ReconcileOne to the job queue; an unresolved record is
// returned as an error so the queue retries it.
func (s *ReconcilerService) HandleJob(ctx context.Context, job jobs.Job) error {
	ok, err := s.ReconcileOne(ctx, job.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("enrollment %s still out of sync", job.Key)
	}
	return nil
}

// Run sweeps on every tick until ctx is cancelled.
func (s *ReconcilerService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReconcilePending(ctx); err != nil {
				s.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

var backlogHeaders = []string{"enrollment_id", "coach_id", "status", "current_step", "sync_status", "sync_attempts", "last_sync_at", "last_sync_error"}

// BacklogReport lists up to limit records whose last compliance write failed.
func (s *ReconcilerService) BacklogReport(ctx context.Context, limit int) (export.Dataset, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	records, err := s.list(ctx, models.SyncStatusSyncFailed, s.now(), limit)
	if err != nil {
		return export.Dataset{}, err
	}
	rows := make([]map[string]string, 0, len(records))
	for _, record := range records {
		lastSync := ""
		if record.LastSyncAt != nil {
			lastSync = record.LastSyncAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, map[string]string{
			"enrollment_id":   record.EnrollmentID,
			"coach_id":        record.CoachID,
			"status":          string(record.Status),
			"current_step":    strconv.Itoa(record.CurrentStep),
			"sync_status":     string(record.ComplianceSyncStatus),
			"sync_attempts":   strconv.Itoa(record.SyncAttempts),
			"last_sync_at":    lastSync,
			"last_sync_error": record.LastSyncError,
		})
	}
	return export.Dataset{Title: "Compliance sync backlog", Headers: backlogHeaders, Rows: rows}, nil
}

func (s *ReconcilerService) reconcile(ctx context.Context, record *models.EnrollmentRecord) (bool, error) {
	outcome := syncOutcome{target: record.NextSyncTarget()}
	switch outcome.target {
	case "":
		return true, nil
	case models.SyncStatusFinalized:
		fin, err := finalizationFor(record)
		if err != nil {
			outcome.err = err
			break
		}
		outcome.studentUniqueID, outcome.err = s.sync.Finalize(ctx, record, fin)
	default:
		outcome.studentUniqueID, outcome.err = s.sync.EnsureStudent(ctx, record)
	}

	_, writeErr := s.statuses.apply(ctx, record.EnrollmentID, outcome)
	switch {
	case outcome.err != nil:
		s.metrics.RecordReconcile("failed")
		return false, outcome.err
	case writeErr != nil:
		s.metrics.RecordReconcile("unrecorded")
		return false, fmt.Errorf("record sync outcome: %w", writeErr)
	}
	s.metrics.RecordReconcile("resolved")
	s.logger.Info("enrollment reconciled",
		zap.String("enrollment_id", record.EnrollmentID),
		zap.String("sync_status", string(outcome.target)),
		zap.String("student_unique_id", outcome.studentUniqueID))
	return true, nil
}

// candidates returns the records that have waited longest for a compliance
// write. Failed records are eligible at once, records left mid-checkpoint by an
// interrupted request only after StaleAfter. Every attempt bumps updated_at, so
// records that keep failing rotate behind the rest of the backlog.
func (s *ReconcilerService) candidates(ctx context.Context) ([]*models.EnrollmentRecord, error) {
	now := s.now()
	staleBefore := now.Add(-s.cfg.StaleAfter)
	windows := []struct {
		status models.SyncStatus
		before time.Time
	}{
		{models.SyncStatusSyncFailed, now},
		{models.SyncStatusNotStarted, staleBefore},
		{models.SyncStatusStudentCreated, staleBefore},
	}

	var out []*models.EnrollmentRecord
	for _, w := range windows {
		records, err := s.list(ctx, w.status, w.before, s.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			if record.SyncDue() {
				out = append(out, record)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].EnrollmentID < out[j].EnrollmentID
	})
	if len(out) > s.cfg.BatchSize {
		out = out[:s.cfg.BatchSize]
	}
	return out, nil
}

func (s *ReconcilerService) list(ctx context.Context, status models.SyncStatus, before time.Time, limit int) ([]*models.EnrollmentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.ListSyncDue(ctx, status, before, limit)
}

func (s *ReconcilerService) get(ctx context.Context, id string) (*models.EnrollmentRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.store.Get(ctx, id)
}
