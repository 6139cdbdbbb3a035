package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
)

const (
	recordKeyPrefix     = "enrollment:record:"
	invitationKeyPrefix = "enrollment:invitation:"
	syncIndexKeyPrefix  = "enrollment:sync-due:"
)

// WorkflowRepository is the operational store for enrollment records. Records
// are JSON documents in Redis; writes are conditioned on the version the
// caller read, using WATCH/MULTI so a concurrent writer aborts the transaction.
type WorkflowRepository struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewWorkflowRepository constructs the repository. A zero ttl keeps records forever.
func NewWorkflowRepository(client *redis.Client, ttl time.Duration, logger *zap.Logger) *WorkflowRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowRepository{client: client, ttl: ttl, logger: logger}
}

func recordKey(id string) string { return recordKeyPrefix + id }

func invitationKey(token string) string { return invitationKeyPrefix + token }

func syncIndexKey(status models.SyncStatus) string { return syncIndexKeyPrefix + string(status) }

func syncIndexScore(record *models.EnrollmentRecord) float64 {
	return float64(record.UpdatedAt.UnixMicro())
}

// indexSync keeps the sync-due sorted sets in step with record: one entry per
// record that still owes a compliance write, scored by updated_at so the
// oldest pending work is listed first.
func indexSync(ctx context.Context, pipe redis.Pipeliner, previous, record *models.EnrollmentRecord) {
	if previous != nil && previous.SyncDue() {
		pipe.ZRem(ctx, syncIndexKey(previous.ComplianceSyncStatus), record.EnrollmentID)
	}
	if record.SyncDue() {
		pipe.ZAdd(ctx, syncIndexKey(record.ComplianceSyncStatus), redis.Z{Score: syncIndexScore(record), Member: record.EnrollmentID})
	}
}

// Create stores a new record and binds its invitation token to it. It fails
// with ErrAlreadyExists when the invitation is already bound.
func (r *WorkflowRepository) Create(ctx context.Context, record *models.EnrollmentRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal enrollment %s: %w", record.EnrollmentID, err)
	}
	rKey := recordKey(record.EnrollmentID)
	iKey := invitationKey(record.InvitationToken)

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rKey, iKey).Result()
		if err != nil {
			return fmt.Errorf("redis exists %s: %w", rKey, err)
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rKey, payload, r.ttl)
			pipe.Set(ctx, iKey, record.EnrollmentID, r.ttl)
			indexSync(ctx, pipe, nil, record)
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, rKey, iKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConcurrentModification
		}
		if errors.Is(err, ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("create enrollment %s: %w", record.EnrollmentID, err)
	}
	return nil
}

// Get loads a record by id.
func (r *WorkflowRepository) Get(ctx context.Context, id string) (*models.EnrollmentRecord, error) {
	return r.get(ctx, r.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *WorkflowRepository) get(ctx context.Context, c getter, id string) (*models.EnrollmentRecord, error) {
	raw, err := c.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get enrollment %s: %w", id, err)
	}
	var record models.EnrollmentRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshal enrollment %s: %w", id, err)
	}
	if record.StepPayloads == nil {
		record.StepPayloads = map[int]json.RawMessage{}
	}
	return &record, nil
}

// FindByInvitation returns the record bound to an invitation token.
func (r *WorkflowRepository) FindByInvitation(ctx context.Context, token string) (*models.EnrollmentRecord, error) {
	id, err := r.client.Get(ctx, invitationKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get invitation binding: %w", err)
	}
	return r.Get(ctx, id)
}

// Update replaces the stored record when it still matches expected. A record
// changed since it was read yields ErrConcurrentModification.
func (r *WorkflowRepository) Update(ctx context.Context, record *models.EnrollmentRecord, expected models.Precondition) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal enrollment %s: %w", record.EnrollmentID, err)
	}
	rKey := recordKey(record.EnrollmentID)

	txf := func(tx *redis.Tx) error {
		current, err := r.get(ctx, tx, record.EnrollmentID)
		if err != nil {
			return err
		}
		if !expected.Matches(current) {
			return ErrConcurrentModification
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rKey, payload, r.ttl)
			if r.ttl > 0 {
				pipe.Expire(ctx, invitationKey(record.InvitationToken), r.ttl)
			}
			indexSync(ctx, pipe, current, record)
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, rKey); err != nil {
		switch {
		case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrConcurrentModification):
			return ErrConcurrentModification
		case errors.Is(err, ErrNotFound):
			return ErrNotFound
		}
		return fmt.Errorf("update enrollment %s: %w", record.EnrollmentID, err)
	}
	return nil
}

// ListSyncDue returns up to limit records in status that still owe a
// compliance write and were last updated no later than before, oldest first.
// Index entries whose record has expired are pruned.
func (r *WorkflowRepository) ListSyncDue(ctx context.Context, status models.SyncStatus, before time.Time, limit int) ([]*models.EnrollmentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	key := syncIndexKey(status)
	maxScore := strconv.FormatInt(before.UnixMicro(), 10)
	var (
		records []*models.EnrollmentRecord
		offset  int64
	)
	for {
		ids, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    maxScore,
			Offset: offset,
			Count:  int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zrangebyscore %s: %w", key, err)
		}
		if len(ids) == 0 {
			return records, nil
		}
		pruned := 0
		for _, id := range ids {
			record, err := r.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				if err := r.client.ZRem(ctx, key, id).Err(); err != nil {
					r.logger.Warn("prune sync index failed", zap.String("enrollment_id", id), zap.Error(err))
				} else {
					pruned++
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			if record.ComplianceSyncStatus != status || !record.SyncDue() {
				continue
			}
			records = append(records, record)
			if len(records) >= limit {
				return records, nil
			}
		}
		offset += int64(len(ids) - pruned)
	}
}

// Ping checks connectivity to the operational store.
func (r *WorkflowRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
