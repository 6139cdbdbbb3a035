package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
)

// InvitationRepository reads coach invitations and records their consumption.
type InvitationRepository struct {
	db *sqlx.DB
}

// NewInvitationRepository constructs the repository.
func NewInvitationRepository(db *sqlx.DB) *InvitationRepository {
	return &InvitationRepository{db: db}
}

// FindByToken fetches an invitation by its opaque token.
func (r *InvitationRepository) FindByToken(ctx context.Context, token string) (*models.Invitation, error) {
	const query = `SELECT token, coach_id, parent_email, expires_at, consumed_by_email, consumed_at, created_at
	FROM enrollment_invitations WHERE token = $1`
	var invitation models.Invitation
	if err := r.db.GetContext(ctx, &invitation, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find invitation: %w", err)
	}
	return &invitation, nil
}

// FindCoach fetches the coach an invitation belongs to.
func (r *InvitationRepository) FindCoach(ctx context.Context, id string) (*models.Coach, error) {
	const query = `SELECT id, full_name, active FROM coaches WHERE id = $1`
	var coach models.Coach
	if err := r.db.GetContext(ctx, &coach, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find coach: %w", err)
	}
	return &coach, nil
}

// MarkConsumed binds the invitation to email. Re-consuming with the same email
// succeeds; a different email yields ErrAlreadyExists.
func (r *InvitationRepository) MarkConsumed(ctx context.Context, token, email string, at time.Time) error {
	const query = `UPDATE enrollment_invitations
	SET consumed_by_email = $2, consumed_at = COALESCE(consumed_at, $3)
	WHERE token = $1 AND (consumed_by_email IS NULL OR consumed_by_email = $2)`
	res, err := r.db.ExecContext(ctx, query, token, email, at)
	if err != nil {
		return fmt.Errorf("consume invitation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check invitation consume rows: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}
