package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-sync/internal/models"
	"github.com/noah-isme/sma-enrollment-sync/internal/repository"
	appErrors "github.com/noah-isme/sma-enrollment-sync/pkg/errors"
)

type invitationRepository interface {
	FindByToken(ctx context.Context, token string) (*models.Invitation, error)
	FindCoach(ctx context.Context, id string) (*models.Coach, error)
	MarkConsumed(ctx context.Context, token, email string, at time.Time) error
}

// InvitationService validates and consumes coach invitations.
type InvitationService struct {
	repo    invitationRepository
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewInvitationService constructs InvitationService.
func NewInvitationService(repo invitationRepository, timeout time.Duration, logger *zap.Logger) *InvitationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &InvitationService{repo: repo, timeout: timeout, logger: logger, now: time.Now}
}

// Validate checks that the invitation exists, is unexpired, belongs to an
// active coach and is either unused or already bound to email.
func (s *InvitationService) Validate(ctx context.Context, token, email string) (*models.InvitationBinding, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	email = normalizeEmail(email)
	invitation, err := s.repo.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrInvalidInvitation, "invitation not recognised")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invitation")
	}
	if !s.now().Before(invitation.ExpiresAt) {
		return nil, appErrors.Clone(appErrors.ErrInvalidInvitation, "invitation expired")
	}
	firstUse := invitation.ConsumedByEmail == nil || *invitation.ConsumedByEmail == ""
	if !firstUse && normalizeEmail(*invitation.ConsumedByEmail) != email {
		s.logger.Warn("invitation reuse with a different email rejected", zap.String("coach_id", invitation.CoachID))
		return nil, appErrors.Clone(appErrors.ErrInvalidInvitation, "invitation already used")
	}

	coach, err := s.repo.FindCoach(ctx, invitation.CoachID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrInvalidInvitation, "invitation coach unknown")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load coach")
	}
	if !coach.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidInvitation, "invitation coach inactive")
	}

	return &models.InvitationBinding{Valid: true, CoachID: coach.ID, Expiry: invitation.ExpiresAt, FirstUse: firstUse}, nil
}

// Consume binds the invitation to email.
func (s *InvitationService) Consume(ctx context.Context, token, email string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.MarkConsumed(ctx, token, normalizeEmail(email), s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return appErrors.Clone(appErrors.ErrInvalidInvitation, "invitation already used")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume invitation")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
