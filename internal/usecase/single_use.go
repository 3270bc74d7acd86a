package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/infra/config"
	"github.com/cedarline/identity-core/internal/infra/security"
	"github.com/cedarline/identity-core/internal/repository"
)

const (
	defaultPasswordResetTTL     = time.Hour
	defaultEmailVerificationTTL = 24 * time.Hour
	defaultRegistrationTTL      = 24 * time.Hour

	singleUseSecretBytes = 32
)

// SingleUseTokenService is the shared engine behind password reset, email
// verification, and registration links. All three purposes go through the
// same issue/resolve/consume cycle; only the TTL and the purpose tag differ.
type SingleUseTokenService struct {
	cfg    *config.AppConfig
	store  port.SingleUseTokenRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewSingleUseTokenService(cfg *config.AppConfig, store port.SingleUseTokenRepository, logger *zap.Logger) *SingleUseTokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &SingleUseTokenService{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}
	service.now = func() time.Time { return time.Now().UTC() }
	return service
}

func (s *SingleUseTokenService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Issue mints a fresh token for the subject under the given purpose and
// invalidates every earlier outstanding token with the same subject/purpose,
// so only the most recently delivered link works. The raw secret is returned
// once; only its hash is stored.
func (s *SingleUseTokenService) Issue(ctx context.Context, userID, subject string, purpose domain.TokenPurpose, clientIP string) (string, *domain.SingleUseToken, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", nil, fmt.Errorf("token subject is required")
	}

	now := s.now()

	superseded, err := s.store.InvalidateForSubject(ctx, subject, purpose, now)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", nil, fmt.Errorf("invalidate prior tokens: %w", err)
	}
	if superseded > 0 {
		s.logger.Debug("prior single-use tokens superseded",
			zap.String("purpose", string(purpose)),
			zap.Int("count", superseded))
	}

	raw, err := security.GenerateSecureToken(singleUseSecretBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}

	record := domain.SingleUseToken{
		ID:        uuid.NewString(),
		Subject:   subject,
		TokenHash: security.HashToken(raw),
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttlFor(purpose)),
	}
	if id := strings.TrimSpace(userID); id != "" {
		record.UserID = &id
	}
	if ip := strings.TrimSpace(clientIP); ip != "" {
		record.ClientIP = &ip
	}

	if err := s.store.Create(ctx, record); err != nil {
		return "", nil, fmt.Errorf("store token: %w", err)
	}

	return raw, &record, nil
}

// Resolve validates a presented token for the purpose without consuming it.
// Unknown, expired, revoked, and used tokens are indistinguishable to the
// caller. The record is returned so the caller can apply its effect before
// marking the token used via Complete.
func (s *SingleUseTokenService) Resolve(ctx context.Context, rawToken string, purpose domain.TokenPurpose) (*domain.SingleUseToken, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrSingleUseTokenInvalid
	}

	record, err := s.store.GetByHash(ctx, security.HashToken(rawToken), purpose)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSingleUseTokenInvalid
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	if !record.IsConsumable(s.now()) {
		return nil, ErrSingleUseTokenInvalid
	}

	return record, nil
}

// Complete marks a resolved token as used. A concurrent completion of the
// same token surfaces as ErrAlreadyUsed; exactly one caller wins.
func (s *SingleUseTokenService) Complete(ctx context.Context, tokenID string) error {
	if err := s.store.MarkUsed(ctx, tokenID, s.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return ErrAlreadyUsed
		}
		return fmt.Errorf("mark token used: %w", err)
	}
	return nil
}

// CompleteInTx marks the token used through tx so the consumption commits
// together with the effect it unlocked. Semantics match Complete.
func (s *SingleUseTokenService) CompleteInTx(ctx context.Context, tx pgx.Tx, tokenID string) error {
	if err := s.store.WithTx(tx).MarkUsed(ctx, tokenID, s.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return ErrAlreadyUsed
		}
		return fmt.Errorf("mark token used: %w", err)
	}
	return nil
}

// Consume resolves and completes in one call, for flows with no intermediate
// effect to apply between validation and consumption.
func (s *SingleUseTokenService) Consume(ctx context.Context, rawToken string, purpose domain.TokenPurpose) (*domain.SingleUseToken, error) {
	record, err := s.Resolve(ctx, rawToken, purpose)
	if err != nil {
		return nil, err
	}
	if err := s.Complete(ctx, record.ID); err != nil {
		if errors.Is(err, ErrAlreadyUsed) {
			return nil, ErrSingleUseTokenInvalid
		}
		return nil, err
	}
	return record, nil
}

func (s *SingleUseTokenService) ttlFor(purpose domain.TokenPurpose) time.Duration {
	if s.cfg != nil {
		switch purpose {
		case domain.PurposePasswordReset:
			if s.cfg.Tokens.PasswordResetTTL > 0 {
				return s.cfg.Tokens.PasswordResetTTL
			}
		case domain.PurposeEmailVerification:
			if s.cfg.Tokens.EmailVerificationTTL > 0 {
				return s.cfg.Tokens.EmailVerificationTTL
			}
		case domain.PurposeRegistration:
			if s.cfg.Tokens.RegistrationTTL > 0 {
				return s.cfg.Tokens.RegistrationTTL
			}
		}
	}

	switch purpose {
	case domain.PurposePasswordReset:
		return defaultPasswordResetTTL
	case domain.PurposeEmailVerification:
		return defaultEmailVerificationTTL
	default:
		return defaultRegistrationTTL
	}
}
