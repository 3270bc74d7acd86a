package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/infra/config"
	"github.com/cedarline/identity-core/internal/infra/metrics"
	"github.com/cedarline/identity-core/internal/infra/security"
	"github.com/cedarline/identity-core/internal/repository"
)

const (
	defaultMfaCodeLength     = 6
	defaultMfaChallengeTTL   = 5 * time.Minute
	defaultMfaMaxAttempts    = 5
	defaultMfaResendCooldown = time.Minute
)

// MfaService runs the second factor step between a successful password check
// and token issuance. Challenges are short-lived and attempt-bounded; the
// opaque challenge token is the only handle the client holds.
type MfaService struct {
	cfg        *config.AppConfig
	challenges port.MfaChallengeRepository
	events     port.EventPublisher
	metrics    *metrics.AuthMetrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewMfaService(cfg *config.AppConfig, challenges port.MfaChallengeRepository, events port.EventPublisher, m *metrics.AuthMetrics, logger *zap.Logger) *MfaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &MfaService{
		cfg:        cfg,
		challenges: challenges,
		events:     events,
		metrics:    m,
		logger:     logger,
	}
	service.now = func() time.Time { return time.Now().UTC() }
	return service
}

func (s *MfaService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// CreateChallenge opens a new challenge for the user and emits the code for
// out-of-band delivery. The returned token is the client's handle; the code
// itself never travels back on the login response.
func (s *MfaService) CreateChallenge(ctx context.Context, userID string, channel domain.MfaChannel, clientIP string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	code, err := security.GenerateNumericCode(s.codeLength())
	if err != nil {
		return "", fmt.Errorf("generate mfa code: %w", err)
	}

	token, err := security.GenerateSecureToken(singleUseSecretBytes)
	if err != nil {
		return "", fmt.Errorf("generate challenge token: %w", err)
	}

	now := s.now()
	ttl := s.challengeTTL()
	challenge := domain.MfaChallenge{
		Token:      token,
		UserID:     userID,
		CodeHash:   security.HashToken(code),
		Channel:    channel,
		CreatedAt:  now,
		LastSentAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if ip := strings.TrimSpace(clientIP); ip != "" {
		challenge.ClientIP = &ip
	}

	if err := s.challenges.Store(ctx, challenge, ttl); err != nil {
		return "", fmt.Errorf("store mfa challenge: %w", err)
	}

	s.publishCode(ctx, &challenge, code)

	return token, nil
}

// VerifyCode checks a submitted code against the challenge. The attempt is
// counted before the code is compared, so a crashed comparison still burns
// the attempt. A correct code on the final allowed attempt succeeds; the one
// after that is exhausted regardless of the code. Success deletes the
// challenge, so the token cannot be replayed.
func (s *MfaService) VerifyCode(ctx context.Context, challengeToken, code string) (string, error) {
	challenge, err := s.lookup(ctx, challengeToken)
	if err != nil {
		s.countVerification("invalid")
		return "", err
	}

	switch challenge.State(s.now(), s.maxAttempts()) {
	case domain.MfaChallengeExpired:
		s.countVerification("expired")
		return "", ErrMfaChallengeInvalid
	case domain.MfaChallengeExhausted:
		s.countVerification("exhausted")
		return "", ErrAttemptsExhausted
	}

	attempts, err := s.challenges.IncrementAttempts(ctx, challenge.Token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.countVerification("invalid")
			return "", ErrMfaChallengeInvalid
		}
		return "", fmt.Errorf("count mfa attempt: %w", err)
	}

	if attempts > s.maxAttempts() {
		s.countVerification("exhausted")
		s.logger.Warn("mfa attempts exhausted",
			zap.String("user_id", challenge.UserID))
		return "", ErrAttemptsExhausted
	}

	if subtle.ConstantTimeCompare([]byte(security.HashToken(code)), []byte(challenge.CodeHash)) != 1 {
		s.countVerification("mismatch")
		return "", ErrMfaCodeInvalid
	}

	if err := s.challenges.Delete(ctx, challenge.Token); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("delete verified mfa challenge failed", zap.Error(err))
	}

	s.countVerification("verified")
	return challenge.UserID, nil
}

// RefreshChallenge re-sends the code on an open challenge, subject to a
// cooldown between sends. A fresh code replaces the old one; the old code
// stops working immediately. The challenge token, deadline, and attempt
// count all carry over unchanged.
func (s *MfaService) RefreshChallenge(ctx context.Context, challengeToken string) error {
	challenge, err := s.lookup(ctx, challengeToken)
	if err != nil {
		return err
	}

	now := s.now()
	switch challenge.State(now, s.maxAttempts()) {
	case domain.MfaChallengeExpired:
		return ErrMfaChallengeInvalid
	case domain.MfaChallengeExhausted:
		return ErrAttemptsExhausted
	}

	if elapsed := now.Sub(challenge.LastSentAt); elapsed < s.resendCooldown() {
		return ErrResendCooldown
	}

	code, err := security.GenerateNumericCode(s.codeLength())
	if err != nil {
		return fmt.Errorf("generate mfa code: %w", err)
	}

	if err := s.challenges.ReplaceCode(ctx, challenge.Token, security.HashToken(code), now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMfaChallengeInvalid
		}
		return fmt.Errorf("replace mfa code: %w", err)
	}

	challenge.LastSentAt = now
	s.publishCode(ctx, challenge, code)

	return nil
}

// CancelChallenge drops an open challenge, e.g. when the login that opened
// it is abandoned. Unknown tokens are a no-op.
func (s *MfaService) CancelChallenge(ctx context.Context, challengeToken string) error {
	if err := s.challenges.Delete(ctx, strings.TrimSpace(challengeToken)); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete mfa challenge: %w", err)
	}
	return nil
}

func (s *MfaService) lookup(ctx context.Context, challengeToken string) (*domain.MfaChallenge, error) {
	challengeToken = strings.TrimSpace(challengeToken)
	if challengeToken == "" {
		return nil, ErrMfaChallengeInvalid
	}

	challenge, err := s.challenges.Get(ctx, challengeToken)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMfaChallengeInvalid
		}
		return nil, fmt.Errorf("lookup mfa challenge: %w", err)
	}

	return challenge, nil
}

func (s *MfaService) publishCode(ctx context.Context, challenge *domain.MfaChallenge, code string) {
	if s.events == nil {
		return
	}
	event := domain.MfaCodeIssuedEvent{
		EventID:        uuid.NewString(),
		UserID:         challenge.UserID,
		ChallengeToken: challenge.Token,
		Channel:        string(challenge.Channel),
		Code:           code,
		IssuedAt:       challenge.LastSentAt,
		ExpiresAt:      challenge.ExpiresAt,
	}
	if err := s.events.PublishMfaCodeIssued(ctx, event); err != nil {
		s.logger.Warn("publish mfa code event failed",
			zap.String("user_id", challenge.UserID),
			zap.Error(err))
	}
}

func (s *MfaService) countVerification(result string) {
	if s.metrics != nil {
		s.metrics.MfaVerifications.WithLabelValues(result).Inc()
	}
}

func (s *MfaService) codeLength() int {
	if s.cfg != nil && s.cfg.MFA.CodeLength > 0 {
		return s.cfg.MFA.CodeLength
	}
	return defaultMfaCodeLength
}

func (s *MfaService) challengeTTL() time.Duration {
	if s.cfg != nil && s.cfg.MFA.ChallengeTTL > 0 {
		return s.cfg.MFA.ChallengeTTL
	}
	return defaultMfaChallengeTTL
}

func (s *MfaService) maxAttempts() int {
	if s.cfg != nil && s.cfg.MFA.MaxAttempts > 0 {
		return s.cfg.MFA.MaxAttempts
	}
	return defaultMfaMaxAttempts
}

func (s *MfaService) resendCooldown() time.Duration {
	if s.cfg != nil && s.cfg.MFA.ResendCooldown > 0 {
		return s.cfg.MFA.ResendCooldown
	}
	return defaultMfaResendCooldown
}
