package usecase

import (
	"context"
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
	reasonTokenReuse      = "token_reuse"
	reasonSessionEviction = "session_limit"
	reasonLogout          = "logout"

	defaultRefreshTTL      = 24 * time.Hour
	defaultRememberMeTTL   = 30 * 24 * time.Hour
	defaultMaxSessions     = 5
	defaultSecretByteCount = 32
)

// RefreshTokenService owns the refresh token lifecycle: issuance, rotation,
// family-based reuse detection, session-cap enforcement, and revocation.
type RefreshTokenService struct {
	cfg     *config.AppConfig
	tokens  port.RefreshTokenRepository
	events  port.EventPublisher
	metrics *metrics.AuthMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRefreshTokenService constructs a RefreshTokenService.
func NewRefreshTokenService(cfg *config.AppConfig, tokens port.RefreshTokenRepository, events port.EventPublisher, m *metrics.AuthMetrics, logger *zap.Logger) *RefreshTokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &RefreshTokenService{
		cfg:     cfg,
		tokens:  tokens,
		events:  events,
		metrics: m,
		logger:  logger,
	}
	service.now = func() time.Time { return time.Now().UTC() }
	return service
}

// WithClock overrides the service clock for deterministic tests.
func (s *RefreshTokenService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Issue creates a brand-new refresh token for a fresh login, starting a new
// family. When the user is at the configured session cap, the single oldest
// active token is evicted first (FIFO) so login never hard-fails on the cap.
// The returned string is the raw secret; only its hash is stored.
func (s *RefreshTokenService) Issue(ctx context.Context, userID, clientIP string, rememberMe bool, actor string) (string, *domain.RefreshToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, fmt.Errorf("user id is required")
	}

	if actor == "" {
		actor = domain.SystemActor
	}
	if err := s.enforceSessionCap(ctx, userID, actor); err != nil {
		return "", nil, err
	}

	return s.mint(ctx, userID, uuid.NewString(), clientIP, rememberMe)
}

// Validate hashes the raw token, looks it up, and returns the owning user id
// when the token is active. Read-only; no state is mutated.
func (s *RefreshTokenService) Validate(ctx context.Context, rawToken string) (string, error) {
	record, err := s.lookup(ctx, rawToken)
	if err != nil {
		return "", err
	}

	if !record.IsActive(s.now()) {
		return "", ErrInvalidRefreshToken
	}

	return record.UserID, nil
}

// Rotate exchanges an active refresh token for a new one in the same family.
//
// Presenting a token that was already rotated away is treated as a reuse
// signal: the entire family is revoked before the rotation fails, so a stolen
// token replay invalidates every descendant and forces re-authentication. The
// caller only ever sees ErrInvalidRefreshToken; the family revocation is an
// internal side effect, never a reported error.
func (s *RefreshTokenService) Rotate(ctx context.Context, rawToken, clientIP string) (string, *domain.RefreshToken, error) {
	record, err := s.lookup(ctx, rawToken)
	if err != nil {
		s.countRotation("invalid")
		return "", nil, err
	}

	now := s.now()

	if record.IsExpired(now) {
		s.countRotation("expired")
		return "", nil, ErrInvalidRefreshToken
	}

	if record.IsRevoked() {
		s.handleReuse(ctx, record, now)
		s.countRotation("reuse")
		return "", nil, ErrInvalidRefreshToken
	}

	// Conditional revoke: two concurrent rotations of the same token cannot
	// both pass this point. The loser observes ErrConflict and is treated
	// exactly like a reuse.
	if err := s.tokens.RevokeActive(ctx, record.ID, now); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			s.handleReuse(ctx, record, now)
			s.countRotation("reuse")
			return "", nil, ErrInvalidRefreshToken
		}
		return "", nil, fmt.Errorf("revoke rotated token: %w", err)
	}

	remembered := record.ExpiresAt.Sub(record.IssuedAt) > s.refreshTTL(false)
	raw, next, err := s.mint(ctx, record.UserID, record.FamilyID, clientIP, remembered)
	if err != nil {
		return "", nil, err
	}

	s.countRotation("rotated")
	return raw, next, nil
}

// RevokeByRawToken revokes a single token presented at logout. Revoking an
// unknown or already-revoked token is a no-op, not an error.
func (s *RefreshTokenService) RevokeByRawToken(ctx context.Context, rawToken string) (bool, error) {
	record, err := s.lookup(ctx, rawToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return false, nil
		}
		return false, err
	}

	if record.IsRevoked() {
		return false, nil
	}

	if err := s.tokens.RevokeActive(ctx, record.ID, s.now()); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("revoke token: %w", err)
	}

	return true, nil
}

// RevokeAll revokes every active refresh token for the user, returning the count.
func (s *RefreshTokenService) RevokeAll(ctx context.Context, userID, reason, actor string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	if actor == "" {
		actor = domain.SystemActor
	}

	count, err := s.tokens.RevokeAllForUser(ctx, userID, reason, actor, s.now())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("revoke tokens for user: %w", err)
	}

	s.logger.Info("user sessions revoked",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.String("actor", actor),
		zap.Int("count", count))

	return count, nil
}

// RevokeFamily revokes every active token in a rotation lineage.
func (s *RefreshTokenService) RevokeFamily(ctx context.Context, familyID, reason, actor string) (int, error) {
	familyID = strings.TrimSpace(familyID)
	if familyID == "" {
		return 0, fmt.Errorf("family id is required")
	}
	if actor == "" {
		actor = domain.SystemActor
	}

	count, err := s.tokens.RevokeFamily(ctx, familyID, reason, actor, s.now())
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}

	s.logger.Info("token family revoked",
		zap.String("family_id", familyID),
		zap.String("reason", reason),
		zap.String("actor", actor),
		zap.Int("count", count))

	return count, nil
}

func (s *RefreshTokenService) lookup(ctx context.Context, rawToken string) (*domain.RefreshToken, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	record, err := s.tokens.GetByHash(ctx, security.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}

	return record, nil
}

func (s *RefreshTokenService) mint(ctx context.Context, userID, familyID, clientIP string, rememberMe bool) (string, *domain.RefreshToken, error) {
	raw, err := security.GenerateSecureToken(s.secretByteLength())
	if err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.now()
	record := domain.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: security.HashToken(raw),
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL(rememberMe)),
	}
	if ip := strings.TrimSpace(clientIP); ip != "" {
		record.ClientIP = &ip
	}

	if err := s.tokens.Create(ctx, record); err != nil {
		return "", nil, fmt.Errorf("store refresh token: %w", err)
	}

	return raw, &record, nil
}

func (s *RefreshTokenService) enforceSessionCap(ctx context.Context, userID, actor string) error {
	max := s.maxSessions()
	if max <= 0 {
		return nil
	}

	now := s.now()
	active, err := s.tokens.CountActiveForUser(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}
	if active < max {
		return nil
	}

	evictedID, err := s.tokens.RevokeOldestActiveForUser(ctx, userID, reasonSessionEviction, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("evict oldest session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionEvictions.Inc()
	}
	s.publishEviction(ctx, userID, evictedID, actor, now)
	s.logger.Info("session cap reached, oldest session evicted",
		zap.String("user_id", userID),
		zap.String("token_id", evictedID),
		zap.String("actor", actor))

	return nil
}

// handleReuse revokes the whole family after a replayed token is detected.
func (s *RefreshTokenService) handleReuse(ctx context.Context, record *domain.RefreshToken, at time.Time) {
	count, err := s.tokens.RevokeFamily(ctx, record.FamilyID, reasonTokenReuse, domain.SystemActor, at)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("revoke family after reuse failed",
			zap.String("family_id", record.FamilyID),
			zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.ReuseDetections.Inc()
	}

	s.logger.Warn("refresh token reuse detected, family revoked",
		zap.String("user_id", record.UserID),
		zap.String("family_id", record.FamilyID),
		zap.Int("tokens_revoked", count))

	if s.events != nil {
		event := domain.TokenFamilyRevokedEvent{
			EventID:       uuid.NewString(),
			UserID:        record.UserID,
			FamilyID:      record.FamilyID,
			Reason:        reasonTokenReuse,
			Actor:         domain.SystemActor,
			TokensRevoked: count,
			RevokedAt:     at,
		}
		if err := s.events.PublishTokenFamilyRevoked(ctx, event); err != nil {
			s.logger.Warn("publish family revoked event failed", zap.Error(err))
		}
	}
}

func (s *RefreshTokenService) publishEviction(ctx context.Context, userID, tokenID, actor string, at time.Time) {
	if s.events == nil {
		return
	}
	event := domain.SessionEvictedEvent{
		EventID:        uuid.NewString(),
		UserID:         userID,
		EvictedTokenID: tokenID,
		Actor:          actor,
		EvictedAt:      at,
	}
	if err := s.events.PublishSessionEvicted(ctx, event); err != nil {
		s.logger.Warn("publish session evicted event failed", zap.Error(err))
	}
}

func (s *RefreshTokenService) countRotation(result string) {
	if s.metrics != nil {
		s.metrics.Rotations.WithLabelValues(result).Inc()
	}
}

func (s *RefreshTokenService) refreshTTL(rememberMe bool) time.Duration {
	if rememberMe {
		if s.cfg != nil && s.cfg.Refresh.RememberMeTTL > 0 {
			return s.cfg.Refresh.RememberMeTTL
		}
		return defaultRememberMeTTL
	}
	if s.cfg != nil && s.cfg.Refresh.TokenTTL > 0 {
		return s.cfg.Refresh.TokenTTL
	}
	return defaultRefreshTTL
}

func (s *RefreshTokenService) maxSessions() int {
	if s.cfg != nil && s.cfg.Refresh.MaxSessions > 0 {
		return s.cfg.Refresh.MaxSessions
	}
	return defaultMaxSessions
}

func (s *RefreshTokenService) secretByteLength() int {
	if s.cfg != nil && s.cfg.Refresh.SecretByteLength > 0 {
		return s.cfg.Refresh.SecretByteLength
	}
	return defaultSecretByteCount
}
