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
	"github.com/cedarline/identity-core/internal/infra/logger"
	"github.com/cedarline/identity-core/internal/infra/metrics"
	"github.com/cedarline/identity-core/internal/infra/security"
	"github.com/cedarline/identity-core/internal/repository"
)

const (
	passwordResetRateLimitScope = "password_reset"

	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// LoginInput carries the credentials and request context for a login attempt.
type LoginInput struct {
	Identifier string
	Password   string
	RememberMe bool
	IP         string
}

// TokenPair bundles the signed access token with its paired refresh token.
type TokenPair struct {
	UserID           string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// LoginResult is either a finished login (Tokens set) or a pending second
// factor (MfaRequired with the opaque challenge token), never both.
type LoginResult struct {
	MfaRequired    bool
	ChallengeToken string
	Tokens         *TokenPair
}

// ResetReceipt is what a password reset request returns. Its shape is
// identical whether or not the identifier matched an account.
type ResetReceipt struct {
	RequestID  string
	AcceptedAt time.Time
}

// AuthService orchestrates the full authentication flows over the narrower
// engines: credential checks, lockout, the MFA hop, token issuance, and the
// single-use flows for reset, verification, and registration.
type AuthService struct {
	cfg         *config.AppConfig
	users       port.UserRepository
	credentials *CredentialService
	refresh     *RefreshTokenService
	singleUse   *SingleUseTokenService
	mfa         *MfaService
	tx          port.TxRunner
	rateLimits  port.RateLimitStore
	jwtManager  *security.JWTManager
	events      port.EventPublisher
	metrics     *metrics.AuthMetrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewAuthService wires the orchestrator. The rate limit store and event
// publisher are optional; everything else is required.
func NewAuthService(
	cfg *config.AppConfig,
	users port.UserRepository,
	credentials *CredentialService,
	refresh *RefreshTokenService,
	singleUse *SingleUseTokenService,
	mfa *MfaService,
	tx port.TxRunner,
	rateLimits port.RateLimitStore,
	jwtManager *security.JWTManager,
	events port.EventPublisher,
	m *metrics.AuthMetrics,
	log *zap.Logger,
) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	service := &AuthService{
		cfg:         cfg,
		users:       users,
		credentials: credentials,
		refresh:     refresh,
		singleUse:   singleUse,
		mfa:         mfa,
		tx:          tx,
		rateLimits:  rateLimits,
		jwtManager:  jwtManager,
		events:      events,
		metrics:     m,
		logger:      log,
	}
	service.now = func() time.Time { return time.Now().UTC() }
	return service
}

// WithClock overrides the service clock for deterministic tests.
func (s *AuthService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Login authenticates the first factor. Unknown identifiers and wrong
// passwords both come back as ErrInvalidCredentials; state checks (pending,
// locked, disabled) are only reported after the password verified, so the
// error itself leaks nothing about which identifiers exist.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	identifier := strings.TrimSpace(input.Identifier)
	if identifier == "" || input.Password == "" {
		s.countLogin("invalid")
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Keep timing comparable to the wrong-password path.
			_, _ = s.credentials.Verify(ctx, uuid.NewString(), input.Password)
			s.countLogin("invalid")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	now := s.now()

	if user.IsLocked(now) {
		s.countLogin("locked")
		return nil, ErrAccountLocked
	}

	ok, err := s.credentials.Verify(ctx, user.ID, input.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		failures, recordErr := s.users.RecordLoginFailure(ctx, user.ID, s.lockoutThreshold(), s.lockoutDuration(), now)
		if recordErr != nil {
			s.logger.Error("record login failure", zap.Error(recordErr))
		} else if failures >= s.lockoutThreshold() {
			s.logger.Warn("account locked after repeated failures",
				zap.String("user_id", user.ID),
				zap.Int("failures", failures))
		}
		s.countLogin("invalid")
		return nil, ErrInvalidCredentials
	}

	// Password confirmed; only now do account-state errors become visible.
	if user.Status == domain.UserStatusPending {
		s.countLogin("pending")
		return nil, ErrAccountPending
	}
	if !user.CanAuthenticate() {
		s.countLogin("inactive")
		return nil, ErrInactiveAccount
	}

	if user.MfaEnabled {
		// The success stamp waits for the second factor; an abandoned
		// challenge must not clear the failure counter.
		challengeToken, err := s.mfa.CreateChallenge(ctx, user.ID, domain.MfaChannelEmail, input.IP)
		if err != nil {
			return nil, fmt.Errorf("open mfa challenge: %w", err)
		}
		s.countLogin("mfa_pending")
		return &LoginResult{MfaRequired: true, ChallengeToken: challengeToken}, nil
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now, stringPtrOrNil(input.IP)); err != nil {
		s.logger.Error("record login success", zap.Error(err))
	}

	tokens, err := s.issueTokens(ctx, user.ID, input.IP, input.RememberMe)
	if err != nil {
		return nil, err
	}

	s.publishLogin(ctx, user.ID, input.IP, false, now)
	s.countLogin("success")

	return &LoginResult{Tokens: tokens}, nil
}

// CompleteLogin finishes an MFA-gated login by verifying the challenge code.
func (s *AuthService) CompleteLogin(ctx context.Context, challengeToken, code string, rememberMe bool, ip string) (*TokenPair, error) {
	userID, err := s.mfa.VerifyCode(ctx, challengeToken, code)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMfaChallengeInvalid
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	now := s.now()
	if user.IsLocked(now) || !user.CanAuthenticate() {
		// Account state changed while the challenge was open.
		return nil, ErrInactiveAccount
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now, stringPtrOrNil(ip)); err != nil {
		s.logger.Error("record login success", zap.Error(err))
	}

	tokens, err := s.issueTokens(ctx, user.ID, ip, rememberMe)
	if err != nil {
		return nil, err
	}

	s.publishLogin(ctx, user.ID, ip, true, now)
	s.countLogin("success")

	return tokens, nil
}

// ResendMfaCode delivers a fresh code on an open challenge, honoring the
// resend cooldown.
func (s *AuthService) ResendMfaCode(ctx context.Context, challengeToken string) error {
	return s.mfa.RefreshChallenge(ctx, challengeToken)
}

// Refresh rotates the presented refresh token and mints a new access token.
func (s *AuthService) Refresh(ctx context.Context, rawRefreshToken, ip string) (*TokenPair, error) {
	raw, record, err := s.refresh.Rotate(ctx, rawRefreshToken, ip)
	if err != nil {
		return nil, err
	}

	access, accessExpiry, err := s.signAccessToken(record.UserID, record.ID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		UserID:           record.UserID,
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     raw,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// Logout revokes the presented refresh token. Unknown tokens succeed silently.
func (s *AuthService) Logout(ctx context.Context, rawRefreshToken string) error {
	revoked, err := s.refresh.RevokeByRawToken(ctx, rawRefreshToken)
	if err != nil {
		return err
	}
	if revoked {
		s.logger.Debug("session revoked on logout")
	}
	return nil
}

// LogoutAll revokes every session the user holds.
func (s *AuthService) LogoutAll(ctx context.Context, userID, actor string) (int, error) {
	return s.refresh.RevokeAll(ctx, userID, reasonLogout, actor)
}

// RequestPasswordReset opens a reset flow for the identifier. The receipt is
// indistinguishable whether or not an account matched; only a matching,
// eligible account actually gets a token minted and an event published.
func (s *AuthService) RequestPasswordReset(ctx context.Context, identifier, ip string) (*ResetReceipt, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}

	now := s.now()
	if err := s.enforceResetRateLimit(ctx, identifier, now); err != nil {
		return nil, err
	}

	receipt := &ResetReceipt{
		RequestID:  uuid.NewString(),
		AcceptedAt: now,
	}

	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return receipt, nil
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.CanAuthenticate() {
		return receipt, nil
	}

	raw, record, err := s.singleUse.Issue(ctx, user.ID, strings.ToLower(user.Email), domain.PurposePasswordReset, ip)
	if err != nil {
		return nil, err
	}

	s.publishResetRequested(ctx, user, receipt.RequestID, raw, record, ip)

	return receipt, nil
}

// ConfirmPasswordReset completes the reset flow. The new password, the
// cleared must-change flag, and the token burn commit in one transaction, so
// a crash mid-flow can never leave a consumed token next to an unchanged
// password. Session revocation follows the commit; the user comes back
// logged in on a fresh session.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, rawToken, newPassword, ip string) (*TokenPair, error) {
	record, err := s.singleUse.Resolve(ctx, rawToken, domain.PurposePasswordReset)
	if err != nil {
		return nil, err
	}
	if record.UserID == nil {
		return nil, ErrSingleUseTokenInvalid
	}

	user, err := s.users.GetByID(ctx, *record.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSingleUseTokenInvalid
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.credentials.SetInTx(ctx, tx, user.ID, newPassword, user.Username, user.Email); err != nil {
			return err
		}
		if user.RequiresPasswordChange {
			if err := s.users.WithTx(tx).SetRequiresPasswordChange(ctx, user.ID, false); err != nil {
				return fmt.Errorf("clear password change flag: %w", err)
			}
		}
		return s.singleUse.CompleteInTx(ctx, tx, record.ID)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyUsed) {
			return nil, ErrSingleUseTokenInvalid
		}
		return nil, err
	}

	revoked, err := s.refresh.RevokeAll(ctx, user.ID, "password_reset", domain.SystemActor)
	if err != nil {
		return nil, err
	}

	s.publishPasswordChanged(ctx, user.ID, domain.SystemActor, revoked)

	return s.issueTokens(ctx, user.ID, ip, false)
}

// ChangePassword replaces the password for an authenticated user after
// re-verifying the current one, then revokes every other session.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, actor string) error {
	ok, err := s.credentials.Verify(ctx, userID, currentPassword)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	if err := s.credentials.Set(ctx, userID, newPassword, user.Username, user.Email); err != nil {
		return err
	}

	revoked, err := s.refresh.RevokeAll(ctx, userID, "password_change", actor)
	if err != nil {
		return err
	}

	if user.RequiresPasswordChange {
		if err := s.users.SetRequiresPasswordChange(ctx, userID, false); err != nil {
			s.logger.Warn("clear password change flag failed", zap.Error(err))
		}
	}

	s.publishPasswordChanged(ctx, userID, actor, revoked)

	return nil
}

// BeginRegistration mints a registration token for an invited address. The
// subject is the e-mail; no user row needs to exist yet.
func (s *AuthService) BeginRegistration(ctx context.Context, email, ip string) (string, *domain.SingleUseToken, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", nil, fmt.Errorf("email is required")
	}
	return s.singleUse.Issue(ctx, "", email, domain.PurposeRegistration, ip)
}

// CompleteRegistration activates a pending account. Stray sessions are
// revoked first; then the password, the status flip to active, and the token
// burn commit in one transaction. The new user comes back logged in.
func (s *AuthService) CompleteRegistration(ctx context.Context, rawToken, password, ip string) (*TokenPair, error) {
	record, err := s.singleUse.Resolve(ctx, rawToken, domain.PurposeRegistration)
	if err != nil {
		return nil, err
	}

	user, err := s.userForToken(ctx, record)
	if err != nil {
		return nil, err
	}

	if _, err := s.refresh.RevokeAll(ctx, user.ID, "registration", domain.SystemActor); err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.credentials.SetInTx(ctx, tx, user.ID, password, user.Username, user.Email); err != nil {
			return err
		}
		if user.Status == domain.UserStatusPending {
			if err := s.users.WithTx(tx).UpdateStatus(ctx, user.ID, domain.UserStatusActive); err != nil {
				return fmt.Errorf("activate user: %w", err)
			}
		}
		return s.singleUse.CompleteInTx(ctx, tx, record.ID)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyUsed) {
			return nil, ErrSingleUseTokenInvalid
		}
		return nil, err
	}

	return s.issueTokens(ctx, user.ID, ip, false)
}

// RequestEmailVerification mints a verification token for the user's address.
func (s *AuthService) RequestEmailVerification(ctx context.Context, userID, ip string) (string, *domain.SingleUseToken, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, ErrUserNotFound
		}
		return "", nil, fmt.Errorf("lookup user: %w", err)
	}
	return s.singleUse.Issue(ctx, user.ID, strings.ToLower(user.Email), domain.PurposeEmailVerification, ip)
}

// VerifyEmail consumes a verification token and activates the account if it
// was still pending.
func (s *AuthService) VerifyEmail(ctx context.Context, rawToken string) error {
	record, err := s.singleUse.Consume(ctx, rawToken, domain.PurposeEmailVerification)
	if err != nil {
		return err
	}

	user, err := s.userForToken(ctx, record)
	if err != nil {
		return err
	}

	if user.Status == domain.UserStatusPending {
		if err := s.users.UpdateStatus(ctx, user.ID, domain.UserStatusActive); err != nil {
			return fmt.Errorf("activate user: %w", err)
		}
	}

	return nil
}

// RemoveAuthMethod unlinks one authentication method, refusing to remove the
// last one so the account can never become unreachable.
func (s *AuthService) RemoveAuthMethod(ctx context.Context, userID, methodID, actor string) error {
	methods, err := s.users.ListAuthMethods(ctx, userID)
	if err != nil {
		return fmt.Errorf("list auth methods: %w", err)
	}

	if len(methods) <= 1 {
		return ErrLastAuthMethod
	}

	found := false
	for _, method := range methods {
		if method.ID == methodID {
			found = true
			break
		}
	}
	if !found {
		return repository.ErrNotFound
	}

	if err := s.users.RemoveAuthMethod(ctx, methodID); err != nil {
		return fmt.Errorf("remove auth method: %w", err)
	}

	s.logger.Info("auth method removed",
		zap.String("user_id", userID),
		zap.String("method_id", methodID),
		zap.String("actor", actor),
	)

	return nil
}

func (s *AuthService) issueTokens(ctx context.Context, userID, ip string, rememberMe bool) (*TokenPair, error) {
	rawRefresh, record, err := s.refresh.Issue(ctx, userID, ip, rememberMe, domain.SystemActor)
	if err != nil {
		return nil, err
	}

	access, accessExpiry, err := s.signAccessToken(userID, record.ID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		UserID:           userID,
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

func (s *AuthService) signAccessToken(userID, sessionID string) (string, time.Time, error) {
	if s.jwtManager == nil {
		return "", time.Time{}, fmt.Errorf("jwt manager not configured")
	}

	now := s.now()
	claims, err := security.NewAccessTokenClaims(security.AccessTokenOptions{
		UserID:    userID,
		SessionID: sessionID,
		Issuer:    s.issuer(),
		TTL:       s.accessTokenTTL(),
		IssuedAt:  now,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build access claims: %w", err)
	}

	kid := ""
	if s.jwtManager.KeyProvider != nil {
		kid = s.jwtManager.KeyProvider.SigningKID()
	}

	signed, err := s.jwtManager.SignAccessToken(kid, claims)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, claims.ExpiresAt.Time, nil
}

func (s *AuthService) enforceResetRateLimit(ctx context.Context, identifier string, now time.Time) error {
	if s.rateLimits == nil || s.cfg == nil {
		return nil
	}

	limit := s.cfg.RateLimit.PasswordResetMaxAttempts
	if limit <= 0 {
		return nil
	}

	window := s.cfg.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Hour
	}

	storageKey := fmt.Sprintf("%s:%s", passwordResetRateLimitScope, strings.ToLower(identifier))

	if err := s.rateLimits.TrimWindow(ctx, storageKey, window, now); err != nil {
		s.logger.Warn("rate limit trim failed", zap.String("scope", passwordResetRateLimitScope), zap.Error(err))
		return nil
	}

	count, err := s.rateLimits.CountAttempts(ctx, storageKey, window, now)
	if err != nil {
		s.logger.Warn("rate limit count failed", zap.String("scope", passwordResetRateLimitScope), zap.Error(err))
		return nil
	}

	if count >= limit {
		retryAfter := time.Duration(0)
		if oldest, ok, err := s.rateLimits.OldestAttempt(ctx, storageKey, window, now); err == nil && ok {
			reset := oldest.Add(window)
			if reset.After(now) {
				retryAfter = reset.Sub(now)
			}
		} else if err != nil {
			s.logger.Warn("rate limit oldest lookup failed", zap.Error(err))
		}
		return &RateLimitExceededError{Scope: passwordResetRateLimitScope, RetryAfter: retryAfter}
	}

	if err := s.rateLimits.RecordAttempt(ctx, storageKey, now); err != nil {
		s.logger.Warn("rate limit record failed", zap.Error(err))
	}

	return nil
}

// userForToken resolves the account a single-use token belongs to, falling
// back to the token subject (an e-mail) when no user id was bound at issue
// time, as with invite-style registration tokens.
func (s *AuthService) userForToken(ctx context.Context, record *domain.SingleUseToken) (*domain.User, error) {
	var (
		user *domain.User
		err  error
	)
	if record.UserID != nil {
		user, err = s.users.GetByID(ctx, *record.UserID)
	} else {
		user, err = s.users.GetByIdentifier(ctx, record.Subject)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSingleUseTokenInvalid
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *AuthService) publishLogin(ctx context.Context, userID, ip string, mfaUsed bool, at time.Time) {
	s.logger.Info("login succeeded",
		zap.String("user_id", userID),
		zap.String("ip", logger.MaskIP(ip)),
		zap.Bool("mfa_used", mfaUsed))

	if s.events == nil {
		return
	}
	event := domain.LoginSucceededEvent{
		EventID:    uuid.NewString(),
		UserID:     userID,
		LoggedInAt: at,
		IPAddress:  stringPtrOrNil(ip),
		MfaUsed:    mfaUsed,
	}
	if err := s.events.PublishLoginSucceeded(ctx, event); err != nil {
		s.logger.Warn("publish login event failed", zap.Error(err))
	}
}

func (s *AuthService) publishPasswordChanged(ctx context.Context, userID, actor string, revoked int) {
	if s.events == nil {
		return
	}
	event := domain.PasswordChangedEvent{
		EventID:       uuid.NewString(),
		UserID:        userID,
		ChangedAt:     s.now(),
		ChangedBy:     actor,
		TokensRevoked: revoked,
	}
	if err := s.events.PublishPasswordChanged(ctx, event); err != nil {
		s.logger.Warn("publish password changed event failed", zap.Error(err))
	}
}

func (s *AuthService) publishResetRequested(ctx context.Context, user *domain.User, requestID, rawToken string, record *domain.SingleUseToken, ip string) {
	if s.events == nil {
		return
	}
	event := domain.PasswordResetRequestedEvent{
		EventID:           uuid.NewString(),
		UserID:            user.ID,
		RequestID:         requestID,
		RequestedAt:       record.CreatedAt,
		Destination:       strings.ToLower(user.Email),
		MaskedDestination: logger.MaskEmail(user.Email),
		IPAddress:         stringPtrOrNil(ip),
		ExpiresAt:         record.ExpiresAt,
		Metadata: map[string]any{
			"token": rawToken,
		},
	}
	if err := s.events.PublishPasswordResetRequested(ctx, event); err != nil {
		s.logger.Warn("publish reset requested event failed", zap.Error(err))
	}
}

func (s *AuthService) countLogin(result string) {
	if s.metrics != nil {
		s.metrics.Logins.WithLabelValues(result).Inc()
	}
}

func (s *AuthService) lockoutThreshold() int {
	if s.cfg != nil && s.cfg.Lockout.Threshold > 0 {
		return s.cfg.Lockout.Threshold
	}
	return defaultLockoutThreshold
}

func (s *AuthService) lockoutDuration() time.Duration {
	if s.cfg != nil && s.cfg.Lockout.Duration > 0 {
		return s.cfg.Lockout.Duration
	}
	return defaultLockoutDuration
}

func (s *AuthService) accessTokenTTL() time.Duration {
	if s.cfg != nil && s.cfg.JWT.AccessTokenTTL > 0 {
		return s.cfg.JWT.AccessTokenTTL
	}
	return 15 * time.Minute
}

func (s *AuthService) issuer() string {
	if s.cfg != nil && s.cfg.App.Name != "" {
		return s.cfg.App.Name
	}
	return "identity-core"
}

func stringPtrOrNil(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
