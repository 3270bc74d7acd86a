package usecase

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/infra/config"
	"github.com/cedarline/identity-core/internal/infra/security"
	"github.com/cedarline/identity-core/internal/repository"
)

// stubEvents is a no-op event publisher embedded by recording variants.
type stubEvents struct{}

func (stubEvents) PublishLoginSucceeded(context.Context, domain.LoginSucceededEvent) error { return nil }
func (stubEvents) PublishPasswordChanged(context.Context, domain.PasswordChangedEvent) error {
	return nil
}
func (stubEvents) PublishPasswordResetRequested(context.Context, domain.PasswordResetRequestedEvent) error {
	return nil
}
func (stubEvents) PublishMfaCodeIssued(context.Context, domain.MfaCodeIssuedEvent) error { return nil }
func (stubEvents) PublishTokenFamilyRevoked(context.Context, domain.TokenFamilyRevokedEvent) error {
	return nil
}
func (stubEvents) PublishSessionEvicted(context.Context, domain.SessionEvictedEvent) error {
	return nil
}

type memoryUserRepo struct {
	users   map[string]*domain.User
	methods map[string][]domain.AuthMethod
}

func newMemoryUserRepo(users ...*domain.User) *memoryUserRepo {
	repo := &memoryUserRepo{
		users:   make(map[string]*domain.User),
		methods: make(map[string][]domain.AuthMethod),
	}
	for _, user := range users {
		repo.users[user.ID] = user
	}
	return repo
}

func (r *memoryUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	if user, ok := r.users[id]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, repository.ErrNotFound
}

func (r *memoryUserRepo) GetByIdentifier(_ context.Context, identifier string) (*domain.User, error) {
	normalized := strings.ToLower(strings.TrimSpace(identifier))
	for _, user := range r.users {
		if strings.ToLower(user.Username) == normalized || strings.ToLower(user.Email) == normalized {
			clone := *user
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memoryUserRepo) UpdateStatus(_ context.Context, id string, status domain.UserStatus) error {
	user, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.Status = status
	if status == domain.UserStatusActive {
		user.IsActive = true
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
	}
	return nil
}

func (r *memoryUserRepo) RecordLoginSuccess(_ context.Context, id string, at time.Time, ip *string) error {
	user, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &at
	user.LastLoginIP = ip
	return nil
}

func (r *memoryUserRepo) RecordLoginFailure(_ context.Context, id string, threshold int, lockout time.Duration, at time.Time) (int, error) {
	user, ok := r.users[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= threshold {
		lockedUntil := at.Add(lockout)
		user.LockedUntil = &lockedUntil
	}
	return user.FailedLoginAttempts, nil
}

func (r *memoryUserRepo) SetRequiresPasswordChange(_ context.Context, id string, required bool) error {
	user, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.RequiresPasswordChange = required
	return nil
}

func (r *memoryUserRepo) ListAuthMethods(_ context.Context, userID string) ([]domain.AuthMethod, error) {
	return r.methods[userID], nil
}

func (r *memoryUserRepo) WithTx(_ pgx.Tx) port.UserRepository { return r }

func (r *memoryUserRepo) RemoveAuthMethod(_ context.Context, methodID string) error {
	for userID, methods := range r.methods {
		for i, method := range methods {
			if method.ID == methodID {
				r.methods[userID] = append(methods[:i], methods[i+1:]...)
				return nil
			}
		}
	}
	return repository.ErrNotFound
}

// memoryTxRunner hands the callback a nil tx; the memory fakes treat nil as
// "run against yourself", mirroring how the real repositories degrade.
type memoryTxRunner struct {
	calls int
}

func (r *memoryTxRunner) InTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	r.calls++
	return fn(nil)
}

type memoryCredentialRepo struct {
	credentials map[string]*domain.Credential
	lockedReads int
}

func newMemoryCredentialRepo() *memoryCredentialRepo {
	return &memoryCredentialRepo{credentials: make(map[string]*domain.Credential)}
}

func (r *memoryCredentialRepo) Get(_ context.Context, userID string) (*domain.Credential, error) {
	if credential, ok := r.credentials[userID]; ok {
		clone := *credential
		return &clone, nil
	}
	return nil, repository.ErrNotFound
}

func (r *memoryCredentialRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, userID string) (*domain.Credential, error) {
	r.lockedReads++
	return r.Get(ctx, userID)
}

func (r *memoryCredentialRepo) WithTx(_ pgx.Tx) port.CredentialRepository { return r }

func (r *memoryCredentialRepo) Create(_ context.Context, credential domain.Credential) error {
	clone := credential
	r.credentials[credential.UserID] = &clone
	return nil
}

func (r *memoryCredentialRepo) Update(_ context.Context, credential domain.Credential) error {
	if _, ok := r.credentials[credential.UserID]; !ok {
		return repository.ErrNotFound
	}
	clone := credential
	r.credentials[credential.UserID] = &clone
	return nil
}

type testKeyProvider struct {
	key *rsa.PrivateKey
}

func newTestKeyProvider(t *testing.T) *testKeyProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &testKeyProvider{key: key}
}

func (p *testKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) { return p.key, nil }
func (p *testKeyProvider) SigningKID() string                      { return "test-key" }
func (p *testKeyProvider) GetVerificationKey(string) (*rsa.PublicKey, error) {
	return &p.key.PublicKey, nil
}

type authFixture struct {
	service     *AuthService
	users       *memoryUserRepo
	credentials *memoryCredentialRepo
	singleUse   *memorySingleUseRepo
	tx          *memoryTxRunner
	recorder    *codeRecorder
	keys        *testKeyProvider
}

func authTestConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.App.Name = "identity-core-test"
	cfg.JWT.AccessTokenTTL = 15 * time.Minute
	cfg.Refresh.TokenTTL = 24 * time.Hour
	cfg.Refresh.RememberMeTTL = 720 * time.Hour
	cfg.Refresh.MaxSessions = 5
	cfg.Refresh.SecretByteLength = 32
	cfg.MFA.CodeLength = 6
	cfg.MFA.ChallengeTTL = 5 * time.Minute
	cfg.MFA.MaxAttempts = 3
	cfg.MFA.ResendCooldown = time.Minute
	cfg.Tokens.PasswordResetTTL = time.Hour
	cfg.Tokens.EmailVerificationTTL = 24 * time.Hour
	cfg.Tokens.RegistrationTTL = 24 * time.Hour
	cfg.Lockout.Threshold = 3
	cfg.Lockout.Duration = 15 * time.Minute
	return cfg
}

func newAuthFixture(t *testing.T, users ...*domain.User) *authFixture {
	t.Helper()

	cfg := authTestConfig()
	userRepo := newMemoryUserRepo(users...)
	credentialRepo := newMemoryCredentialRepo()
	singleUseRepo := newMemorySingleUseRepo()
	txRunner := &memoryTxRunner{}
	recorder := &codeRecorder{}
	keys := newTestKeyProvider(t)

	credentialService := NewCredentialService(credentialRepo, security.DefaultArgon2Hasher(), security.DefaultPasswordValidator(), nil)
	refreshService := NewRefreshTokenService(cfg, newMemoryRefreshTokenRepo(), recorder, nil, nil)
	singleUseService := NewSingleUseTokenService(cfg, singleUseRepo, nil)
	mfaService := NewMfaService(cfg, newMemoryMfaRepo(), recorder, nil, nil)

	service := NewAuthService(
		cfg,
		userRepo,
		credentialService,
		refreshService,
		singleUseService,
		mfaService,
		txRunner,
		nil,
		security.NewJWTManager(keys),
		recorder,
		nil,
		nil,
	)

	return &authFixture{
		service:     service,
		users:       userRepo,
		credentials: credentialRepo,
		singleUse:   singleUseRepo,
		tx:          txRunner,
		recorder:    recorder,
		keys:        keys,
	}
}

func activeUser(id, username, email string) *domain.User {
	return &domain.User{
		ID:       id,
		Username: username,
		Email:    email,
		Status:   domain.UserStatusActive,
		IsActive: true,
	}
}

func (f *authFixture) setPassword(t *testing.T, userID, password string) {
	t.Helper()
	if err := f.service.credentials.Set(context.Background(), userID, password); err != nil {
		t.Fatalf("seed password: %v", err)
	}
}

// latestResetToken recovers the raw reset secret from the recorded event, the
// same way the mail worker downstream would.
func (f *authFixture) latestResetToken(t *testing.T) string {
	t.Helper()
	if len(f.recorder.resetTokens) == 0 {
		t.Fatal("no reset token recorded")
	}
	return f.recorder.resetTokens[len(f.recorder.resetTokens)-1]
}

func parseAccessToken(t *testing.T, fixture *authFixture, token string) *security.AccessTokenClaims {
	t.Helper()
	claims := &security.AccessTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return &fixture.keys.key.PublicKey, nil
	})
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("access token not valid")
	}
	return claims
}

func TestLoginSuccess(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	result, err := fixture.service.Login(context.Background(), LoginInput{
		Identifier: "ada",
		Password:   "correct horse battery 9",
		IP:         "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.MfaRequired {
		t.Fatal("mfa not enabled for this user")
	}
	if result.Tokens == nil || result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}

	claims := parseAccessToken(t, fixture, result.Tokens.AccessToken)
	if claims.UserID != "user-1" {
		t.Fatalf("expected uid user-1, got %s", claims.UserID)
	}
	if claims.Issuer != "identity-core-test" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.SessionID == "" {
		t.Fatal("expected the refresh session id in the sid claim")
	}
}

func TestLoginUnknownUserAndWrongPasswordIndistinct(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	_, unknownErr := fixture.service.Login(context.Background(), LoginInput{Identifier: "nobody", Password: "whatever"})
	_, wrongErr := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "wrong"})

	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("both paths must yield ErrInvalidCredentials, got %v / %v", unknownErr, wrongErr)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	for i := 0; i < 3; i++ {
		if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	// Threshold reached: even the correct password is refused now.
	if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestLoginLockoutExpires(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	fixture.service.WithClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		_, _ = fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "wrong"})
	}

	fixture.service.WithClock(func() time.Time { return base.Add(16 * time.Minute) })

	if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"}); err != nil {
		t.Fatalf("login after lockout window: %v", err)
	}
}

func TestLoginPendingAccountOnlyAfterPasswordCheck(t *testing.T) {
	user := activeUser("user-1", "ada", "ada@example.com")
	user.Status = domain.UserStatusPending
	fixture := newAuthFixture(t, user)
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	// Wrong password never reveals the pending state.
	if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"}); !errors.Is(err, ErrAccountPending) {
		t.Fatalf("expected ErrAccountPending, got %v", err)
	}
}

func TestLoginMfaBranch(t *testing.T) {
	user := activeUser("user-1", "ada", "ada@example.com")
	user.MfaEnabled = true
	fixture := newAuthFixture(t, user)
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	result, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !result.MfaRequired || result.ChallengeToken == "" {
		t.Fatal("expected a pending mfa challenge")
	}
	if result.Tokens != nil {
		t.Fatal("no tokens until the second factor clears")
	}

	tokens, err := fixture.service.CompleteLogin(context.Background(), result.ChallengeToken, fixture.recorder.latest(), false, "")
	if err != nil {
		t.Fatalf("complete login: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected a full token pair after mfa")
	}

	// The challenge was consumed with the successful verification.
	if _, err := fixture.service.CompleteLogin(context.Background(), result.ChallengeToken, fixture.recorder.latest(), false, ""); !errors.Is(err, ErrMfaChallengeInvalid) {
		t.Fatalf("expected consumed challenge, got %v", err)
	}
}

func TestMfaLoginStampsSuccessAfterSecondFactor(t *testing.T) {
	user := activeUser("user-1", "ada", "ada@example.com")
	user.MfaEnabled = true
	fixture := newAuthFixture(t, user)
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	// Accumulate failures below the lockout threshold.
	for i := 0; i < 2; i++ {
		if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected invalid credentials, got %v", err)
		}
	}

	result, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !result.MfaRequired {
		t.Fatal("expected a pending mfa challenge")
	}

	// First factor alone must not clear the failure counter or stamp a
	// successful login; the challenge could be abandoned.
	stored := fixture.users.users["user-1"]
	if stored.FailedLoginAttempts != 2 {
		t.Fatalf("failure counter must survive until the second factor, got %d", stored.FailedLoginAttempts)
	}
	if stored.LastLoginAt != nil {
		t.Fatal("no success stamp before the second factor")
	}

	if _, err := fixture.service.CompleteLogin(context.Background(), result.ChallengeToken, fixture.recorder.latest(), false, "203.0.113.7"); err != nil {
		t.Fatalf("complete login: %v", err)
	}

	stored = fixture.users.users["user-1"]
	if stored.FailedLoginAttempts != 0 {
		t.Fatalf("expected cleared failure counter, got %d", stored.FailedLoginAttempts)
	}
	if stored.LastLoginAt == nil {
		t.Fatal("expected a success stamp after the second factor")
	}
}

func TestRefreshRotatesAndSigns(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	result, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	pair, err := fixture.service.Refresh(context.Background(), result.Tokens.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.RefreshToken == result.Tokens.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}

	claims := parseAccessToken(t, fixture, pair.AccessToken)
	if claims.UserID != "user-1" {
		t.Fatalf("expected uid user-1, got %s", claims.UserID)
	}

	// The pre-rotation token is now a reuse signal.
	if _, err := fixture.service.Refresh(context.Background(), result.Tokens.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	// And the family revocation it triggered killed the rotated descendant too.
	if _, err := fixture.service.Refresh(context.Background(), pair.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected family revocation to reach the descendant, got %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	// An active session that must die with the reset.
	login, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	receipt, err := fixture.service.RequestPasswordReset(context.Background(), "ada@example.com", "")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if receipt.RequestID == "" {
		t.Fatal("expected a request id")
	}

	rawToken := fixture.latestResetToken(t)

	pair, err := fixture.service.ConfirmPasswordReset(context.Background(), rawToken, "brand new passphrase 42", "")
	if err != nil {
		t.Fatalf("confirm reset: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatal("expected auto-login after reset")
	}

	// Old password dead, new one works.
	if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must fail, got %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "brand new passphrase 42"}); err != nil {
		t.Fatalf("new password must work: %v", err)
	}

	// The pre-reset session was revoked.
	if _, err := fixture.service.Refresh(context.Background(), login.Tokens.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("pre-reset session must be revoked, got %v", err)
	}

	// The reset link is burned.
	if _, err := fixture.service.ConfirmPasswordReset(context.Background(), rawToken, "another passphrase 43", ""); !errors.Is(err, ErrSingleUseTokenInvalid) {
		t.Fatalf("expected burned token, got %v", err)
	}
}

func TestPasswordResetUnknownIdentifierIndistinct(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))

	receipt, err := fixture.service.RequestPasswordReset(context.Background(), "ghost@example.com", "")
	if err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if receipt.RequestID == "" || receipt.AcceptedAt.IsZero() {
		t.Fatal("receipt for unknown identifier must look normal")
	}
	if len(fixture.singleUse.tokens) != 0 {
		t.Fatal("no token may be minted for an unknown identifier")
	}
}

func TestPasswordResetRejectsWeakPassword(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	if _, err := fixture.service.RequestPasswordReset(context.Background(), "ada@example.com", ""); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	raw := fixture.latestResetToken(t)

	if _, err := fixture.service.ConfirmPasswordReset(context.Background(), raw, "short", ""); !errors.Is(err, ErrNewPasswordInvalid) {
		t.Fatalf("expected ErrNewPasswordInvalid, got %v", err)
	}

	// A rejected password must not burn the token.
	if _, err := fixture.service.ConfirmPasswordReset(context.Background(), raw, "long enough passphrase 9", ""); err != nil {
		t.Fatalf("token must survive a policy rejection: %v", err)
	}
}

func TestConfirmPasswordResetCommitsAtomically(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	if _, err := fixture.service.RequestPasswordReset(context.Background(), "ada@example.com", ""); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	raw := fixture.latestResetToken(t)

	if _, err := fixture.service.ConfirmPasswordReset(context.Background(), raw, "brand new passphrase 42", ""); err != nil {
		t.Fatalf("confirm reset: %v", err)
	}

	// New hash and token burn ride one transaction, with the credential row
	// read under a lock inside it.
	if fixture.tx.calls != 1 {
		t.Fatalf("expected one transaction, got %d", fixture.tx.calls)
	}
	if fixture.credentials.lockedReads == 0 {
		t.Fatal("expected the credential to be read for update inside the transaction")
	}
}

func TestCompleteRegistrationActivatesUser(t *testing.T) {
	user := activeUser("user-1", "ada", "ada@example.com")
	user.Status = domain.UserStatusPending
	user.IsActive = false
	fixture := newAuthFixture(t, user)

	raw, record, err := fixture.service.BeginRegistration(context.Background(), "Ada@Example.com", "")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if record.UserID != nil {
		t.Fatal("an invite token is not bound to a user yet")
	}

	pair, err := fixture.service.CompleteRegistration(context.Background(), raw, "fresh registration pass 7", "")
	if err != nil {
		t.Fatalf("complete registration: %v", err)
	}
	if pair.AccessToken == "" {
		t.Fatal("expected auto-login after registration")
	}

	stored, err := fixture.users.GetByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if stored.Status != domain.UserStatusActive || !stored.IsActive {
		t.Fatalf("expected active user, got %s", stored.Status)
	}

	// The registration link is single-use.
	if _, err := fixture.service.CompleteRegistration(context.Background(), raw, "fresh registration pass 7", ""); !errors.Is(err, ErrSingleUseTokenInvalid) {
		t.Fatalf("expected burned registration token, got %v", err)
	}
}

func TestCompleteRegistrationRunsInOneTransaction(t *testing.T) {
	user := activeUser("user-1", "ada", "ada@example.com")
	user.Status = domain.UserStatusPending
	user.IsActive = false
	fixture := newAuthFixture(t, user)

	raw, _, err := fixture.service.BeginRegistration(context.Background(), "ada@example.com", "")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	if _, err := fixture.service.CompleteRegistration(context.Background(), raw, "fresh registration pass 7", ""); err != nil {
		t.Fatalf("complete registration: %v", err)
	}

	if fixture.tx.calls != 1 {
		t.Fatalf("expected one transaction, got %d", fixture.tx.calls)
	}
	if fixture.credentials.lockedReads == 0 {
		t.Fatal("expected the credential to be read for update inside the transaction")
	}

	stored, err := fixture.users.GetByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if stored.Status != domain.UserStatusActive {
		t.Fatalf("activation must commit with the password, got %s", stored.Status)
	}
}

func TestVerifyEmailActivatesPendingUser(t *testing.T) {
	user := activeUser("user-1", "ada", "ada@example.com")
	user.Status = domain.UserStatusPending
	fixture := newAuthFixture(t, user)

	raw, _, err := fixture.service.RequestEmailVerification(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("request verification: %v", err)
	}

	if err := fixture.service.VerifyEmail(context.Background(), raw); err != nil {
		t.Fatalf("verify email: %v", err)
	}

	stored, _ := fixture.users.GetByID(context.Background(), "user-1")
	if stored.Status != domain.UserStatusActive {
		t.Fatalf("expected active user, got %s", stored.Status)
	}

	if err := fixture.service.VerifyEmail(context.Background(), raw); !errors.Is(err, ErrSingleUseTokenInvalid) {
		t.Fatalf("expected consumed verification token, got %v", err)
	}
}

func TestRemoveAuthMethodGuardsLastOne(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.users.methods["user-1"] = []domain.AuthMethod{
		{ID: "m-1", UserID: "user-1", Kind: domain.AuthMethodPassword},
	}

	if err := fixture.service.RemoveAuthMethod(context.Background(), "user-1", "m-1", "user-1"); !errors.Is(err, ErrLastAuthMethod) {
		t.Fatalf("expected ErrLastAuthMethod, got %v", err)
	}

	fixture.users.methods["user-1"] = append(fixture.users.methods["user-1"],
		domain.AuthMethod{ID: "m-2", UserID: "user-1", Kind: domain.AuthMethodTOTP})

	if err := fixture.service.RemoveAuthMethod(context.Background(), "user-1", "m-2", "user-1"); err != nil {
		t.Fatalf("removing one of two methods must succeed: %v", err)
	}
	if err := fixture.service.RemoveAuthMethod(context.Background(), "user-1", "m-1", "user-1"); !errors.Is(err, ErrLastAuthMethod) {
		t.Fatalf("the survivor is now the last method, got %v", err)
	}
}

func TestRemoveAuthMethodUnknownID(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.users.methods["user-1"] = []domain.AuthMethod{
		{ID: "m-1", UserID: "user-1", Kind: domain.AuthMethodPassword},
		{ID: "m-2", UserID: "user-1", Kind: domain.AuthMethodTOTP},
	}

	if err := fixture.service.RemoveAuthMethod(context.Background(), "user-1", "m-404", "user-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	login, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := fixture.service.ChangePassword(context.Background(), "user-1", "wrong", "whole new passphrase 5", "user-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if err := fixture.service.ChangePassword(context.Background(), "user-1", "correct horse battery 9", "whole new passphrase 5", "user-1"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), login.Tokens.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("old session must be revoked after password change, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	fixture := newAuthFixture(t, activeUser("user-1", "ada", "ada@example.com"))
	fixture.setPassword(t, "user-1", "correct horse battery 9")

	result, err := fixture.service.Login(context.Background(), LoginInput{Identifier: "ada", Password: "correct horse battery 9"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := fixture.service.Logout(context.Background(), result.Tokens.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := fixture.service.Logout(context.Background(), result.Tokens.RefreshToken); err != nil {
		t.Fatalf("second logout must succeed silently: %v", err)
	}
	if err := fixture.service.Logout(context.Background(), "never-issued"); err != nil {
		t.Fatalf("logout of an unknown token must succeed silently: %v", err)
	}

	if _, err := fixture.service.Refresh(context.Background(), result.Tokens.RefreshToken, ""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("revoked session must not refresh, got %v", err)
	}
}
