package usecase

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials indicates the provided identifier, password, or
	// token is not valid. Unknown-user, wrong-password, expired, and reused
	// tokens all collapse into this error so callers cannot distinguish them.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked indicates the account is under an active lockout window.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountPending indicates the account requires verification before login.
	ErrAccountPending = errors.New("account pending verification")
	// ErrInactiveAccount indicates the account is disabled or deleted.
	ErrInactiveAccount = errors.New("account is not active")
	// ErrInvalidRefreshToken indicates the presented refresh token does not
	// exist, has expired, or was revoked. Deliberately indistinct.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrSingleUseTokenInvalid indicates the single-use token does not exist,
	// was revoked, or has expired.
	ErrSingleUseTokenInvalid = errors.New("single-use token invalid")
	// ErrAlreadyUsed indicates the single-use token was consumed before.
	ErrAlreadyUsed = errors.New("single-use token already used")
	// ErrMfaChallengeInvalid indicates the challenge does not exist or expired.
	ErrMfaChallengeInvalid = errors.New("mfa challenge invalid")
	// ErrMfaCodeInvalid indicates the submitted code did not match.
	ErrMfaCodeInvalid = errors.New("mfa code invalid")
	// ErrAttemptsExhausted indicates the challenge exceeded its attempt budget.
	ErrAttemptsExhausted = errors.New("mfa attempts exhausted")
	// ErrResendCooldown indicates a challenge resend was requested too soon.
	ErrResendCooldown = errors.New("mfa resend cooldown active")
	// ErrLastAuthMethod indicates removing the method would lock the user out.
	ErrLastAuthMethod = errors.New("cannot remove the last authentication method")
	// ErrNewPasswordInvalid indicates the new password failed policy validation.
	ErrNewPasswordInvalid = errors.New("new password does not meet requirements")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// RateLimitExceededError reports a sliding-window limit violation together
// with the time remaining until the window opens again.
type RateLimitExceededError struct {
	Scope      string
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Scope)
}
