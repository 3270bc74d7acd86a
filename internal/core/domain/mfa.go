package domain

import "time"

// MfaChannel names the delivery or verification mechanism for a challenge code.
type MfaChannel string

const (
	MfaChannelEmail  MfaChannel = "email"
	MfaChannelTOTP   MfaChannel = "totp"
	MfaChannelBackup MfaChannel = "backup"
)

// MfaChallengeState captures the lifecycle of a stored challenge. Expired and
// Exhausted are terminal; a verified challenge is deleted rather than kept in
// a terminal state.
type MfaChallengeState string

const (
	MfaChallengePending   MfaChallengeState = "pending"
	MfaChallengeExpired   MfaChallengeState = "expired"
	MfaChallengeExhausted MfaChallengeState = "attempts_exhausted"
)

// MfaChallenge is a short-lived, attempt-bounded one-time-code exchange gating
// completion of login. Token is the opaque handle returned to the client; the
// code itself is stored only as a hash.
type MfaChallenge struct {
	Token        string
	UserID       string
	CodeHash     string
	Channel      MfaChannel
	AttemptCount int
	ClientIP     *string
	CreatedAt    time.Time
	LastSentAt   time.Time
	ExpiresAt    time.Time
}

// IsExpired reports whether the challenge has elapsed its validity window.
func (c MfaChallenge) IsExpired(at time.Time) bool {
	return !c.ExpiresAt.After(at)
}

// State resolves the challenge state at the supplied moment against a maximum
// attempt budget.
func (c MfaChallenge) State(at time.Time, maxAttempts int) MfaChallengeState {
	switch {
	case c.IsExpired(at):
		return MfaChallengeExpired
	case maxAttempts > 0 && c.AttemptCount >= maxAttempts:
		return MfaChallengeExhausted
	default:
		return MfaChallengePending
	}
}
