package port

import (
	"context"
	"time"

	"github.com/cedarline/identity-core/internal/core/domain"
)

// MfaChallengeRepository stores pending MFA challenges. Backed by a volatile
// store keyed by the opaque challenge token; entries expire with the challenge.
type MfaChallengeRepository interface {
	Store(ctx context.Context, challenge domain.MfaChallenge, ttl time.Duration) error
	Get(ctx context.Context, token string) (*domain.MfaChallenge, error)
	// IncrementAttempts atomically bumps the attempt counter and returns the
	// new value, so concurrent verifications cannot undercount.
	IncrementAttempts(ctx context.Context, token string) (int, error)
	// ReplaceCode swaps in a fresh code hash on resend, keeping attempts intact.
	ReplaceCode(ctx context.Context, token string, codeHash string, sentAt time.Time) error
	// Delete consumes the challenge; a challenge is consumable at most once.
	Delete(ctx context.Context, token string) error
}
