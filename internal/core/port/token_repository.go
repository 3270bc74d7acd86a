package port

import (
	"context"
	"time"

	"github.com/cedarline/identity-core/internal/core/domain"
)

// RefreshTokenRepository manages refresh token records. It is the single
// writer for refresh token rows; no other component mutates them.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error)
	// RevokeActive revokes the token only if it has not been revoked yet
	// (UPDATE ... WHERE revoked_at IS NULL). Returns repository.ErrConflict
	// when the row exists but was already revoked, so two concurrent rotations
	// of the same token cannot both observe "not yet revoked".
	RevokeActive(ctx context.Context, tokenID string, at time.Time) error
	// Bulk revocations stamp both the reason and the actor who ordered them
	// onto every affected row, so the audit trail names who pulled the plug.
	RevokeFamily(ctx context.Context, familyID, reason, actor string, at time.Time) (int, error)
	RevokeAllForUser(ctx context.Context, userID, reason, actor string, at time.Time) (int, error)
	CountActiveForUser(ctx context.Context, userID string, at time.Time) (int, error)
	// RevokeOldestActiveForUser evicts exactly the single oldest active token
	// (FIFO) and returns its id.
	RevokeOldestActiveForUser(ctx context.Context, userID, reason string, at time.Time) (string, error)
}
