package port

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cedarline/identity-core/internal/core/domain"
)

// SingleUseTokenRepository is the small surface the generic single-use token
// engine runs over: lookup by hash, conditional mark-used, and bulk
// invalidation per subject. Password reset, email verification, and
// registration tokens all adapt this one contract.
type SingleUseTokenRepository interface {
	Create(ctx context.Context, token domain.SingleUseToken) error
	GetByHash(ctx context.Context, hash string, purpose domain.TokenPurpose) (*domain.SingleUseToken, error)
	// MarkUsed transitions the token to used only when still unused
	// (UPDATE ... WHERE used_at IS NULL); repository.ErrConflict signals a
	// token that was already consumed.
	MarkUsed(ctx context.Context, tokenID string, at time.Time) error
	// InvalidateForSubject revokes every outstanding (unused, unrevoked) token
	// for the subject and purpose, returning the number revoked.
	InvalidateForSubject(ctx context.Context, subject string, purpose domain.TokenPurpose, at time.Time) (int, error)
	// WithTx returns a view of the repository whose writes execute inside tx,
	// so the mark-used can commit together with the effect it gates.
	WithTx(tx pgx.Tx) SingleUseTokenRepository
}
