package port

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cedarline/identity-core/internal/core/domain"
)

// UserRepository exposes the account state the authentication core depends on.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
	UpdateStatus(ctx context.Context, id string, status domain.UserStatus) error
	// RecordLoginSuccess resets the failure counter and stamps last-login metadata.
	RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip *string) error
	// RecordLoginFailure increments the failure counter and applies the lockout
	// window once the threshold is reached. Returns the updated counter.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockout time.Duration, at time.Time) (int, error)
	SetRequiresPasswordChange(ctx context.Context, id string, required bool) error
	ListAuthMethods(ctx context.Context, userID string) ([]domain.AuthMethod, error)
	RemoveAuthMethod(ctx context.Context, methodID string) error
	// WithTx returns a view of the repository whose writes execute inside tx.
	WithTx(tx pgx.Tx) UserRepository
}
