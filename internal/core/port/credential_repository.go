package port

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/cedarline/identity-core/internal/core/domain"
)

// CredentialRepository persists hashed passwords, isolated from profile data.
type CredentialRepository interface {
	Get(ctx context.Context, userID string) (*domain.Credential, error)
	// GetForUpdate reads the credential row with a row lock inside the supplied
	// transaction so a concurrent rotation cannot produce a lost update.
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID string) (*domain.Credential, error)
	Create(ctx context.Context, credential domain.Credential) error
	// Update replaces the hash atomically and stamps updated_at.
	Update(ctx context.Context, credential domain.Credential) error
	// WithTx returns a view of the repository whose writes execute inside tx.
	WithTx(tx pgx.Tx) CredentialRepository
}
