package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/repository"
)

// CredentialRepository implements port.CredentialRepository over the
// identity.credentials table. One row per user.
type CredentialRepository struct {
	exec    Executor
	builder squirrel.StatementBuilderType
}

// NewCredentialRepository constructs a PostgreSQL-backed credential repository.
func NewCredentialRepository(db Executor) *CredentialRepository {
	return &CredentialRepository{
		exec:    db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance executing within the provided transaction.
func (r *CredentialRepository) WithTx(tx pgx.Tx) port.CredentialRepository {
	if tx == nil {
		return r
	}
	return &CredentialRepository{
		exec:    tx,
		builder: r.builder,
	}
}

// Get retrieves the credential row for a user.
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*domain.Credential, error) {
	return r.get(ctx, r.exec, userID, false)
}

// GetForUpdate reads the credential row with a row lock inside the supplied
// transaction.
func (r *CredentialRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID string) (*domain.Credential, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction is required")
	}
	return r.get(ctx, tx, userID, true)
}

func (r *CredentialRepository) get(ctx context.Context, exec Executor, userID string, forUpdate bool) (*domain.Credential, error) {
	query := r.builder.Select(
		"user_id",
		"password_hash",
		"password_algo",
		"created_at",
		"updated_at",
	).
		From("identity.credentials").
		Where(squirrel.Eq{"user_id": userID}).
		Limit(1)
	if forUpdate {
		query = query.Suffix("FOR UPDATE")
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select credential sql: %w", err)
	}

	var credential domain.Credential
	if err := exec.QueryRow(ctx, stmt, args...).Scan(
		&credential.UserID,
		&credential.PasswordHash,
		&credential.PasswordAlgo,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	return &credential, nil
}

// Create inserts the first credential row for a user.
func (r *CredentialRepository) Create(ctx context.Context, credential domain.Credential) error {
	stmt, args, err := r.builder.Insert("identity.credentials").
		Columns(
			"user_id",
			"password_hash",
			"password_algo",
			"created_at",
			"updated_at",
		).
		Values(
			credential.UserID,
			credential.PasswordHash,
			credential.PasswordAlgo,
			credential.CreatedAt,
			credential.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert credential sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

// Update replaces the stored hash and stamps updated_at.
func (r *CredentialRepository) Update(ctx context.Context, credential domain.Credential) error {
	stmt, args, err := r.builder.Update("identity.credentials").
		Set("password_hash", credential.PasswordHash).
		Set("password_algo", credential.PasswordAlgo).
		Set("updated_at", credential.UpdatedAt).
		Where(squirrel.Eq{"user_id": credential.UserID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update credential sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}
