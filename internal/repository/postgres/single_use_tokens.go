package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/repository"
)

// SingleUseTokenRepository implements port.SingleUseTokenRepository over the
// identity.single_use_tokens table. All purposes share the one table; the
// purpose column keeps the namespaces apart.
type SingleUseTokenRepository struct {
	exec    Executor
	builder squirrel.StatementBuilderType
}

// NewSingleUseTokenRepository constructs a PostgreSQL-backed single-use token repository.
func NewSingleUseTokenRepository(db Executor) *SingleUseTokenRepository {
	return &SingleUseTokenRepository{
		exec:    db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance executing within the provided transaction.
func (r *SingleUseTokenRepository) WithTx(tx pgx.Tx) port.SingleUseTokenRepository {
	if tx == nil {
		return r
	}
	return &SingleUseTokenRepository{
		exec:    tx,
		builder: r.builder,
	}
}

// Create inserts a new single-use token record.
func (r *SingleUseTokenRepository) Create(ctx context.Context, token domain.SingleUseToken) error {
	stmt, args, err := r.builder.Insert("identity.single_use_tokens").
		Columns(
			"id",
			"user_id",
			"subject",
			"token_hash",
			"purpose",
			"client_ip",
			"created_at",
			"expires_at",
			"used_at",
			"revoked_at",
		).
		Values(
			token.ID,
			token.UserID,
			token.Subject,
			token.TokenHash,
			token.Purpose,
			token.ClientIP,
			token.CreatedAt,
			token.ExpiresAt,
			token.UsedAt,
			token.RevokedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert single-use token sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert single-use token: %w", err)
	}

	return nil
}

// GetByHash retrieves a token by hash scoped to a purpose. Cross-purpose
// lookups miss even when the hash matches.
func (r *SingleUseTokenRepository) GetByHash(ctx context.Context, hash string, purpose domain.TokenPurpose) (*domain.SingleUseToken, error) {
	stmt, args, err := r.builder.Select(
		"id",
		"user_id",
		"subject",
		"token_hash",
		"purpose",
		"client_ip",
		"created_at",
		"expires_at",
		"used_at",
		"revoked_at",
	).
		From("identity.single_use_tokens").
		Where(squirrel.Eq{"token_hash": hash, "purpose": purpose}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select single-use token sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)

	var (
		token     domain.SingleUseToken
		userID    sql.NullString
		clientIP  sql.NullString
		usedAt    sql.NullTime
		revokedAt sql.NullTime
	)

	if err := row.Scan(
		&token.ID,
		&userID,
		&token.Subject,
		&token.TokenHash,
		&token.Purpose,
		&clientIP,
		&token.CreatedAt,
		&token.ExpiresAt,
		&usedAt,
		&revokedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan single-use token: %w", err)
	}

	if userID.Valid {
		value := userID.String
		token.UserID = &value
	}
	if clientIP.Valid {
		value := clientIP.String
		token.ClientIP = &value
	}
	if usedAt.Valid {
		t := usedAt.Time
		token.UsedAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		token.RevokedAt = &t
	}

	return &token, nil
}

// MarkUsed consumes the token. The used_at IS NULL guard makes consumption a
// compare-and-swap; a token already consumed by a concurrent caller yields
// ErrConflict.
func (r *SingleUseTokenRepository) MarkUsed(ctx context.Context, tokenID string, at time.Time) error {
	stmt, args, err := r.builder.Update("identity.single_use_tokens").
		Set("used_at", at).
		Where(squirrel.Eq{"id": tokenID}).
		Where("used_at IS NULL").
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark used sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}

	if ct.RowsAffected() == 0 {
		exists, err := r.exists(ctx, tokenID)
		if err != nil {
			return err
		}
		if exists {
			return repository.ErrConflict
		}
		return repository.ErrNotFound
	}

	return nil
}

// InvalidateForSubject revokes every outstanding token for the subject and
// purpose, returning the count. Issuing a fresh token calls this first so
// only the newest link stays redeemable.
func (r *SingleUseTokenRepository) InvalidateForSubject(ctx context.Context, subject string, purpose domain.TokenPurpose, at time.Time) (int, error) {
	stmt, args, err := r.builder.Update("identity.single_use_tokens").
		Set("revoked_at", at).
		Where(squirrel.Eq{"subject": subject, "purpose": purpose}).
		Where("used_at IS NULL").
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build invalidate tokens sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate tokens: %w", err)
	}

	return int(ct.RowsAffected()), nil
}

func (r *SingleUseTokenRepository) exists(ctx context.Context, tokenID string) (bool, error) {
	stmt, args, err := r.builder.Select("1").
		From("identity.single_use_tokens").
		Where(squirrel.Eq{"id": tokenID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build token exists sql: %w", err)
	}

	var one int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check token exists: %w", err)
	}

	return true, nil
}
