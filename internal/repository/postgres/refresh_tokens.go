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
	"github.com/cedarline/identity-core/internal/repository"
)

// RefreshTokenRepository implements port.RefreshTokenRepository over the
// identity.refresh_tokens table.
type RefreshTokenRepository struct {
	exec    Executor
	builder squirrel.StatementBuilderType
}

// NewRefreshTokenRepository constructs a PostgreSQL-backed refresh token repository.
func NewRefreshTokenRepository(db Executor) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		exec:    db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance executing within the provided transaction.
func (r *RefreshTokenRepository) WithTx(tx pgx.Tx) *RefreshTokenRepository {
	if tx == nil {
		return r
	}
	return &RefreshTokenRepository{
		exec:    tx,
		builder: r.builder,
	}
}

// Create inserts a new refresh token record.
func (r *RefreshTokenRepository) Create(ctx context.Context, token domain.RefreshToken) error {
	stmt, args, err := r.builder.Insert("identity.refresh_tokens").
		Columns(
			"id",
			"user_id",
			"token_hash",
			"family_id",
			"client_ip",
			"issued_at",
			"expires_at",
			"revoked_at",
		).
		Values(
			token.ID,
			token.UserID,
			token.TokenHash,
			token.FamilyID,
			token.ClientIP,
			token.IssuedAt,
			token.ExpiresAt,
			token.RevokedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert refresh token sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// GetByHash retrieves a refresh token by its hashed value.
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*domain.RefreshToken, error) {
	stmt, args, err := r.builder.Select(
		"id",
		"user_id",
		"token_hash",
		"family_id",
		"client_ip",
		"issued_at",
		"expires_at",
		"revoked_at",
	).
		From("identity.refresh_tokens").
		Where(squirrel.Eq{"token_hash": hash}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select refresh token sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)

	var (
		token     domain.RefreshToken
		clientIP  sql.NullString
		revokedAt sql.NullTime
	)

	if err := row.Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.FamilyID,
		&clientIP,
		&token.IssuedAt,
		&token.ExpiresAt,
		&revokedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}

	if clientIP.Valid {
		value := clientIP.String
		token.ClientIP = &value
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		token.RevokedAt = &t
	}

	return &token, nil
}

// RevokeActive revokes the token only when it is still active. The
// revoked_at IS NULL guard is the compare-and-swap: a row that exists but
// was revoked by a concurrent caller yields ErrConflict.
func (r *RefreshTokenRepository) RevokeActive(ctx context.Context, tokenID string, at time.Time) error {
	stmt, args, err := r.builder.Update("identity.refresh_tokens").
		Set("revoked_at", at).
		Where(squirrel.Eq{"id": tokenID}).
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("build revoke refresh token sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
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

// RevokeFamily revokes every active token in the family and returns the
// count. The actor lands in revoked_by for the audit trail.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID, reason, actor string, at time.Time) (int, error) {
	stmt, args, err := r.builder.Update("identity.refresh_tokens").
		Set("revoked_at", at).
		Set("revoke_reason", reason).
		Set("revoked_by", actor).
		Where(squirrel.Eq{"family_id": familyID}).
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build revoke family sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}

	return int(ct.RowsAffected()), nil
}

// RevokeAllForUser revokes every active token the user holds and returns the count.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID, reason, actor string, at time.Time) (int, error) {
	stmt, args, err := r.builder.Update("identity.refresh_tokens").
		Set("revoked_at", at).
		Set("revoke_reason", reason).
		Set("revoked_by", actor).
		Where(squirrel.Eq{"user_id": userID}).
		Where("revoked_at IS NULL").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build revoke user tokens sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}

	return int(ct.RowsAffected()), nil
}

// CountActiveForUser counts unexpired, unrevoked tokens for the session cap.
func (r *RefreshTokenRepository) CountActiveForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	stmt, args, err := r.builder.Select("COUNT(*)").
		From("identity.refresh_tokens").
		Where(squirrel.Eq{"user_id": userID}).
		Where("revoked_at IS NULL").
		Where(squirrel.Gt{"expires_at": at}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count active tokens sql: %w", err)
	}

	var count int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active tokens: %w", err)
	}

	return count, nil
}

// RevokeOldestActiveForUser evicts exactly the single oldest active token and
// returns its id. The subquery orders by issued_at so eviction is FIFO even
// under concurrent logins.
func (r *RefreshTokenRepository) RevokeOldestActiveForUser(ctx context.Context, userID, reason string, at time.Time) (string, error) {
	const stmt = `
		UPDATE identity.refresh_tokens
		SET revoked_at = $1, revoke_reason = $3
		WHERE id = (
			SELECT id FROM identity.refresh_tokens
			WHERE user_id = $2 AND revoked_at IS NULL AND expires_at > $1
			ORDER BY issued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`

	var tokenID string
	if err := r.exec.QueryRow(ctx, stmt, at, userID, reason).Scan(&tokenID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("evict oldest token: %w", err)
	}

	return tokenID, nil
}

func (r *RefreshTokenRepository) exists(ctx context.Context, tokenID string) (bool, error) {
	stmt, args, err := r.builder.Select("1").
		From("identity.refresh_tokens").
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
