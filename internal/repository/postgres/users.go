package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/repository"
)

// UserRepository implements port.UserRepository over the identity.users and
// identity.auth_methods tables. Only the authentication-relevant columns are
// read or written here; profile data belongs to the surrounding CRUD layer.
type UserRepository struct {
	exec    Executor
	builder squirrel.StatementBuilderType
}

// NewUserRepository wires a PostgreSQL-backed user repository.
func NewUserRepository(db Executor) *UserRepository {
	return &UserRepository{
		exec:    db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance executing within the provided transaction.
func (r *UserRepository) WithTx(tx pgx.Tx) port.UserRepository {
	if tx == nil {
		return r
	}
	return &UserRepository{
		exec:    tx,
		builder: r.builder,
	}
}

var userColumns = []string{
	"id",
	"username",
	"email",
	"phone",
	"status",
	"is_active",
	"is_deleted",
	"mfa_enabled",
	"requires_password_change",
	"failed_login_attempts",
	"locked_until",
	"last_login_at",
	"last_login_ip",
	"registered_at",
}

// GetByID retrieves a user by primary key.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	stmt, args, err := r.builder.Select(userColumns...).
		From("identity.users").
		Where(squirrel.Eq{"id": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user sql: %w", err)
	}

	return r.scanUser(r.exec.QueryRow(ctx, stmt, args...))
}

// GetByIdentifier retrieves a user by username or e-mail, case-insensitively.
func (r *UserRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	normalized := strings.ToLower(strings.TrimSpace(identifier))

	stmt, args, err := r.builder.Select(userColumns...).
		From("identity.users").
		Where(squirrel.Or{
			squirrel.Eq{"LOWER(username)": normalized},
			squirrel.Eq{"LOWER(email)": normalized},
		}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user sql: %w", err)
	}

	return r.scanUser(r.exec.QueryRow(ctx, stmt, args...))
}

// UpdateStatus transitions the account status.
func (r *UserRepository) UpdateStatus(ctx context.Context, id string, status domain.UserStatus) error {
	query := r.builder.Update("identity.users").
		Set("status", status).
		Where(squirrel.Eq{"id": id})

	// Activation clears any residual lockout state.
	if status == domain.UserStatusActive {
		query = query.
			Set("is_active", true).
			Set("failed_login_attempts", 0).
			Set("locked_until", nil)
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build update status sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// RecordLoginSuccess resets the failure counter and stamps last-login metadata.
func (r *UserRepository) RecordLoginSuccess(ctx context.Context, id string, at time.Time, ip *string) error {
	stmt, args, err := r.builder.Update("identity.users").
		Set("failed_login_attempts", 0).
		Set("locked_until", nil).
		Set("last_login_at", at).
		Set("last_login_ip", ip).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build record login success sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("record login success: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// RecordLoginFailure increments the failure counter in a single statement so
// concurrent failures cannot lose updates, and applies the lockout window the
// moment the counter crosses the threshold. Returns the updated counter.
func (r *UserRepository) RecordLoginFailure(ctx context.Context, id string, threshold int, lockout time.Duration, at time.Time) (int, error) {
	const stmt = `
		UPDATE identity.users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = CASE
		        WHEN failed_login_attempts + 1 >= $2 THEN $3
		        ELSE locked_until
		    END
		WHERE id = $1
		RETURNING failed_login_attempts`

	var failures int
	lockedUntil := at.Add(lockout)
	if err := r.exec.QueryRow(ctx, stmt, id, threshold, lockedUntil).Scan(&failures); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("record login failure: %w", err)
	}

	return failures, nil
}

// SetRequiresPasswordChange toggles the forced password change flag.
func (r *UserRepository) SetRequiresPasswordChange(ctx context.Context, id string, required bool) error {
	stmt, args, err := r.builder.Update("identity.users").
		Set("requires_password_change", required).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update password change flag sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update password change flag: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// ListAuthMethods returns every registered authentication method for the user.
func (r *UserRepository) ListAuthMethods(ctx context.Context, userID string) ([]domain.AuthMethod, error) {
	stmt, args, err := r.builder.Select(
		"id",
		"user_id",
		"kind",
		"provider",
		"created_at",
	).
		From("identity.auth_methods").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select auth methods sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("select auth methods: %w", err)
	}
	defer rows.Close()

	var methods []domain.AuthMethod
	for rows.Next() {
		var (
			method   domain.AuthMethod
			provider sql.NullString
		)
		if err := rows.Scan(
			&method.ID,
			&method.UserID,
			&method.Kind,
			&provider,
			&method.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan auth method: %w", err)
		}
		if provider.Valid {
			value := provider.String
			method.Provider = &value
		}
		methods = append(methods, method)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auth methods: %w", err)
	}

	return methods, nil
}

// RemoveAuthMethod deletes one registered method. The caller is responsible
// for the last-method guard.
func (r *UserRepository) RemoveAuthMethod(ctx context.Context, methodID string) error {
	stmt, args, err := r.builder.Delete("identity.auth_methods").
		Where(squirrel.Eq{"id": methodID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete auth method sql: %w", err)
	}

	ct, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete auth method: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func (r *UserRepository) scanUser(row pgx.Row) (*domain.User, error) {
	var (
		user        domain.User
		phone       sql.NullString
		lockedUntil sql.NullTime
		lastLoginAt sql.NullTime
		lastLoginIP sql.NullString
	)

	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&phone,
		&user.Status,
		&user.IsActive,
		&user.IsDeleted,
		&user.MfaEnabled,
		&user.RequiresPasswordChange,
		&user.FailedLoginAttempts,
		&lockedUntil,
		&lastLoginAt,
		&lastLoginIP,
		&user.RegisteredAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	if phone.Valid {
		value := phone.String
		user.Phone = &value
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		user.LockedUntil = &t
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		user.LastLoginAt = &t
	}
	if lastLoginIP.Valid {
		value := lastLoginIP.String
		user.LastLoginIP = &value
	}

	return &user, nil
}
