package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/repository"
)

func TestSingleUseTokenRepository_GetByHashScopedToPurpose(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewSingleUseTokenRepository(mock)
	createdAt := time.Now().UTC()
	userID := "user-1"

	rows := pgxmock.NewRows([]string{
		"id", "user_id", "subject", "token_hash", "purpose", "client_ip",
		"created_at", "expires_at", "used_at", "revoked_at",
	}).AddRow(
		"token-1", userID, "ada@example.com", "hash-1", domain.PurposePasswordReset, nil,
		createdAt, createdAt.Add(time.Hour), nil, nil,
	)

	mock.ExpectQuery(`SELECT .*FROM identity\.single_use_tokens`).
		WithArgs(domain.PurposePasswordReset, "hash-1").
		WillReturnRows(rows)

	token, err := repo.GetByHash(context.Background(), "hash-1", domain.PurposePasswordReset)
	if err != nil {
		t.Fatalf("GetByHash returned error: %v", err)
	}
	if token.ID != "token-1" || token.Subject != "ada@example.com" {
		t.Fatalf("unexpected token: %+v", token)
	}
	if token.UserID == nil || *token.UserID != userID {
		t.Fatalf("expected bound user id")
	}
	if token.UsedAt != nil || token.RevokedAt != nil {
		t.Fatalf("expected a live token")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSingleUseTokenRepository_MarkUsed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewSingleUseTokenRepository(mock)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE identity\.single_use_tokens`).
		WithArgs(now, "token-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.MarkUsed(context.Background(), "token-1", now); err != nil {
		t.Fatalf("MarkUsed returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSingleUseTokenRepository_MarkUsedAlreadyConsumed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewSingleUseTokenRepository(mock)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE identity\.single_use_tokens`).
		WithArgs(now, "token-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM identity\.single_use_tokens`).
		WithArgs("token-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	if err := repo.MarkUsed(context.Background(), "token-1", now); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSingleUseTokenRepository_MarkUsedUnknownToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewSingleUseTokenRepository(mock)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE identity\.single_use_tokens`).
		WithArgs(now, "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM identity\.single_use_tokens`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	if err := repo.MarkUsed(context.Background(), "ghost", now); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSingleUseTokenRepository_InvalidateForSubject(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewSingleUseTokenRepository(mock)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE identity\.single_use_tokens`).
		WithArgs(now, domain.PurposePasswordReset, "ada@example.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	revoked, err := repo.InvalidateForSubject(context.Background(), "ada@example.com", domain.PurposePasswordReset, now)
	if err != nil {
		t.Fatalf("InvalidateForSubject returned error: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected 2 revoked tokens, got %d", revoked)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
