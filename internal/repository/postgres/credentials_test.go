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

func TestCredentialRepository_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewCredentialRepository(mock)
	createdAt := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"user_id", "password_hash", "password_algo", "created_at", "updated_at",
	}).AddRow("user-1", "argon2id$v=19$m=65536,t=3,p=2$salt$hash", "argon2id", createdAt, createdAt)

	mock.ExpectQuery(`SELECT .*FROM identity\.credentials`).
		WithArgs("user-1").
		WillReturnRows(rows)

	credential, err := repo.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if credential.UserID != "user-1" || credential.PasswordAlgo != "argon2id" {
		t.Fatalf("unexpected credential: %+v", credential)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCredentialRepository_GetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewCredentialRepository(mock)

	mock.ExpectQuery(`SELECT .*FROM identity\.credentials`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	if _, err := repo.Get(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCredentialRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewCredentialRepository(mock)
	now := time.Now().UTC()

	credential := domain.Credential{
		UserID:       "user-1",
		PasswordHash: "argon2id$v=19$m=65536,t=3,p=2$salt$hash",
		PasswordAlgo: "argon2id",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	mock.ExpectExec(`INSERT INTO identity\.credentials`).
		WithArgs(credential.UserID, credential.PasswordHash, credential.PasswordAlgo, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Create(context.Background(), credential); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCredentialRepository_Update(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewCredentialRepository(mock)
	now := time.Now().UTC()

	credential := domain.Credential{
		UserID:       "user-1",
		PasswordHash: "argon2id$v=19$m=65536,t=3,p=2$rehash$rehash",
		PasswordAlgo: "argon2id",
		UpdatedAt:    now,
	}

	mock.ExpectExec(`UPDATE identity\.credentials`).
		WithArgs(credential.PasswordHash, credential.PasswordAlgo, now, credential.UserID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := repo.Update(context.Background(), credential); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCredentialRepository_UpdateMissingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewCredentialRepository(mock)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE identity\.credentials`).
		WithArgs("hash", "argon2id", now, "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	credential := domain.Credential{UserID: "ghost", PasswordHash: "hash", PasswordAlgo: "argon2id", UpdatedAt: now}
	if err := repo.Update(context.Background(), credential); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
