package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/infra/security"
	"github.com/cedarline/identity-core/internal/repository"
)

const passwordAlgoArgon2id = "argon2id"

// CredentialService verifies and replaces stored password material. It knows
// nothing about lockout or MFA; that policy lives in AuthService.
type CredentialService struct {
	credentials port.CredentialRepository
	hasher      port.PasswordHasher
	validator   *security.PasswordValidator
	logger      *zap.Logger
	now         func() time.Time
}

func NewCredentialService(credentials port.CredentialRepository, hasher port.PasswordHasher, validator *security.PasswordValidator, logger *zap.Logger) *CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = security.DefaultPasswordValidator()
	}
	service := &CredentialService{
		credentials: credentials,
		hasher:      hasher,
		validator:   validator,
		logger:      logger,
	}
	service.now = func() time.Time { return time.Now().UTC() }
	return service
}

func (s *CredentialService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Verify checks a password against the stored hash. A user with no stored
// credential simply fails verification; the caller cannot tell the two
// cases apart.
func (s *CredentialService) Verify(ctx context.Context, userID, password string) (bool, error) {
	credential, err := s.credentials.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Burn a hash anyway so a missing credential is not observably
			// faster than a wrong password.
			_, _ = s.hasher.Hash(password)
			return false, nil
		}
		return false, fmt.Errorf("load credential: %w", err)
	}

	ok, err := s.hasher.Verify(password, credential.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}

	return ok, nil
}

// Set validates the new password against policy, hashes it, and upserts the
// credential row. Policy violations surface as ErrNewPasswordInvalid wrapped
// around the specific rule failures.
func (s *CredentialService) Set(ctx context.Context, userID, newPassword string, userInputs ...string) error {
	credential, err := s.prepare(userID, newPassword, userInputs...)
	if err != nil {
		return err
	}

	if _, err := s.credentials.Get(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if err := s.credentials.Create(ctx, credential); err != nil {
				return fmt.Errorf("create credential: %w", err)
			}
			return nil
		}
		return fmt.Errorf("load credential: %w", err)
	}

	if err := s.credentials.Update(ctx, credential); err != nil {
		return fmt.Errorf("update credential: %w", err)
	}

	return nil
}

// SetInTx is Set scoped to an open transaction: the existence check takes a
// row lock via GetForUpdate and the upsert executes through the tx, so the
// new hash commits together with whatever effect the caller ties it to.
func (s *CredentialService) SetInTx(ctx context.Context, tx pgx.Tx, userID, newPassword string, userInputs ...string) error {
	credential, err := s.prepare(userID, newPassword, userInputs...)
	if err != nil {
		return err
	}

	repo := s.credentials.WithTx(tx)
	if _, err := repo.GetForUpdate(ctx, tx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if err := repo.Create(ctx, credential); err != nil {
				return fmt.Errorf("create credential: %w", err)
			}
			return nil
		}
		return fmt.Errorf("load credential: %w", err)
	}

	if err := repo.Update(ctx, credential); err != nil {
		return fmt.Errorf("update credential: %w", err)
	}

	return nil
}

// prepare runs policy validation and hashing, producing the row to upsert.
func (s *CredentialService) prepare(userID, newPassword string, userInputs ...string) (domain.Credential, error) {
	if err := s.validator.Validate(newPassword, userInputs...); err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", ErrNewPasswordInvalid, err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	return domain.Credential{
		UserID:       userID,
		PasswordHash: hash,
		PasswordAlgo: passwordAlgoArgon2id,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}
