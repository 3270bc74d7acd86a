package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/repository"
)

const (
	defaultMfaPrefix = "mfa"

	fieldCodeHash   = "code_hash"
	fieldUserID     = "user_id"
	fieldChannel    = "channel"
	fieldAttempts   = "attempts"
	fieldClientIP   = "client_ip"
	fieldCreatedAt  = "created_at"
	fieldLastSentAt = "last_sent_at"
	fieldExpiresAt  = "expires_at"
)

// MfaChallengeRepository stores pending MFA challenges as Redis hashes keyed
// by the opaque challenge token. The Redis TTL mirrors the challenge expiry
// so abandoned challenges vanish on their own.
type MfaChallengeRepository struct {
	client *red.Client
	prefix string
}

// NewMfaChallengeRepository constructs a repository using the provided Redis client and key prefix.
func NewMfaChallengeRepository(client *red.Client, keyPrefix string) *MfaChallengeRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultMfaPrefix
	}

	return &MfaChallengeRepository{client: client, prefix: prefix}
}

// Store persists the challenge under its token with the supplied TTL.
func (r *MfaChallengeRepository) Store(ctx context.Context, challenge domain.MfaChallenge, ttl time.Duration) error {
	switch {
	case strings.TrimSpace(challenge.Token) == "":
		return errors.New("challenge token is required")
	case strings.TrimSpace(challenge.UserID) == "":
		return errors.New("user id is required")
	case ttl <= 0:
		return errors.New("ttl must be positive")
	}

	fields := map[string]any{
		fieldCodeHash:   challenge.CodeHash,
		fieldUserID:     challenge.UserID,
		fieldChannel:    string(challenge.Channel),
		fieldAttempts:   strconv.Itoa(challenge.AttemptCount),
		fieldCreatedAt:  strconv.FormatInt(challenge.CreatedAt.Unix(), 10),
		fieldLastSentAt: strconv.FormatInt(challenge.LastSentAt.Unix(), 10),
		fieldExpiresAt:  strconv.FormatInt(challenge.ExpiresAt.Unix(), 10),
	}
	if challenge.ClientIP != nil {
		fields[fieldClientIP] = *challenge.ClientIP
	}

	key := r.key(challenge.Token)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store mfa challenge: %w", err)
	}

	return nil
}

// Get retrieves the challenge for the supplied token.
func (r *MfaChallengeRepository) Get(ctx context.Context, token string) (*domain.MfaChallenge, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, repository.ErrNotFound
	}

	values, err := r.client.HGetAll(ctx, r.key(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall mfa challenge: %w", err)
	}
	if len(values) == 0 {
		return nil, repository.ErrNotFound
	}

	codeHash := strings.TrimSpace(values[fieldCodeHash])
	if codeHash == "" {
		return nil, repository.ErrNotFound
	}

	createdAt, err := parseUnix(values[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	lastSentAt, err := parseUnix(values[fieldLastSentAt])
	if err != nil {
		return nil, fmt.Errorf("parse last_sent_at: %w", err)
	}
	expiresAt, err := parseUnix(values[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	attempts := 0
	if raw := values[fieldAttempts]; raw != "" {
		if v, convErr := strconv.Atoi(raw); convErr == nil {
			attempts = v
		}
	}

	challenge := domain.MfaChallenge{
		Token:        token,
		UserID:       values[fieldUserID],
		CodeHash:     codeHash,
		Channel:      domain.MfaChannel(values[fieldChannel]),
		AttemptCount: attempts,
		CreatedAt:    createdAt,
		LastSentAt:   lastSentAt,
		ExpiresAt:    expiresAt,
	}
	if ip := strings.TrimSpace(values[fieldClientIP]); ip != "" {
		challenge.ClientIP = &ip
	}

	return &challenge, nil
}

// IncrementAttempts atomically bumps the attempt counter and returns the new value.
func (r *MfaChallengeRepository) IncrementAttempts(ctx context.Context, token string) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, repository.ErrNotFound
	}

	key := r.key(token)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis exists mfa challenge: %w", err)
	}
	if exists == 0 {
		return 0, repository.ErrNotFound
	}

	count, err := r.client.HIncrBy(ctx, key, fieldAttempts, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hincrby mfa attempts: %w", err)
	}

	return int(count), nil
}

// ReplaceCode swaps in a fresh code hash on resend. The attempt counter and
// the key TTL are left untouched so resending never extends the challenge.
func (r *MfaChallengeRepository) ReplaceCode(ctx context.Context, token string, codeHash string, sentAt time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" || strings.TrimSpace(codeHash) == "" {
		return repository.ErrNotFound
	}

	key := r.key(token)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis exists mfa challenge: %w", err)
	}
	if exists == 0 {
		return repository.ErrNotFound
	}

	if err := r.client.HSet(ctx, key, map[string]any{
		fieldCodeHash:   codeHash,
		fieldLastSentAt: strconv.FormatInt(sentAt.Unix(), 10),
	}).Err(); err != nil {
		return fmt.Errorf("redis replace mfa code: %w", err)
	}

	return nil
}

// Delete consumes the challenge.
func (r *MfaChallengeRepository) Delete(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return repository.ErrNotFound
	}

	deleted, err := r.client.Del(ctx, r.key(token)).Result()
	if err != nil {
		return fmt.Errorf("redis delete mfa challenge: %w", err)
	}
	if deleted == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func (r *MfaChallengeRepository) key(token string) string {
	return fmt.Sprintf("%s:challenge:%s", r.prefix, token)
}

func parseUnix(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(v, 0).UTC(), nil
}

var _ port.MfaChallengeRepository = (*MfaChallengeRepository)(nil)
