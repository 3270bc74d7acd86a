package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	"github.com/cedarline/identity-core/internal/core/domain"
	"github.com/cedarline/identity-core/internal/repository"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *red.Client) {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(srv.Close)

	client := red.NewClient(&red.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	return srv, client
}

func testChallenge(token string) domain.MfaChallenge {
	now := time.Now().UTC().Truncate(time.Second)
	ip := "198.51.100.7"
	return domain.MfaChallenge{
		Token:        token,
		UserID:       "user-1",
		CodeHash:     "code-hash-1",
		Channel:      domain.MfaChannelEmail,
		AttemptCount: 0,
		ClientIP:     &ip,
		CreatedAt:    now,
		LastSentAt:   now,
		ExpiresAt:    now.Add(5 * time.Minute),
	}
}

func TestMfaChallengeRepositoryStoreAndGet(t *testing.T) {
	srv, client := newTestRedis(t)
	repo := NewMfaChallengeRepository(client, "mfa")
	ctx := context.Background()

	challenge := testChallenge("challenge-1")
	if err := repo.Store(ctx, challenge, 5*time.Minute); err != nil {
		t.Fatalf("Store returned error: %v", err)
	}

	got, err := repo.Get(ctx, "challenge-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.UserID != challenge.UserID || got.CodeHash != challenge.CodeHash {
		t.Fatalf("unexpected challenge: %+v", got)
	}
	if got.Channel != domain.MfaChannelEmail {
		t.Fatalf("channel = %q", got.Channel)
	}
	if got.ClientIP == nil || *got.ClientIP != *challenge.ClientIP {
		t.Fatalf("client ip lost on round trip")
	}
	if !got.ExpiresAt.Equal(challenge.ExpiresAt) {
		t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, challenge.ExpiresAt)
	}

	if ttl := srv.TTL("mfa:challenge:challenge-1"); ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("key ttl = %v", ttl)
	}
}

func TestMfaChallengeRepositoryGetMissing(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewMfaChallengeRepository(client, "mfa")

	if _, err := repo.Get(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMfaChallengeRepositoryStoreRejectsInvalidInput(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewMfaChallengeRepository(client, "mfa")
	ctx := context.Background()

	missingToken := testChallenge("")
	if err := repo.Store(ctx, missingToken, time.Minute); err == nil {
		t.Fatal("expected error for empty token")
	}

	if err := repo.Store(ctx, testChallenge("challenge-1"), 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestMfaChallengeRepositoryIncrementAttempts(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewMfaChallengeRepository(client, "mfa")
	ctx := context.Background()

	if err := repo.Store(ctx, testChallenge("challenge-1"), 5*time.Minute); err != nil {
		t.Fatalf("Store returned error: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := repo.IncrementAttempts(ctx, "challenge-1")
		if err != nil {
			t.Fatalf("IncrementAttempts returned error: %v", err)
		}
		if count != want {
			t.Fatalf("attempt count = %d, want %d", count, want)
		}
	}

	if _, err := repo.IncrementAttempts(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown challenge, got %v", err)
	}
}

func TestMfaChallengeRepositoryReplaceCodeKeepsStateAndTTL(t *testing.T) {
	srv, client := newTestRedis(t)
	repo := NewMfaChallengeRepository(client, "mfa")
	ctx := context.Background()

	if err := repo.Store(ctx, testChallenge("challenge-1"), 5*time.Minute); err != nil {
		t.Fatalf("Store returned error: %v", err)
	}
	if _, err := repo.IncrementAttempts(ctx, "challenge-1"); err != nil {
		t.Fatalf("IncrementAttempts returned error: %v", err)
	}

	resentAt := time.Now().UTC().Truncate(time.Second).Add(30 * time.Second)
	if err := repo.ReplaceCode(ctx, "challenge-1", "code-hash-2", resentAt); err != nil {
		t.Fatalf("ReplaceCode returned error: %v", err)
	}

	got, err := repo.Get(ctx, "challenge-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.CodeHash != "code-hash-2" {
		t.Fatalf("code hash = %q, want replaced value", got.CodeHash)
	}
	if !got.LastSentAt.Equal(resentAt) {
		t.Fatalf("last_sent_at = %v, want %v", got.LastSentAt, resentAt)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count reset by resend: %d", got.AttemptCount)
	}

	if ttl := srv.TTL("mfa:challenge:challenge-1"); ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("resend changed key ttl: %v", ttl)
	}

	if err := repo.ReplaceCode(ctx, "ghost", "code-hash-3", resentAt); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown challenge, got %v", err)
	}
}

func TestMfaChallengeRepositoryDelete(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewMfaChallengeRepository(client, "mfa")
	ctx := context.Background()

	if err := repo.Store(ctx, testChallenge("challenge-1"), 5*time.Minute); err != nil {
		t.Fatalf("Store returned error: %v", err)
	}
	if err := repo.Delete(ctx, "challenge-1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := repo.Get(ctx, "challenge-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected challenge to be gone, got %v", err)
	}
	if err := repo.Delete(ctx, "challenge-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestMfaChallengeRepositoryExpiresWithTTL(t *testing.T) {
	srv, client := newTestRedis(t)
	repo := NewMfaChallengeRepository(client, "mfa")
	ctx := context.Background()

	if err := repo.Store(ctx, testChallenge("challenge-1"), time.Minute); err != nil {
		t.Fatalf("Store returned error: %v", err)
	}

	srv.FastForward(2 * time.Minute)

	if _, err := repo.Get(ctx, "challenge-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected expired challenge to miss, got %v", err)
	}
}
