package security

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type staticKeyProvider struct {
	key *rsa.PrivateKey
	kid string
}

func (p *staticKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) { return p.key, nil }
func (p *staticKeyProvider) SigningKID() string                      { return p.kid }
func (p *staticKeyProvider) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	if kid != p.kid {
		return nil, ErrKeyNotRegistered
	}
	return &p.key.PublicKey, nil
}

func newStaticProvider(t *testing.T) *staticKeyProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return &staticKeyProvider{key: key, kid: "2026-03"}
}

func TestSignAndVerifyAccessToken(t *testing.T) {
	provider := newStaticProvider(t)
	manager := NewJWTManager(provider)

	issued := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	claims, err := NewAccessTokenClaims(AccessTokenOptions{
		UserID:    "user-1",
		SessionID: "session-1",
		Issuer:    "identity-core-test",
		TTL:       10 * time.Minute,
		IssuedAt:  issued,
	})
	if err != nil {
		t.Fatalf("build claims: %v", err)
	}

	signed, err := manager.SignAccessToken(provider.SigningKID(), claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parsedClaims := &AccessTokenClaims{}
	parsed, err := jwt.ParseWithClaims(signed, parsedClaims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return manager.GetVerificationKey(kid)
	}, jwt.WithTimeFunc(func() time.Time { return issued.Add(time.Minute) }))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("token must be valid")
	}

	if parsedClaims.UserID != "user-1" || parsedClaims.SessionID != "session-1" {
		t.Fatalf("claims did not round-trip: %+v", parsedClaims)
	}
	if parsedClaims.Subject != "user-1" {
		t.Fatalf("subject must mirror the user id, got %s", parsedClaims.Subject)
	}
	if parsedClaims.ExpiresAt.Time != issued.Add(10*time.Minute) {
		t.Fatalf("unexpected expiry %v", parsedClaims.ExpiresAt.Time)
	}
	if parsedClaims.ID == "" {
		t.Fatal("expected a jti")
	}
}

func TestSignAccessTokenRequiresKid(t *testing.T) {
	manager := NewJWTManager(newStaticProvider(t))

	claims, err := NewAccessTokenClaims(AccessTokenOptions{UserID: "user-1", Issuer: "identity-core-test"})
	if err != nil {
		t.Fatalf("build claims: %v", err)
	}

	if _, err := manager.SignAccessToken("", claims); !errors.Is(err, ErrKeyIDMissing) {
		t.Fatalf("expected ErrKeyIDMissing, got %v", err)
	}
}

func TestGetVerificationKeyUnknownKid(t *testing.T) {
	manager := NewJWTManager(newStaticProvider(t))

	if _, err := manager.GetVerificationKey("stale-kid"); !errors.Is(err, ErrKeyNotRegistered) {
		t.Fatalf("expected ErrKeyNotRegistered, got %v", err)
	}
}

func TestNewAccessTokenClaimsValidation(t *testing.T) {
	if _, err := NewAccessTokenClaims(AccessTokenOptions{Issuer: "identity-core-test"}); err == nil {
		t.Fatal("expected error for missing user id")
	}
	if _, err := NewAccessTokenClaims(AccessTokenOptions{UserID: "user-1"}); err == nil {
		t.Fatal("expected error for missing issuer")
	}
}

func TestJWKSListsRegisteredKeys(t *testing.T) {
	provider := newStaticProvider(t)
	manager := NewJWTManager(provider)
	if err := manager.RegisterPublicKey(provider.kid, &provider.key.PublicKey); err != nil {
		t.Fatalf("register: %v", err)
	}

	raw, err := manager.JWKS()
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}

	var doc struct {
		Keys []map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal jwks: %v", err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(doc.Keys))
	}

	entry := doc.Keys[0]
	if entry["kid"] != provider.kid || entry["kty"] != "RSA" || entry["alg"] != "RS256" || entry["use"] != "sig" {
		t.Fatalf("unexpected jwk: %v", entry)
	}
	if entry["n"] == "" || entry["e"] == "" {
		t.Fatal("jwk must carry the modulus and exponent")
	}
}
