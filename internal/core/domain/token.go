package domain

import "time"

// RefreshToken represents a persisted refresh token (stored only as a hash).
// FamilyID groups every token descended from one original login via rotation;
// it is the unit of bulk revocation when reuse is detected.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	FamilyID  string
	ClientIP  *string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// IsExpired reports whether the token has elapsed its validity window.
func (t RefreshToken) IsExpired(at time.Time) bool {
	return !t.ExpiresAt.After(at)
}

// IsRevoked reports whether the token has been explicitly revoked.
func (t RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsActive returns true when the token can still be presented for rotation.
func (t RefreshToken) IsActive(at time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(at)
}

// Revoke marks the token as revoked. Returns true if the token transitioned.
func (t *RefreshToken) Revoke(at time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	timeCopy := at
	t.RevokedAt = &timeCopy
	return true
}

// TokenPurpose distinguishes the single-use token families sharing one storage shape.
type TokenPurpose string

const (
	PurposePasswordReset     TokenPurpose = "password_reset"
	PurposeEmailVerification TokenPurpose = "email_verification"
	PurposeRegistration      TokenPurpose = "user_registration"
)

// SingleUseToken is a random high-entropy secret stored only as a hash,
// consumable exactly once before its expiry deadline. Password reset, email
// verification, and registration completion all share this shape.
type SingleUseToken struct {
	ID        string
	UserID    *string
	Subject   string
	TokenHash string
	Purpose   TokenPurpose
	ClientIP  *string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	RevokedAt *time.Time
}

// IsExpired reports whether the token can still be redeemed.
func (t SingleUseToken) IsExpired(at time.Time) bool {
	return !t.ExpiresAt.After(at)
}

// IsConsumable reports whether the token is still outstanding at the supplied moment.
func (t SingleUseToken) IsConsumable(at time.Time) bool {
	return t.UsedAt == nil && t.RevokedAt == nil && !t.IsExpired(at)
}

// Consume marks the token as used. Returns true when it transitions from unused to used.
func (t *SingleUseToken) Consume(at time.Time) bool {
	if t.UsedAt != nil {
		return false
	}
	timeCopy := at
	t.UsedAt = &timeCopy
	return true
}
