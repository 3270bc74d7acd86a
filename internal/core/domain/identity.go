package domain

import "time"

// UserStatus enumerates possible account states.
type UserStatus string

const (
	UserStatusPending  UserStatus = "pending"
	UserStatusActive   UserStatus = "active"
	UserStatusLocked   UserStatus = "locked"
	UserStatusDisabled UserStatus = "disabled"
)

// User carries the subset of account state the authentication core reads and writes.
// Profile data is owned by the surrounding CRUD layer and never touched here.
type User struct {
	ID                     string
	Username               string
	Email                  string
	Phone                  *string
	Status                 UserStatus
	IsActive               bool
	IsDeleted              bool
	MfaEnabled             bool
	RequiresPasswordChange bool
	FailedLoginAttempts    int
	LockedUntil            *time.Time
	LastLoginAt            *time.Time
	LastLoginIP            *string
	RegisteredAt           time.Time
}

// IsLocked reports whether the account is under an active lockout window.
func (u User) IsLocked(at time.Time) bool {
	if u.Status == UserStatusLocked {
		return true
	}
	return u.LockedUntil != nil && u.LockedUntil.After(at)
}

// CanAuthenticate reports whether the account may attempt a login at all.
func (u User) CanAuthenticate() bool {
	return u.IsActive && !u.IsDeleted && u.Status != UserStatusDisabled
}

// AuthMethodKind identifies how a user can prove their identity.
type AuthMethodKind string

const (
	AuthMethodPassword AuthMethodKind = "password"
	AuthMethodExternal AuthMethodKind = "external"
	AuthMethodTOTP     AuthMethodKind = "totp"
)

// AuthMethod represents one registered way for a user to authenticate.
type AuthMethod struct {
	ID        string
	UserID    string
	Kind      AuthMethodKind
	Provider  *string
	CreatedAt time.Time
}
