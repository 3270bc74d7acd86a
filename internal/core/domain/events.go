package domain

import "time"

// LoginSucceededEvent represents the payload for identity.user.login messages.
type LoginSucceededEvent struct {
	EventID    string
	UserID     string
	LoggedInAt time.Time
	IPAddress  *string
	MfaUsed    bool
	Metadata   map[string]any
}

// PasswordChangedEvent represents the payload for identity.user.password.changed messages.
type PasswordChangedEvent struct {
	EventID       string
	UserID        string
	ChangedAt     time.Time
	ChangedBy     string
	TokensRevoked int
	Metadata      map[string]any
}

// PasswordResetRequestedEvent represents the payload for identity.user.password.reset_requested messages.
type PasswordResetRequestedEvent struct {
	EventID           string
	UserID            string
	RequestID         string
	RequestedAt       time.Time
	Destination       string
	MaskedDestination string
	IPAddress         *string
	ExpiresAt         time.Time
	Metadata          map[string]any
}

// MfaCodeIssuedEvent carries a challenge code to the out-of-band delivery
// channel (email/SMS). Delivery is fire-and-forget; failures never block auth.
type MfaCodeIssuedEvent struct {
	EventID        string
	UserID         string
	ChallengeToken string
	Channel        string
	Code           string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Metadata       map[string]any
}

// TokenFamilyRevokedEvent represents the payload for identity.token.family_revoked messages.
type TokenFamilyRevokedEvent struct {
	EventID       string
	UserID        string
	FamilyID      string
	Reason        string
	Actor         string
	TokensRevoked int
	RevokedAt     time.Time
	Metadata      map[string]any
}

// SessionEvictedEvent represents the payload for identity.session.evicted messages,
// emitted when the session cap forces out the oldest active session.
type SessionEvictedEvent struct {
	EventID        string
	UserID         string
	EvictedTokenID string
	Actor          string
	EvictedAt      time.Time
	Metadata       map[string]any
}
