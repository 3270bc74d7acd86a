package domain

import "time"

// Credential holds the hashed password for a user, isolated from profile data.
// At most one live credential exists per user; Update replaces the hash atomically.
type Credential struct {
	UserID       string
	PasswordHash string
	PasswordAlgo string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
