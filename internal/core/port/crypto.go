package port

// PasswordHasher hashes and verifies passwords using a slow, salted algorithm.
// It must never be used for refresh/reset/verification secrets; those are
// high-entropy and hashed with the fast one-way token hasher instead.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password string, encoded string) (bool, error)
}
