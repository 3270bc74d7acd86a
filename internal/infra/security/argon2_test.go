package security

import (
	"errors"
	"strings"
	"testing"
)

// testArgon2Config keeps hashing cheap enough for the test suite while still
// passing parameter validation.
func testArgon2Config() Argon2Config {
	return Argon2Config{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestArgon2HashAndVerify(t *testing.T) {
	hasher, err := NewArgon2Hasher(testArgon2Config())
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}

	encoded, err := hasher.Hash("correct horse battery 9")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "argon2id$v=19$") {
		t.Fatalf("unexpected encoding prefix: %q", encoded)
	}

	ok, err := hasher.Verify("correct horse battery 9", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("correct password must verify")
	}

	ok, err = hasher.Verify("wrong password", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("wrong password must not verify")
	}
}

func TestArgon2HashesAreSalted(t *testing.T) {
	hasher, err := NewArgon2Hasher(testArgon2Config())
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}

	first, err := hasher.Hash("same password 1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := hasher.Hash("same password 1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first == second {
		t.Fatal("two hashes of the same password must differ by salt")
	}
}

func TestArgon2VerifyAcrossParameterChange(t *testing.T) {
	old, err := NewArgon2Hasher(testArgon2Config())
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	encoded, err := old.Hash("migrating password 3")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// A hasher with different parameters still verifies the old encoding
	// because the parameters travel inside it.
	upgraded := DefaultArgon2Hasher()
	ok, err := upgraded.Verify("migrating password 3", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("hash must stay verifiable after a parameter change")
	}
}

func TestArgon2VerifyRejectsMalformedHash(t *testing.T) {
	hasher := DefaultArgon2Hasher()

	if _, err := hasher.Verify("whatever", "not-an-argon2-hash"); !errors.Is(err, errInvalidHashFormat) {
		t.Fatalf("expected invalid format error, got %v", err)
	}

	ok, err := hasher.Verify("", "argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA")
	if err != nil {
		t.Fatalf("verify empty password: %v", err)
	}
	if ok {
		t.Fatal("empty password must never verify")
	}
}

func TestNewArgon2HasherRejectsWeakParameters(t *testing.T) {
	weak := testArgon2Config()
	weak.Memory = 1024

	if _, err := NewArgon2Hasher(weak); !errors.Is(err, errInvalidConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
