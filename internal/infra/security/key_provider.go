package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrKeyNotFound indicates no key matched the requested kid.
var ErrKeyNotFound = errors.New("key not found")

// KeyProvider supplies the signing and verification keys for access tokens.
type KeyProvider interface {
	GetSigningKey() (*rsa.PrivateKey, error)
	SigningKID() string
	GetVerificationKey(kid string) (*rsa.PublicKey, error)
}

// FileKeyProvider loads RSA keys from a directory. The file name (without
// extension) becomes the kid; the first private key found signs.
type FileKeyProvider struct {
	keys       map[string]*rsa.PublicKey
	signingKey *rsa.PrivateKey
	signingKID string
}

// NewFileKeyProvider reads and parses every key file in keyDir.
func NewFileKeyProvider(keyDir string) (*FileKeyProvider, error) {
	files, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("read key directory: %w", err)
	}

	provider := &FileKeyProvider{keys: make(map[string]*rsa.PublicKey)}

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		path := filepath.Join(keyDir, file.Name())
		keyData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", path, err)
		}

		kid := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		if err := provider.addKey(kid, keyData); err != nil {
			return nil, fmt.Errorf("parse key %s: %w", path, err)
		}
	}

	if provider.signingKey == nil {
		return nil, fmt.Errorf("no private key found in %s", keyDir)
	}

	return provider, nil
}

func (p *FileKeyProvider) addKey(kid string, keyData []byte) error {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		p.registerPrivate(kid, key)
		return nil
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if key, ok := parsed.(*rsa.PrivateKey); ok {
			p.registerPrivate(kid, key)
			return nil
		}
		return errors.New("unsupported private key type")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		p.keys[kid] = key
		return nil
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if key, ok := parsed.(*rsa.PublicKey); ok {
			p.keys[kid] = key
			return nil
		}
		return errors.New("unsupported public key type")
	}

	return errors.New("unrecognized key format")
}

func (p *FileKeyProvider) registerPrivate(kid string, key *rsa.PrivateKey) {
	if p.signingKey == nil {
		p.signingKey = key
		p.signingKID = kid
	}
	p.keys[kid] = &key.PublicKey
}

// GetSigningKey returns the private key used to sign access tokens.
func (p *FileKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) {
	if p.signingKey == nil {
		return nil, ErrKeyNotFound
	}
	return p.signingKey, nil
}

// SigningKID returns the kid corresponding to the signing key.
func (p *FileKeyProvider) SigningKID() string {
	return p.signingKID
}

// GetVerificationKey returns the public key for the supplied kid.
func (p *FileKeyProvider) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	key, ok := p.keys[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// ListVerificationKeys returns a copy of every known public key by kid.
func (p *FileKeyProvider) ListVerificationKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey, len(p.keys))
	for kid, key := range p.keys {
		out[kid] = key
	}
	return out
}
