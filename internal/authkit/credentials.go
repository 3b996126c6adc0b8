package authkit

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

var errEmptyPassword = errors.New("credentials.empty_password")

// CredentialVerifier compares a plaintext password against a stored hash.
type CredentialVerifier interface {
	Verify(plaintext string, storedHash string) bool
}

// PasswordHasher produces salted hashes that a CredentialVerifier accepts.
type PasswordHasher interface {
	CredentialVerifier
	Hash(plaintext string) (string, error)
}

// BcryptCredentials hashes and verifies passwords with bcrypt.
type BcryptCredentials struct {
	Cost int
}

// NewBcryptCredentials returns a bcrypt hasher; a cost outside bcrypt's range falls back to the default.
func NewBcryptCredentials(cost int) BcryptCredentials {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return BcryptCredentials{Cost: cost}
}

// Hash returns a salted bcrypt hash of plaintext. Passwords over MaxPasswordBytes are a bad request.
func (credentials BcryptCredentials) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("credentials.hash: %w", errEmptyPassword)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), credentials.Cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("%w: password exceeds %d bytes", ErrBadRequest, MaxPasswordBytes)
	}
	if err != nil {
		return "", fmt.Errorf("credentials.hash: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plaintext matches storedHash. Missing or malformed hashes never match.
func (credentials BcryptCredentials) Verify(plaintext string, storedHash string) bool {
	if plaintext == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plaintext)) == nil
}
