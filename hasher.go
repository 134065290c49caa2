package authcore

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher turns passwords into one-way digests and checks them later
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, digest string) bool
}

// BcryptHasher hashes with bcrypt. Every hash embeds a random salt so two
// hashes of the same password differ.
type BcryptHasher struct {
	// Cost defaults to bcrypt.DefaultCost
	Cost int
}

func (h *BcryptHasher) cost() int {
	if h == nil || h.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return h.Cost
}

func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", Invalid("password is required")
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost())
	if err != nil {
		// bcrypt rejects inputs over 72 bytes
		return "", ErrInvalidInput.Wrap(fmt.Errorf("failed to hash password: %w", err))
	}
	return string(out), nil
}

// Verify never fails on a malformed digest, it just reports a mismatch
func (h *BcryptHasher) Verify(plaintext, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}
