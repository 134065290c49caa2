package authcore

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"sync"
	"time"
)

var otpPattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidOtp reports whether code is exactly six digits
func ValidOtp(code string) bool {
	return otpPattern.MatchString(code)
}

// GenerateOtp returns a uniformly random six digit code. Leading zeros are kept.
func GenerateOtp() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// OtpEntry is a pending one-time passcode for an email
type OtpEntry struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OtpStore holds at most one entry per email.
//
// Implementations must make Take atomic: two concurrent Takes for the same
// email must never both return the entry.
type OtpStore interface {
	// Put replaces any entry for email. The store may forget the entry once
	// retain has elapsed.
	Put(ctx context.Context, email string, entry OtpEntry, retain time.Duration) error

	// Take removes and returns the entry for email, or nil if there is none.
	Take(ctx context.Context, email string) (*OtpEntry, error)
}

// MemoryOtpStore is an in-process OtpStore for tests and single instance deployments
type MemoryOtpStore struct {
	mu      sync.Mutex
	entries map[string]memoryOtp
	now     func() time.Time
}

type memoryOtp struct {
	entry    OtpEntry
	forgetAt time.Time
}

func NewMemoryOtpStore() *MemoryOtpStore {
	return &MemoryOtpStore{entries: map[string]memoryOtp{}, now: time.Now}
}

func (s *MemoryOtpStore) Put(ctx context.Context, email string, entry OtpEntry, retain time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[email] = memoryOtp{entry: entry, forgetAt: s.now().Add(retain)}
	return nil
}

func (s *MemoryOtpStore) Take(ctx context.Context, email string) (*OtpEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[email]
	if !ok {
		return nil, nil
	}
	delete(s.entries, email)
	if s.now().After(e.forgetAt) {
		return nil, nil
	}
	entry := e.entry
	return &entry, nil
}
