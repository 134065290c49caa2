package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"go.uber.org/zap"
)

// SideChannel manages the single-use tokens that travel outside a session:
// registration OTPs, kept in an external TTL store, and password reset
// digests, kept on the account itself.
type SideChannel struct {
	Otps     OtpStore
	Accounts AccountRepository

	// OtpRetention is how long an expired OTP is still remembered so that it
	// is reported as expired rather than never requested.
	OtpRetention time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

func (s *SideChannel) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SideChannel) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// PutOtp stores code for email, replacing any previous code
func (s *SideChannel) PutOtp(ctx context.Context, email, code string, ttl time.Duration) error {
	email = NormalizeEmail(email)
	if email == "" {
		return Invalid("email is required")
	}
	if !ValidOtp(code) {
		return Invalid("otp must be exactly 6 digits")
	}
	if ttl <= 0 {
		ttl = TokenExpiryOtp
	}
	retain := s.OtpRetention
	if retain <= 0 {
		retain = ttl
	}
	entry := OtpEntry{Code: code, ExpiresAt: s.now().Add(ttl)}
	if err := s.Otps.Put(ctx, email, entry, ttl+retain); err != nil {
		return Dependency("store otp", err)
	}
	return nil
}

// ConsumeOtp checks code against the stored entry. The entry is gone after
// this call whatever the result, so a wrong guess burns the code.
func (s *SideChannel) ConsumeOtp(ctx context.Context, email, code string) error {
	_, err := s.consumeOtp(ctx, email, code)
	return err
}

func (s *SideChannel) consumeOtp(ctx context.Context, email, code string) (*OtpEntry, error) {
	email = NormalizeEmail(email)
	entry, err := s.Otps.Take(ctx, email)
	if err != nil {
		return nil, Dependency("take otp", err)
	}
	if entry == nil {
		return nil, ErrOtpNotRequested
	}
	if subtle.ConstantTimeCompare([]byte(entry.Code), []byte(code)) != 1 {
		s.log().Debug("otp mismatch", zap.String("email", email))
		return nil, ErrOtpMismatch
	}
	if !s.now().Before(entry.ExpiresAt) {
		return nil, ErrOtpExpired
	}
	return entry, nil
}

// restoreOtp puts back a correctly matched entry when the operation that
// consumed it failed on a dependency, so the caller can retry.
func (s *SideChannel) restoreOtp(ctx context.Context, email string, entry *OtpEntry) {
	if entry == nil {
		return
	}
	remaining := entry.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return
	}
	retain := s.OtpRetention
	if retain <= 0 {
		retain = remaining
	}
	if err := s.Otps.Put(ctx, NormalizeEmail(email), *entry, remaining+retain); err != nil {
		s.log().Warn("failed to restore otp", zap.Error(err))
	}
}

// PutResetDigest records digest on the account with an expiry of ttl,
// replacing any pending reset.
func (s *SideChannel) PutResetDigest(ctx context.Context, account *Account, digest string, ttl time.Duration) (*Account, error) {
	if digest == "" {
		return nil, Invalid("digest is required")
	}
	if ttl <= 0 {
		ttl = TokenExpiryPasswordReset
	}
	updated, err := s.Accounts.Update(ctx, account.ID, AccountUpdate{
		SetReset: &ResetDigest{Digest: digest, ExpiresAt: s.now().Add(ttl)},
	})
	if err != nil {
		return nil, Dependency("store reset digest", err)
	}
	return updated, nil
}

// CheckResetDigest returns the account a raw reset token belongs to without
// consuming it. Unknown, expired and malformed tokens all fail with
// ErrResetTokenInvalid.
func (s *SideChannel) CheckResetDigest(ctx context.Context, rawToken string) (*Account, error) {
	if rawToken == "" {
		return nil, ErrResetTokenInvalid
	}
	digest := DigestToken(rawToken)
	account, err := s.Accounts.FindByResetDigest(ctx, digest)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrResetTokenInvalid
	}
	if err != nil {
		return nil, Dependency("find reset digest", err)
	}
	matches := subtle.ConstantTimeCompare([]byte(account.ResetDigest), []byte(digest)) == 1
	if !matches || !s.now().Before(account.ResetExpiresAt) {
		return nil, ErrResetTokenInvalid
	}
	return account, nil
}

// ConsumeResetDigest validates rawToken and clears the account's reset fields
// in one conditional update. Of two concurrent consumers only one succeeds.
func (s *SideChannel) ConsumeResetDigest(ctx context.Context, rawToken string) (*Account, error) {
	return s.consumeReset(ctx, rawToken, AccountUpdate{})
}

// consumeReset clears the reset fields and applies extra in the same update
func (s *SideChannel) consumeReset(ctx context.Context, rawToken string, extra AccountUpdate) (*Account, error) {
	account, err := s.CheckResetDigest(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	extra.ClearReset = true
	extra.SetReset = nil
	extra.ExpectVersion = account.Version
	updated, err := s.Accounts.Update(ctx, account.ID, extra)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return nil, ErrResetTokenInvalid
	}
	if err != nil {
		return nil, Dependency("clear reset digest", err)
	}
	return updated, nil
}
