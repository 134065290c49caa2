package authcore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPurpose separates tokens that must never be interchangeable. Each
// purpose has its own signing secret.
type TokenPurpose string

const (
	PurposeAccess    TokenPurpose = "access"
	PurposeRefresh   TokenPurpose = "refresh"
	PurposeMagicLink TokenPurpose = "magic-link"
)

// Default token lifetimes. Transports should set cookie max ages to match.
const (
	TokenExpiryAccessToken   = 15 * time.Minute
	TokenExpiryRefreshToken  = 7 * 24 * time.Hour
	TokenExpiryMagicLink     = 10 * time.Minute
	TokenExpiryOtp           = 10 * time.Minute
	TokenExpiryPasswordReset = 10 * time.Minute
)

// MinSecretLength is the shortest HMAC secret NewTokenIssuer accepts
const MinSecretLength = 32

// Claims is the payload of every signed token.
//
//	access:     {accountId, role, type, exp, iat}
//	refresh:    {accountId, type, exp, iat} plus jti/fam when rotation is on
//	magic-link: {accountId, type: "magic-link", exp, iat}
type Claims struct {
	AccountID string       `json:"accountId"`
	Role      Role         `json:"role,omitempty"`
	Type      TokenPurpose `json:"type"`
	Family    string       `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// ExpiresAtTime returns the expiry as a time.Time, zero when absent
func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenIssuerConfig configures NewTokenIssuer
type TokenIssuerConfig struct {
	AccessSecret    string
	RefreshSecret   string
	MagicLinkSecret string

	// Issuer is the iss claim. When set, tokens from other issuers are rejected.
	Issuer string

	// Zero means the package defaults
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	MagicLinkTTL time.Duration
}

// TokenIssuer creates and verifies HS256 tokens for each purpose
type TokenIssuer struct {
	Issuer string

	// Now is the clock used for iat/exp and for validation. Defaults to time.Now.
	Now func() time.Time

	secrets map[TokenPurpose][]byte
	ttls    map[TokenPurpose]time.Duration
}

// NewTokenIssuer validates that every purpose has its own, long enough secret
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	secrets := map[TokenPurpose]string{
		PurposeAccess:    cfg.AccessSecret,
		PurposeRefresh:   cfg.RefreshSecret,
		PurposeMagicLink: cfg.MagicLinkSecret,
	}
	seen := map[string]TokenPurpose{}
	out := &TokenIssuer{
		Issuer:  cfg.Issuer,
		secrets: make(map[TokenPurpose][]byte, len(secrets)),
		ttls: map[TokenPurpose]time.Duration{
			PurposeAccess:    withDefault(cfg.AccessTTL, TokenExpiryAccessToken),
			PurposeRefresh:   withDefault(cfg.RefreshTTL, TokenExpiryRefreshToken),
			PurposeMagicLink: withDefault(cfg.MagicLinkTTL, TokenExpiryMagicLink),
		},
	}
	for purpose, secret := range secrets {
		if len(secret) < MinSecretLength {
			return nil, fmt.Errorf("%s secret must be at least %d bytes", purpose, MinSecretLength)
		}
		if other, dup := seen[secret]; dup {
			return nil, fmt.Errorf("%s and %s tokens must not share a secret", other, purpose)
		}
		seen[secret] = purpose
		out.secrets[purpose] = []byte(secret)
	}
	return out, nil
}

func withDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (t *TokenIssuer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// TTL returns the default lifetime for purpose
func (t *TokenIssuer) TTL(purpose TokenPurpose) time.Duration {
	return t.ttls[purpose]
}

// Issue signs claims for purpose. A zero ttl uses the purpose default.
// Only access tokens carry a role.
func (t *TokenIssuer) Issue(purpose TokenPurpose, claims Claims, ttl time.Duration) (string, time.Time, error) {
	secret, ok := t.secrets[purpose]
	if !ok {
		return "", time.Time{}, Invalid("unknown token purpose %q", purpose)
	}
	if claims.AccountID == "" {
		return "", time.Time{}, Invalid("accountId is required")
	}
	if ttl < 0 {
		return "", time.Time{}, Invalid("ttl must not be negative")
	}
	if ttl == 0 {
		ttl = t.ttls[purpose]
	}

	now := t.now()
	expiresAt := now.Add(ttl)
	claims.Type = purpose
	if purpose != PurposeAccess {
		claims.Role = ""
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	if t.Issuer != "" {
		claims.Issuer = t.Issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", purpose, err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks the signature, expiry and purpose of token.
//
// A token signed with another purpose's secret, or one whose type claim does
// not match, fails with ErrWrongPurpose. An invalid signature fails with
// ErrBadSignature and a stale token with ErrExpiredToken.
func (t *TokenIssuer) Verify(purpose TokenPurpose, token string) (*Claims, error) {
	secret, ok := t.secrets[purpose]
	if !ok {
		return nil, Invalid("unknown token purpose %q", purpose)
	}
	if token == "" {
		return nil, ErrInvalidToken.WithMessage("token required")
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())

	switch {
	case err == nil && parsed.Valid:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if t.signedForOtherPurpose(purpose, token) {
			return nil, ErrWrongPurpose.Wrap(err)
		}
		return nil, ErrBadSignature.Wrap(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		if claims.Type != purpose {
			return nil, ErrWrongPurpose.Wrap(err)
		}
		return nil, ErrExpiredToken.Wrap(err)
	default:
		if err == nil {
			err = errors.New("token is not valid")
		}
		return nil, ErrBadSignature.Wrap(err)
	}

	if claims.Type != purpose {
		return nil, ErrWrongPurpose.Wrap(fmt.Errorf("expected %s token, got %q", purpose, claims.Type))
	}
	if claims.AccountID == "" {
		return nil, ErrInvalidToken.Wrap(errors.New("missing accountId"))
	}
	if t.Issuer != "" && claims.Issuer != t.Issuer {
		return nil, ErrInvalidToken.Wrap(fmt.Errorf("unexpected issuer %q", claims.Issuer))
	}
	return &claims, nil
}

// signedForOtherPurpose reports whether token carries a valid signature
// under any secret other than purpose's.
func (t *TokenIssuer) signedForOtherPurpose(purpose TokenPurpose, token string) bool {
	for other, secret := range t.secrets {
		if other == purpose {
			continue
		}
		_, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
		if err == nil {
			return true
		}
	}
	return false
}

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DigestToken returns the hex sha256 digest stored in place of a raw token
func DigestToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
