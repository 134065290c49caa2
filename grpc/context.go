// Package grpc authenticates gRPC calls with authcore access tokens and
// carries the caller's identity through the handler context.
package grpc

import (
	"context"
	"strings"

	ac "github.com/panyam/authcore"
	"google.golang.org/grpc/metadata"
)

// DefaultMetadataKeyAuthorization is the metadata key carrying "Bearer <access token>"
const DefaultMetadataKeyAuthorization = "authorization"

// Config holds the metadata key configuration for auth context.
type Config struct {
	// MetadataKeyAuthorization is the gRPC metadata key for the access token.
	// Defaults to "authorization".
	MetadataKeyAuthorization string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MetadataKeyAuthorization: DefaultMetadataKeyAuthorization}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
}

// Identity is the verified caller of a gRPC method
type Identity struct {
	AccountID string
	Role      ac.Role
}

type identityKey struct{}

// WithIdentity returns a context carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity set by the interceptor
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.AccountID != ""
}

// AccountIDFromContext returns the authenticated account id, or "" if none.
func AccountIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.AccountID
}

// IsAuthenticated returns true if there is an authenticated account in the context.
func IsAuthenticated(ctx context.Context) bool {
	return AccountIDFromContext(ctx) != ""
}

// TokenFromIncomingContext extracts the bearer token from incoming metadata.
// Returns empty string if there is none.
func TokenFromIncomingContext(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(config.MetadataKeyAuthorization)
	if len(values) == 0 {
		return ""
	}
	value := strings.TrimSpace(values[0])
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}

// TokenToOutgoingContext adds the access token to outgoing gRPC context metadata.
func TokenToOutgoingContext(ctx context.Context, accessToken string) context.Context {
	return TokenToOutgoingContextWithKey(ctx, accessToken, DefaultMetadataKeyAuthorization)
}

// TokenToOutgoingContextWithKey adds the access token with a custom key.
func TokenToOutgoingContextWithKey(ctx context.Context, accessToken string, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, "Bearer "+accessToken)
}
