package grpc

import (
	"context"
	"testing"

	ac "github.com/panyam/authcore"
	"google.golang.org/grpc/metadata"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.MetadataKeyAuthorization != DefaultMetadataKeyAuthorization {
		t.Errorf("expected MetadataKeyAuthorization %q, got %q", DefaultMetadataKeyAuthorization, config.MetadataKeyAuthorization)
	}
}

func TestEnsureDefaults(t *testing.T) {
	config := &Config{}
	config.EnsureDefaults()
	if config.MetadataKeyAuthorization != DefaultMetadataKeyAuthorization {
		t.Errorf("expected MetadataKeyAuthorization %q, got %q", DefaultMetadataKeyAuthorization, config.MetadataKeyAuthorization)
	}
}

func TestTokenFromIncomingContext(t *testing.T) {
	tests := []struct {
		name  string
		md    metadata.MD
		token string
	}{
		{name: "no metadata"},
		{name: "bearer", md: metadata.Pairs("authorization", "Bearer abc.def.ghi"), token: "abc.def.ghi"},
		{name: "lowercase scheme", md: metadata.Pairs("authorization", "bearer abc"), token: "abc"},
		{name: "basic scheme", md: metadata.Pairs("authorization", "Basic dXNlcjpwYXNz")},
		{name: "bare token", md: metadata.Pairs("authorization", "abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			if got := TokenFromIncomingContext(ctx, nil); got != tt.token {
				t.Errorf("expected token %q, got %q", tt.token, got)
			}
		})
	}
}

func TestTokenFromIncomingContext_CustomKey(t *testing.T) {
	md := metadata.Pairs("x-access-token", "Bearer abc")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	if got := TokenFromIncomingContext(ctx, &Config{MetadataKeyAuthorization: "x-access-token"}); got != "abc" {
		t.Errorf("expected token %q, got %q", "abc", got)
	}
	if got := TokenFromIncomingContext(ctx, nil); got != "" {
		t.Errorf("expected no token under the default key, got %q", got)
	}
}

func TestTokenToOutgoingContext(t *testing.T) {
	ctx := TokenToOutgoingContext(context.Background(), "abc")
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		t.Fatal("expected outgoing metadata")
	}
	values := md.Get(DefaultMetadataKeyAuthorization)
	if len(values) != 1 || values[0] != "Bearer abc" {
		t.Errorf("expected [Bearer abc], got %v", values)
	}
}

func TestIdentityFromContext(t *testing.T) {
	if IsAuthenticated(context.Background()) {
		t.Error("expected empty context to be anonymous")
	}
	ctx := WithIdentity(context.Background(), Identity{AccountID: "acc-1", Role: ac.RoleAdmin})
	id, ok := IdentityFromContext(ctx)
	if !ok {
		t.Fatal("expected identity")
	}
	if id.AccountID != "acc-1" || id.Role != ac.RoleAdmin {
		t.Errorf("unexpected identity %+v", id)
	}
	if AccountIDFromContext(ctx) != "acc-1" {
		t.Errorf("expected account id acc-1, got %q", AccountIDFromContext(ctx))
	}
}
