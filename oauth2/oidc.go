package oauth2

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	ac "github.com/panyam/authcore"
	"golang.org/x/oauth2"
)

// OIDCOAuth2 logs in against any OpenID Connect issuer (Keycloak, Auth0,
// Okta, ...). The profile comes from the verified ID token, not from a
// userinfo call.
type OIDCOAuth2 struct {
	*BaseOAuth2
	verifier *oidc.IDTokenVerifier
}

type oidcClaims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	Picture           string `json:"picture"`
}

// NewOIDCOAuth2 runs discovery against issuer and configures the code flow
func NewOIDCOAuth2(ctx context.Context, name ac.Provider, issuer, clientId, clientSecret, callbackUrl string, handleProfile HandleProfileFunc) (*OIDCOAuth2, error) {
	if name == "" || issuer == "" || clientId == "" {
		return nil, errors.New("oidc provider needs a name, issuer and client id")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init oidc provider %s: %w", name, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientId})
	return NewOIDCOAuth2WithVerifier(name, provider.Endpoint(), verifier, clientId, clientSecret, callbackUrl, handleProfile), nil
}

// NewOIDCOAuth2WithVerifier skips discovery, for issuers whose endpoints and
// keys are known up front.
func NewOIDCOAuth2WithVerifier(name ac.Provider, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier,
	clientId, clientSecret, callbackUrl string, handleProfile HandleProfileFunc) *OIDCOAuth2 {
	out := &OIDCOAuth2{
		BaseOAuth2: NewBaseOAuth2(name, clientId, clientSecret, callbackUrl, handleProfile),
		verifier:   verifier,
	}
	out.oauthConfig.Endpoint = endpoint
	out.oauthConfig.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	out.fetchProfile = out.verifyIDToken
	return out
}

func (o *OIDCOAuth2) verifyIDToken(ctx context.Context, token *oauth2.Token) (ac.ProviderProfile, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return ac.ProviderProfile{}, errors.New("token response has no id_token")
	}
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ac.ProviderProfile{}, fmt.Errorf("id_token verification failed: %w", err)
	}
	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return ac.ProviderProfile{}, fmt.Errorf("id_token claims parse failed: %w", err)
	}
	return claims.profile(o.provider), nil
}

func (c oidcClaims) profile(provider ac.Provider) ac.ProviderProfile {
	profile := ac.ProviderProfile{
		Provider:    provider,
		ProviderID:  c.Subject,
		Username:    c.PreferredUsername,
		DisplayName: c.Name,
		FirstName:   c.GivenName,
		LastName:    c.FamilyName,
		AvatarURL:   c.Picture,
	}
	if c.Email != "" && c.EmailVerified {
		profile.Emails = []string{c.Email}
	}
	return profile
}
