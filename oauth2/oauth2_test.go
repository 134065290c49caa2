package oauth2_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/oauth2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oauth2lib "golang.org/x/oauth2"
)

// mockOAuthServer creates a mock OAuth provider server that handles:
// - /token endpoint for token exchange
// - /userinfo endpoint for user data retrieval
// - /emails endpoint for GitHub's email list
type mockOAuthServer struct {
	server           *httptest.Server
	tokenEndpoint    string
	userInfoEndpoint string
	emailsEndpoint   string

	// Configuration for responses
	tokenResponse    map[string]any
	userInfoResponse map[string]any
	emailsResponse   []map[string]any
	tokenError       bool
	userInfoError    bool
	emailsError      bool
}

func newMockOAuthServer() *mockOAuthServer {
	mock := &mockOAuthServer{
		tokenResponse: map[string]any{
			"access_token":  "mock_access_token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "mock_refresh_token",
		},
		userInfoResponse: map[string]any{
			"id":    "12345",
			"email": "testuser@example.com",
			"name":  "Test User",
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if mock.tokenError {
			http.Error(w, "token exchange failed", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mock.tokenResponse)
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if mock.userInfoError || r.Header.Get("Authorization") != "Bearer mock_access_token" {
			http.Error(w, "user info failed", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mock.userInfoResponse)
	})

	mux.HandleFunc("/emails", func(w http.ResponseWriter, r *http.Request) {
		if mock.emailsError {
			http.Error(w, "emails failed", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mock.emailsResponse)
	})

	mock.server = httptest.NewServer(mux)
	mock.tokenEndpoint = mock.server.URL + "/token"
	mock.userInfoEndpoint = mock.server.URL + "/userinfo"
	mock.emailsEndpoint = mock.server.URL + "/emails"
	return mock
}

func (m *mockOAuthServer) Close() {
	m.server.Close()
}

func (m *mockOAuthServer) endpoint() oauth2lib.Endpoint {
	return oauth2lib.Endpoint{AuthURL: m.server.URL + "/auth", TokenURL: m.tokenEndpoint}
}

// recorder captures HandleProfile calls
type recorder struct {
	called  bool
	profile ac.ProviderProfile
}

func (rec *recorder) handle(profile ac.ProviderProfile, token *oauth2lib.Token, w http.ResponseWriter, r *http.Request) {
	rec.called = true
	rec.profile = profile
	w.WriteHeader(http.StatusOK)
}

func callback(h http.Handler, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/callback/?"+query, nil)
	req.AddCookie(&http.Cookie{Name: "oauthstate", Value: "valid_state"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestOauthRedirector(t *testing.T) {
	config := &oauth2lib.Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/callback",
		Scopes:       []string{"email", "profile"},
		Endpoint: oauth2lib.Endpoint{
			AuthURL:  "https://provider.example.com/auth",
			TokenURL: "https://provider.example.com/token",
		},
	}
	redirector := oauth2.OauthRedirector(config)

	t.Run("redirects to OAuth provider", func(t *testing.T) {
		rr := httptest.NewRecorder()
		redirector(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusFound, rr.Code)
		location := rr.Header().Get("Location")
		require.True(t, strings.HasPrefix(location, "https://provider.example.com/auth"), location)

		parsedURL, err := url.Parse(location)
		require.NoError(t, err)
		query := parsedURL.Query()
		assert.Equal(t, "test-client-id", query.Get("client_id"))
		assert.Equal(t, "http://localhost:8080/callback", query.Get("redirect_uri"))
		assert.Equal(t, "code", query.Get("response_type"))

		var state *http.Cookie
		for _, c := range rr.Result().Cookies() {
			if c.Name == "oauthstate" {
				state = c
			}
		}
		require.NotNil(t, state)
		assert.Equal(t, state.Value, query.Get("state"))
		assert.True(t, state.HttpOnly)
		assert.WithinDuration(t, time.Now().Add(10*time.Minute), state.Expires, time.Minute)
	})

	t.Run("remembers callbackURL", func(t *testing.T) {
		rr := httptest.NewRecorder()
		redirector(rr, httptest.NewRequest(http.MethodGet, "/?callbackURL=/dashboard", nil))

		req := httptest.NewRequest(http.MethodGet, "/callback/", nil)
		for _, c := range rr.Result().Cookies() {
			req.AddCookie(c)
		}
		assert.Equal(t, "/dashboard", oauth2.CallbackURLFromRequest(req))
	})

	t.Run("generates unique state for each request", func(t *testing.T) {
		states := map[string]bool{}
		for i := 0; i < 10; i++ {
			rr := httptest.NewRecorder()
			redirector(rr, httptest.NewRequest(http.MethodGet, "/", nil))
			for _, c := range rr.Result().Cookies() {
				if c.Name == "oauthstate" {
					states[c.Value] = true
				}
			}
		}
		assert.Len(t, states, 10)
	})
}

func TestGoogleOAuth2Callback(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	rec := &recorder{}
	googleAuth := oauth2.NewGoogleOAuth2("test-client-id", "test-client-secret", "http://localhost:8080/callback", rec.handle)
	googleAuth.UserInfoURL = mock.userInfoEndpoint
	googleAuth.SetHTTPClient(mock.server.Client())
	googleAuth.SetOAuthEndpoint(mock.endpoint())

	t.Run("rejects missing state cookie", func(t *testing.T) {
		*rec = recorder{}
		req := httptest.NewRequest(http.MethodGet, "/callback/?code=test_code&state=test_state", nil)
		rr := httptest.NewRecorder()
		googleAuth.Handler().ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.False(t, rec.called)
	})

	t.Run("rejects mismatched state", func(t *testing.T) {
		*rec = recorder{}
		rr := callback(googleAuth.Handler(), "code=test_code&state=wrong_state")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "invalid oauth google state")
		assert.False(t, rec.called)
	})

	t.Run("successful callback flow", func(t *testing.T) {
		*rec = recorder{}
		mock.userInfoResponse = map[string]any{
			"id":             "google123",
			"email":          "User@Gmail.com",
			"verified_email": true,
			"name":           "Google User",
			"given_name":     "Google",
			"family_name":    "User",
			"picture":        "https://lh3.example.com/photo.jpg",
		}
		callback(googleAuth.Handler(), "code=valid_code&state=valid_state")

		require.True(t, rec.called)
		assert.Equal(t, ac.ProviderGoogle, rec.profile.Provider)
		assert.Equal(t, "google123", rec.profile.ProviderID)
		assert.Equal(t, []string{"user@gmail.com"}, rec.profile.Emails)
		assert.Equal(t, "Google", rec.profile.FirstName)
		assert.Equal(t, "https://lh3.example.com/photo.jpg", rec.profile.AvatarURL)
	})

	t.Run("drops unverified email", func(t *testing.T) {
		*rec = recorder{}
		mock.userInfoResponse = map[string]any{"id": "google456", "email": "maybe@gmail.com", "verified_email": false}
		callback(googleAuth.Handler(), "code=valid_code&state=valid_state")

		require.True(t, rec.called)
		assert.Empty(t, rec.profile.Emails)
	})

	t.Run("redirects on token exchange failure", func(t *testing.T) {
		*rec = recorder{}
		mock.tokenError = true
		defer func() { mock.tokenError = false }()

		rr := callback(googleAuth.Handler(), "code=bad_code&state=valid_state")
		assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
		assert.Equal(t, "/auth/google/fail/", rr.Header().Get("Location"))
		assert.False(t, rec.called)
	})

	t.Run("redirects on user info failure", func(t *testing.T) {
		*rec = recorder{}
		mock.userInfoError = true
		defer func() { mock.userInfoError = false }()

		rr := callback(googleAuth.Handler(), "code=valid_code&state=valid_state")
		assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
		assert.False(t, rec.called)
	})

	t.Run("custom failure handler", func(t *testing.T) {
		*rec = recorder{}
		var failure error
		googleAuth.HandleFailure = func(err error, w http.ResponseWriter, r *http.Request) {
			failure = err
			w.WriteHeader(http.StatusUnauthorized)
		}
		defer func() { googleAuth.HandleFailure = nil }()

		rr := callback(googleAuth.Handler(), "error=access_denied&state=valid_state")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Error(t, failure)
		assert.Contains(t, failure.Error(), "access_denied")
	})
}

func TestGithubOAuth2Callback(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	rec := &recorder{}
	githubAuth := oauth2.NewGithubOAuth2("test-client-id", "test-client-secret", "http://localhost:8080/callback", rec.handle)
	githubAuth.UserInfoURL = mock.userInfoEndpoint
	githubAuth.EmailsURL = mock.emailsEndpoint
	githubAuth.SetHTTPClient(mock.server.Client())
	githubAuth.SetOAuthEndpoint(mock.endpoint())

	mock.userInfoResponse = map[string]any{
		"id":         77,
		"login":      "bob",
		"name":       "Bob Builder",
		"email":      "public@example.com",
		"avatar_url": "https://avatars.example.com/77",
	}

	t.Run("collects verified emails, primary first", func(t *testing.T) {
		*rec = recorder{}
		mock.emailsResponse = []map[string]any{
			{"email": "old@example.com", "primary": false, "verified": true},
			{"email": "unverified@example.com", "primary": false, "verified": false},
			{"email": "bob@example.com", "primary": true, "verified": true},
		}
		callback(githubAuth.Handler(), "code=valid_code&state=valid_state")

		require.True(t, rec.called)
		assert.Equal(t, ac.ProviderGithub, rec.profile.Provider)
		assert.Equal(t, "77", rec.profile.ProviderID)
		assert.Equal(t, "bob", rec.profile.Username)
		assert.Equal(t, "github_bob", rec.profile.LoginID())
		assert.Equal(t, []string{"bob@example.com", "old@example.com"}, rec.profile.Emails)
	})

	t.Run("falls back to the public email", func(t *testing.T) {
		*rec = recorder{}
		mock.emailsError = true
		defer func() { mock.emailsError = false }()

		callback(githubAuth.Handler(), "code=valid_code&state=valid_state")
		require.True(t, rec.called)
		assert.Equal(t, []string{"public@example.com"}, rec.profile.Emails)
	})

	t.Run("rejects a profile without an id", func(t *testing.T) {
		*rec = recorder{}
		saved := mock.userInfoResponse
		mock.userInfoResponse = map[string]any{"login": "ghost"}
		defer func() { mock.userInfoResponse = saved }()

		rr := callback(githubAuth.Handler(), "code=valid_code&state=valid_state")
		assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
		assert.False(t, rec.called)
	})
}

func TestOIDCOAuth2Callback(t *testing.T) {
	mock := newMockOAuthServer()
	defer mock.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := mock.server.URL

	idToken := func(claims jwt.MapClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		require.NoError(t, err)
		return signed
	}

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	verifier := oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: "test-client-id"})

	rec := &recorder{}
	keycloak := oauth2.NewOIDCOAuth2WithVerifier("keycloak", mock.endpoint(), verifier,
		"test-client-id", "test-client-secret", "http://localhost:8080/callback", rec.handle)
	keycloak.SetHTTPClient(mock.server.Client())
	assert.Equal(t, ac.Provider("keycloak"), keycloak.Name())

	t.Run("profile from verified id token", func(t *testing.T) {
		*rec = recorder{}
		mock.tokenResponse["id_token"] = idToken(jwt.MapClaims{
			"iss":                issuer,
			"aud":                "test-client-id",
			"sub":                "kc-subject-1",
			"exp":                time.Now().Add(time.Hour).Unix(),
			"iat":                time.Now().Unix(),
			"email":              "dana@example.com",
			"email_verified":     true,
			"preferred_username": "dana",
			"given_name":         "Dana",
		})
		callback(keycloak.Handler(), "code=valid_code&state=valid_state")

		require.True(t, rec.called)
		assert.Equal(t, ac.Provider("keycloak"), rec.profile.Provider)
		assert.Equal(t, "kc-subject-1", rec.profile.ProviderID)
		assert.Equal(t, []string{"dana@example.com"}, rec.profile.Emails)
		assert.Equal(t, "keycloak_dana", rec.profile.LoginID())
	})

	t.Run("rejects token for another audience", func(t *testing.T) {
		*rec = recorder{}
		mock.tokenResponse["id_token"] = idToken(jwt.MapClaims{
			"iss": issuer,
			"aud": "someone-else",
			"sub": "kc-subject-1",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		rr := callback(keycloak.Handler(), "code=valid_code&state=valid_state")
		assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
		assert.False(t, rec.called)
	})

	t.Run("rejects missing id token", func(t *testing.T) {
		*rec = recorder{}
		delete(mock.tokenResponse, "id_token")
		rr := callback(keycloak.Handler(), "code=valid_code&state=valid_state")
		assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
		assert.False(t, rec.called)
	})
}

func TestNewOIDCOAuth2_RequiresSettings(t *testing.T) {
	_, err := oauth2.NewOIDCOAuth2(context.Background(), "", "", "", "", "", nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	google := oauth2.NewGoogleOAuth2("id", "secret", "http://localhost/cb", nil)
	github := oauth2.NewGithubOAuth2("id", "secret", "http://localhost/cb", nil)
	registry := oauth2.NewRegistry(google, github, nil)

	p, err := registry.Get(ac.ProviderGithub)
	require.NoError(t, err)
	assert.Equal(t, ac.ProviderGithub, p.Name())
	assert.Len(t, registry.Names(), 2)

	_, err = registry.Get("myspace")
	assert.Error(t, err)
}

func TestOAuthEndpointConfiguration(t *testing.T) {
	googleAuth := oauth2.NewGoogleOAuth2("test-client-id", "test-client-secret", "http://localhost:8080/callback", nil)
	assert.Equal(t, "https://www.googleapis.com/oauth2/v2/userinfo", googleAuth.UserInfoURL)
	assert.Nil(t, googleAuth.HTTPClient)

	githubAuth := oauth2.NewGithubOAuth2("test-client-id", "test-client-secret", "http://localhost:8080/callback", nil)
	assert.Equal(t, "https://api.github.com/user", githubAuth.UserInfoURL)
	assert.Equal(t, []string{"read:user", "user:email"}, githubAuth.Config().Scopes)

	customClient := &http.Client{Timeout: 5 * time.Second}
	googleAuth.SetHTTPClient(customClient)
	assert.Same(t, customClient, googleAuth.HTTPClient)
}

func TestEnvironmentVariableDefaults(t *testing.T) {
	t.Setenv("OAUTH2_GITHUB_CLIENT_ID", "env-client-id")
	t.Setenv("OAUTH2_GITHUB_CALLBACK_URL", "http://env-callback.com")

	githubAuth := oauth2.NewGithubOAuth2("", "", "", nil)
	assert.Equal(t, "env-client-id", githubAuth.ClientId)
	assert.Equal(t, "http://env-callback.com", githubAuth.CallbackURL)

	explicit := oauth2.NewGithubOAuth2("explicit-client-id", "explicit-secret", "http://explicit-callback.com", nil)
	assert.Equal(t, "explicit-client-id", explicit.ClientId)
	assert.Equal(t, "explicit-secret", explicit.ClientSecret)
}
