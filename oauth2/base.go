package oauth2

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	ac "github.com/panyam/authcore"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// HandleProfileFunc receives the normalized profile after a successful
// callback. It usually resolves the profile to an account and starts a session.
type HandleProfileFunc func(profile ac.ProviderProfile, token *oauth2.Token, w http.ResponseWriter, r *http.Request)

// HandleFailureFunc is called when a callback cannot produce a profile
type HandleFailureFunc func(err error, w http.ResponseWriter, r *http.Request)

// Provider is an external identity provider reached through a browser redirect
type Provider interface {
	Name() ac.Provider

	// HandleLogin redirects the browser to the provider's consent page
	HandleLogin(w http.ResponseWriter, r *http.Request)

	// HandleCallback completes the code exchange and calls HandleProfile
	HandleCallback(w http.ResponseWriter, r *http.Request)
}

// fetchProfileFunc turns an access token into a profile
type fetchProfileFunc func(ctx context.Context, token *oauth2.Token) (ac.ProviderProfile, error)

type BaseOAuth2 struct {
	ClientId     string
	ClientSecret string
	CallbackURL  string

	HandleProfile HandleProfileFunc
	HandleFailure HandleFailureFunc

	// AuthFailureUrl is where the browser goes when HandleFailure is nil
	AuthFailureUrl string

	// HTTPClient is used for the token exchange and profile requests.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger *zap.Logger

	provider     ac.Provider
	oauthConfig  oauth2.Config
	fetchProfile fetchProfileFunc
	mux          *http.ServeMux
}

// NewBaseOAuth2 reads missing settings from OAUTH2_<PROVIDER>_CLIENT_ID,
// OAUTH2_<PROVIDER>_CLIENT_SECRET and OAUTH2_<PROVIDER>_CALLBACK_URL.
func NewBaseOAuth2(provider ac.Provider, clientId string, clientSecret string, callbackUrl string, handleProfile HandleProfileFunc) *BaseOAuth2 {
	prefix := "OAUTH2_" + strings.ToUpper(string(provider)) + "_"
	if clientId == "" {
		clientId = strings.TrimSpace(os.Getenv(prefix + "CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = strings.TrimSpace(os.Getenv(prefix + "CLIENT_SECRET"))
	}
	if callbackUrl == "" {
		callbackUrl = strings.TrimSpace(os.Getenv(prefix + "CALLBACK_URL"))
	}
	out := &BaseOAuth2{
		ClientId:       clientId,
		ClientSecret:   clientSecret,
		CallbackURL:    callbackUrl,
		HandleProfile:  handleProfile,
		AuthFailureUrl: fmt.Sprintf("/auth/%s/fail/", provider),
		provider:       provider,
		mux:            http.NewServeMux(),
		oauthConfig: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
		},
	}
	out.mux.HandleFunc("/callback/", out.HandleCallback)
	out.mux.HandleFunc("/", out.HandleLogin)
	return out
}

func (b *BaseOAuth2) Name() ac.Provider {
	return b.provider
}

// Handler serves the login redirect at "/" and the callback at "/callback/".
// Mount it under a prefix with http.StripPrefix.
func (b *BaseOAuth2) Handler() http.Handler {
	return b.mux
}

// Config returns the underlying oauth2 configuration
func (b *BaseOAuth2) Config() *oauth2.Config {
	return &b.oauthConfig
}

// SetHTTPClient sets a custom HTTP client for OAuth requests (useful for testing)
func (b *BaseOAuth2) SetHTTPClient(client *http.Client) {
	b.HTTPClient = client
}

// SetOAuthEndpoint overrides the auth and token URLs
func (b *BaseOAuth2) SetOAuthEndpoint(endpoint oauth2.Endpoint) {
	b.oauthConfig.Endpoint = endpoint
}

func (b *BaseOAuth2) getHTTPClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

// ExchangeContext returns a context that makes the oauth2 library use HTTPClient
func (b *BaseOAuth2) ExchangeContext(ctx context.Context) context.Context {
	if b.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, b.HTTPClient)
	}
	return ctx
}

func (b *BaseOAuth2) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

func (b *BaseOAuth2) HandleLogin(w http.ResponseWriter, r *http.Request) {
	OauthRedirector(&b.oauthConfig)(w, r)
}

func (b *BaseOAuth2) HandleCallback(w http.ResponseWriter, r *http.Request) {
	oauthState, _ := r.Cookie(oauthStateCookie)
	if oauthState == nil {
		http.Error(w, "OauthState is nil", http.StatusBadRequest)
		return
	}
	clearStateCookie(w)
	if r.FormValue("state") != oauthState.Value {
		http.Error(w, fmt.Sprintf("invalid oauth %s state", b.provider), http.StatusBadRequest)
		return
	}
	if errCode := r.FormValue("error"); errCode != "" {
		b.fail(fmt.Errorf("%s denied the login: %s", b.provider, errCode), w, r)
		return
	}

	ctx := b.ExchangeContext(r.Context())
	token, err := b.oauthConfig.Exchange(ctx, r.FormValue("code"))
	if err != nil {
		b.fail(fmt.Errorf("%s code exchange failed: %w", b.provider, err), w, r)
		return
	}
	profile, err := b.fetchProfile(ctx, token)
	if err != nil {
		b.fail(fmt.Errorf("%s profile fetch failed: %w", b.provider, err), w, r)
		return
	}
	if err := profile.Validate(); err != nil {
		b.fail(err, w, r)
		return
	}
	if b.HandleProfile == nil {
		http.Error(w, "oauth login is not configured", http.StatusInternalServerError)
		return
	}
	b.log().Debug("oauth profile received", zap.String("provider", string(b.provider)), zap.Int("emails", len(profile.Emails)))
	b.HandleProfile(profile, token, w, r)
}

func (b *BaseOAuth2) fail(err error, w http.ResponseWriter, r *http.Request) {
	b.log().Info("oauth callback failed", zap.String("provider", string(b.provider)), zap.Error(err))
	if b.HandleFailure != nil {
		b.HandleFailure(err, w, r)
		return
	}
	http.Redirect(w, r, b.AuthFailureUrl, http.StatusTemporaryRedirect)
}
