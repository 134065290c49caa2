// Package web puts the identity core behind HTTP. Routes live under
// /api/auth and /api/users, sessions travel in the accessToken and
// refreshToken cookies, and browser redirects remember where to return
// through an scs session.
package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/oauth2"
	"go.uber.org/zap"
)

// Keys in the browser session
const (
	returnToKey  = "returnTo"
	accountIDKey = "accountId"
)

const maxBodySize = 1 << 20

type Server struct {
	Sessions *ac.SessionManager
	Resolver *ac.IdentityResolver

	// Accounts defaults to Sessions.Accounts
	Accounts ac.AccountRepository

	// Providers holds the redirect based logins (oauth2, saml). May be nil.
	Providers *oauth2.Registry

	// Browser remembers the post-login return path and the logged in account.
	// May be nil.
	Browser *scs.SessionManager

	Cookies CookieConfig

	// ClientURL is where browsers land after a provider login
	ClientURL string

	// LoginLimiter throttles the credential endpoints per client. May be nil.
	LoginLimiter *RateLimiter

	Metrics *Metrics
	Logger  *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) accounts() ac.AccountRepository {
	if s.Accounts != nil {
		return s.Accounts
	}
	return s.Sessions.Accounts
}

func (s *Server) clientURL() string {
	return strings.TrimSuffix(s.ClientURL, "/")
}

// Handler returns the full HTTP surface
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Routes(r)
	if s.Browser != nil {
		return s.Browser.LoadAndSave(r)
	}
	return r
}

// Routes registers every route on r
func (s *Server) Routes(r *mux.Router) {
	r.Use(s.Metrics.Middleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", ErrorDescription: "no such route"})
	})

	auth := r.PathPrefix("/api/auth").Subrouter()
	auth.Handle("/send-otp", s.limited(s.handleSendOtp)).Methods(http.MethodPost)
	auth.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	auth.Handle("/login", s.limited(s.handleLogin)).Methods(http.MethodPost)
	auth.Handle("/forgot-password", s.limited(s.handleForgotPassword)).Methods(http.MethodPost)
	auth.HandleFunc("/verify-reset-token/{token}", s.handleVerifyResetToken).Methods(http.MethodGet)
	auth.HandleFunc("/reset-password/{token}", s.handleResetPassword).Methods(http.MethodPost)
	auth.HandleFunc("/refresh-token", s.handleRefresh).Methods(http.MethodPost)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	auth.Handle("/magic-link", s.limited(s.handleMagicLink)).Methods(http.MethodPost)
	auth.HandleFunc("/magic-link/verify", s.handleMagicLinkVerify).Methods(http.MethodPost)
	auth.HandleFunc("/{provider}", s.handleProviderLogin).Methods(http.MethodGet)
	auth.HandleFunc("/{provider}/callback", s.handleProviderCallback).Methods(http.MethodGet, http.MethodPost)
	auth.HandleFunc("/{provider}/metadata", s.handleProviderMetadata).Methods(http.MethodGet)

	r.Handle("/api/users/profile", s.Protect(http.HandlerFunc(s.handleGetProfile))).Methods(http.MethodGet)
	r.Handle("/api/users/profile", s.Protect(http.HandlerFunc(s.handleUpdateProfile))).Methods(http.MethodPut)
	r.Handle("/api/users", s.Protect(http.HandlerFunc(s.handleListUsers))).Methods(http.MethodGet)
	r.Handle("/api/users/{id}", s.Protect(s.Admin(http.HandlerFunc(s.handleGetUser)))).Methods(http.MethodGet)

	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.LoginLimiter == nil {
		return h
	}
	return s.LoginLimiter.Middleware(h)
}

// completeLogin sets the session cookies and reports the login in the route's mode
func (s *Server) completeLogin(w http.ResponseWriter, r *http.Request, status int, session *ac.Session, mode ResponseMode) {
	s.setSessionCookies(w, session)
	ctx := r.Context()
	if s.Browser != nil {
		if err := s.Browser.RenewToken(ctx); err != nil {
			s.log().Warn("failed to renew browser session", zap.Error(err))
		}
		s.Browser.Put(ctx, accountIDKey, session.Account.ID)
	}

	if mode == ResponseRedirect {
		http.Redirect(w, r, s.returnTarget(ctx), http.StatusFound)
		return
	}
	writeTokens(w, status, s.tokenBody("Success", session))
}

func (s *Server) tokenBody(message string, session *ac.Session) tokenResponse {
	tokens := s.Sessions.Tokens
	resp := tokenResponse{
		Message:     message,
		User:        viewOf(session.Account),
		AccessToken: session.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokens.TTL(ac.PurposeAccess).Seconds()),
	}
	if session.RefreshToken != "" {
		resp.RefreshToken = session.RefreshToken
		resp.RefreshExpiresIn = int64(tokens.TTL(ac.PurposeRefresh).Seconds())
	}
	return resp
}

// returnTarget is the client URL joined with the remembered return path
func (s *Server) returnTarget(ctx context.Context) string {
	base := s.clientURL()
	if s.Browser != nil {
		if path := s.Browser.PopString(ctx, returnToKey); safeReturnPath(path) {
			return base + path
		}
	}
	if base == "" {
		return "/"
	}
	return base
}

// safeReturnPath accepts only local absolute paths so a login cannot be
// turned into an open redirect.
func safeReturnPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, `\`)
}
