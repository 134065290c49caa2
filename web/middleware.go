package web

import (
	"context"
	"net/http"
	"strings"

	ac "github.com/panyam/authcore"
)

type accountKey struct{}

// AccountFromContext returns the account set by Protect, or nil
func AccountFromContext(ctx context.Context) *ac.Account {
	if a, ok := ctx.Value(accountKey{}).(*ac.Account); ok {
		return a
	}
	return nil
}

// accessToken takes the token from the accessToken cookie first, then from
// an Authorization: Bearer header.
func accessToken(r *http.Request) string {
	if token := cookieValue(r, accessTokenCookie); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// Protect verifies the access token and loads its account into the request context
func (s *Server) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := accessToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			s.writeError(w, r, http.StatusUnauthorized, ac.ErrInvalidToken.WithMessage("not authorized, no token"))
			return
		}
		account, err := s.Sessions.Authenticate(r.Context(), token)
		if err != nil {
			if ac.KindOf(err) == ac.KindDependency {
				s.fail(w, r, err)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			s.writeError(w, r, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), accountKey{}, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole only lets accounts with role through. It must run after Protect.
func (s *Server) RequireRole(role ac.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := AccountFromContext(r.Context())
			if account == nil || account.Role != role {
				s.writeError(w, r, http.StatusForbidden, ac.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Admin is RequireRole(RoleAdmin)
func (s *Server) Admin(next http.Handler) http.Handler {
	return s.RequireRole(ac.RoleAdmin)(next)
}
