package web

import (
	"net/http"
	"time"

	ac "github.com/panyam/authcore"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

// CookieConfig controls the session cookies. Both are httpOnly and SameSite=Lax.
type CookieConfig struct {
	Domain string
	Secure bool
}

func (c CookieConfig) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   c.Domain,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c CookieConfig) clear(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Domain:   c.Domain,
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// setSessionCookies writes the tokens present in session with max ages equal to their TTLs
func (s *Server) setSessionCookies(w http.ResponseWriter, session *ac.Session) {
	tokens := s.Sessions.Tokens
	if session.AccessToken != "" {
		http.SetCookie(w, s.Cookies.cookie(accessTokenCookie, session.AccessToken, tokens.TTL(ac.PurposeAccess)))
	}
	if session.RefreshToken != "" {
		http.SetCookie(w, s.Cookies.cookie(refreshTokenCookie, session.RefreshToken, tokens.TTL(ac.PurposeRefresh)))
	}
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, s.Cookies.clear(accessTokenCookie))
	http.SetCookie(w, s.Cookies.clear(refreshTokenCookie))
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
