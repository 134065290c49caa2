package web

import (
	"encoding/json"
	"net/http"

	ac "github.com/panyam/authcore"
	"go.uber.org/zap"
)

// ResponseMode says how a route reports a successful login. Each route picks
// its mode explicitly.
type ResponseMode int

const (
	// ResponseJSON writes a token response body
	ResponseJSON ResponseMode = iota

	// ResponseRedirect sends the browser back to the client app
	ResponseRedirect
)

type userView struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	Role      ac.Role `json:"role"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Phone     string  `json:"phone,omitempty"`
	AvatarURL string  `json:"avatarUrl,omitempty"`
}

func viewOf(a *ac.Account) *userView {
	if a == nil {
		return nil
	}
	return &userView{
		ID:        a.ID,
		Email:     a.Email,
		Role:      a.Role,
		FirstName: a.Profile.FirstName,
		LastName:  a.Profile.LastName,
		Phone:     a.Profile.Phone,
		AvatarURL: a.Profile.AvatarURL,
	}
}

// tokenResponse is the body of every JSON login and refresh
type tokenResponse struct {
	Message          string    `json:"message"`
	User             *userView `json:"user,omitempty"`
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64     `json:"refresh_expires_in,omitempty"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type verifyResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

type listResponse struct {
	Users  []*userView `json:"users"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeTokens sends a token response. Tokens are never cached.
func writeTokens(w http.ResponseWriter, status int, resp tokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, status, resp)
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch ac.ReasonOf(err) {
	case ac.ReasonForbidden:
		return http.StatusForbidden
	case ac.ReasonNotFound:
		return http.StatusNotFound
	}
	switch ac.KindOf(err) {
	case ac.KindValidation:
		return http.StatusBadRequest
	case ac.KindAuth:
		return http.StatusUnauthorized
	case ac.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError logs err and writes its public form with the given status
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("reason", string(ac.ReasonOf(err))),
		zap.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		s.log().Error("request failed", append(fields, zap.Error(err))...)
	} else {
		s.log().Debug("request rejected", fields...)
	}
	writeJSON(w, status, errorResponse{
		Error:            string(ac.ReasonOf(err)),
		ErrorDescription: ac.PublicMessage(err),
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, statusFor(err), err)
}
