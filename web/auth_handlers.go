package web

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	ac "github.com/panyam/authcore"
	"go.uber.org/zap"
)

type emailRequest struct {
	Email string `json:"email"`
}

type registerRequest struct {
	ac.RegistrationProfile
	Otp string `json:"otp"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type magicLinkRequest struct {
	Token string `json:"token"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return ac.DecodeJSON(http.MaxBytesReader(w, r.Body, maxBodySize), v)
}

func (s *Server) handleSendOtp(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Resolver.RequestOtp(r.Context(), req.Email); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "OTP sent to your email"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	account, err := s.Resolver.RegisterWithOtp(r.Context(), req.RegistrationProfile, req.Otp)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.Sessions.StartSession(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.completeLogin(w, r, http.StatusCreated, session, ResponseJSON)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.Sessions.Login(r.Context(), ac.PasswordLogin{Email: req.Email, Password: req.Password})
	s.Metrics.RecordLogin(ac.MethodPassword, err)
	if err != nil {
		reason := ac.ReasonOf(err)
		folded := reason == ac.ReasonNotFound || reason == ac.ReasonBadPassword ||
			(reason == ac.ReasonProviderOnlyAccount && s.Resolver.FoldProviderOnly)
		if folded {
			// unknown emails look exactly like bad passwords
			s.log().Debug("password login rejected", zap.String("reason", string(reason)))
			s.writeError(w, r, http.StatusUnauthorized, ac.ErrBadPassword)
			return
		}
		s.fail(w, r, err)
		return
	}
	s.completeLogin(w, r, http.StatusOK, session, ResponseJSON)
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Resolver.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Reset link sent to email"})
}

func (s *Server) handleVerifyResetToken(w http.ResponseWriter, r *http.Request) {
	if err := s.Resolver.VerifyResetToken(r.Context(), mux.Vars(r)["token"]); err != nil {
		writeJSON(w, statusFor(err), verifyResponse{Valid: false, Message: ac.PublicMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Valid: true})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.Resolver.ResetPassword(r.Context(), mux.Vars(r)["token"], req.Password); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password updated successfully"})
}

// refreshToken takes the token from the refreshToken cookie, then from an
// optional JSON body.
func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if token := cookieValue(r, refreshTokenCookie); token != "" {
		return token, nil
	}
	if r.ContentLength == 0 {
		return "", nil
	}
	var req refreshRequest
	if err := decode(w, r, &req); err != nil {
		return "", err
	}
	return req.RefreshToken, nil
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := s.refreshToken(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if token == "" {
		s.writeError(w, r, http.StatusUnauthorized, ac.ErrInvalidToken.WithMessage("no token provided"))
		return
	}
	session, err := s.Sessions.Refresh(r.Context(), token)
	if err != nil {
		if ac.KindOf(err) == ac.KindAuth {
			s.clearSessionCookies(w)
		}
		s.fail(w, r, err)
		return
	}
	s.setSessionCookies(w, session)
	writeTokens(w, http.StatusOK, s.tokenBody("Refreshed", session))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := s.refreshToken(w, r)
	if err != nil {
		s.log().Debug("ignoring unreadable logout body", zap.Error(err))
	}
	s.clearSessionCookies(w)
	if s.Browser != nil {
		if err := s.Browser.Destroy(r.Context()); err != nil {
			s.log().Warn("failed to destroy browser session", zap.Error(err))
		}
	}
	if err := s.Sessions.EndSession(r.Context(), token); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out"})
}

func (s *Server) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Sessions.RequestMagicLink(r.Context(), req.Email); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Magic link sent to %s", ac.NormalizeEmail(req.Email))})
}

func (s *Server) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Token == "" {
		s.fail(w, r, ac.Invalid("token required"))
		return
	}
	session, err := s.Sessions.ConsumeMagicLink(r.Context(), req.Token)
	s.Metrics.RecordLogin(ac.MethodMagicLink, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.completeLogin(w, r, http.StatusOK, session, ResponseJSON)
}
