package web

import (
	"net/http"

	"github.com/gorilla/mux"
	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/oauth2"
	"go.uber.org/zap"
	oauth2lib "golang.org/x/oauth2"
)

// metadataServer is implemented by providers that publish metadata, such as SAML
type metadataServer interface {
	ServeMetadata(w http.ResponseWriter, r *http.Request)
}

func (s *Server) provider(w http.ResponseWriter, r *http.Request) (oauth2.Provider, bool) {
	if s.Providers != nil {
		if p, err := s.Providers.Get(ac.Provider(mux.Vars(r)["provider"])); err == nil {
			return p, true
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown_provider", ErrorDescription: "unknown login provider"})
	return nil, false
}

func (s *Server) handleProviderLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	if returnTo := r.URL.Query().Get("returnTo"); s.Browser != nil && safeReturnPath(returnTo) {
		s.Browser.Put(r.Context(), returnToKey, returnTo)
	}
	p.HandleLogin(w, r)
}

func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	p.HandleCallback(w, r)
}

func (s *Server) handleProviderMetadata(w http.ResponseWriter, r *http.Request) {
	p, ok := s.provider(w, r)
	if !ok {
		return
	}
	m, ok := p.(metadataServer)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", ErrorDescription: "provider has no metadata"})
		return
	}
	m.ServeMetadata(w, r)
}

// HandleProviderProfile is the HandleProfile callback of every provider. It
// resolves the profile to an account and redirects back to the client app.
func (s *Server) HandleProviderProfile(profile ac.ProviderProfile, token *oauth2lib.Token, w http.ResponseWriter, r *http.Request) {
	session, err := s.Sessions.Login(r.Context(), ac.ProviderLogin{Profile: profile})
	s.Metrics.RecordLogin(ac.MethodProvider, err)
	if err != nil {
		s.HandleProviderFailure(err, w, r)
		return
	}
	s.completeLogin(w, r, http.StatusOK, session, ResponseRedirect)
}

// HandleProviderFailure sends the browser to the client's login page with an error marker
func (s *Server) HandleProviderFailure(err error, w http.ResponseWriter, r *http.Request) {
	s.log().Info("provider login failed", zap.String("reason", string(ac.ReasonOf(err))), zap.Error(err))
	http.Redirect(w, r, s.clientURL()+"/login?error=auth_failed", http.StatusFound)
}
