// Package saml lets a SAML 2.0 identity provider act as one more login
// provider. The service provider satisfies oauth2.Provider so the web
// package mounts it next to Google and GitHub.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/oauth2"
	"go.uber.org/zap"
)

// ProviderName is the default provider name of a SAML login
const ProviderName ac.Provider = "saml"

// Attribute names IdPs commonly use. Claim URIs match by suffix.
var (
	emailAttributes     = []string{"/claims/emailaddress", "email", "mail"}
	givenNameAttributes = []string{"/claims/givenname", "givenName", "firstName"}
	surnameAttributes   = []string{"/claims/surname", "sn", "lastName"}
	nameAttributes      = []string{"/claims/name", "displayName", "cn"}
)

type Options struct {
	// RootURL is where the service provider is mounted, e.g. https://auth.example.com/api/auth/saml/
	RootURL        string
	IDPMetadataURL string
	CertFile       string
	KeyFile        string
	HTTPClient     *http.Client
}

type ServiceProvider struct {
	HandleProfile oauth2.HandleProfileFunc
	HandleFailure oauth2.HandleFailureFunc

	// AuthFailureUrl is where the browser goes when HandleFailure is nil
	AuthFailureUrl string

	Logger *zap.Logger

	name       ac.Provider
	middleware *samlsp.Middleware
	mux        *http.ServeMux
}

// New loads the service provider key pair, fetches the IdP metadata and
// builds the service provider.
func New(ctx context.Context, opts Options, handleProfile oauth2.HandleProfileFunc) (*ServiceProvider, error) {
	keyPair, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load saml key pair: %w", err)
	}
	keyPair.Leaf, err = x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse saml certificate: %w", err)
	}
	key, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("saml key must be an RSA key")
	}

	idpMetadataURL, err := url.Parse(opts.IDPMetadataURL)
	if err != nil {
		return nil, fmt.Errorf("invalid saml metadata url %q: %w", opts.IDPMetadataURL, err)
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	idpMetadata, err := samlsp.FetchMetadata(ctx, client, *idpMetadataURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch saml metadata: %w", err)
	}
	return NewWithMetadata(opts.RootURL, key, keyPair.Leaf, idpMetadata, handleProfile)
}

// NewWithMetadata builds the service provider from IdP metadata already in hand
func NewWithMetadata(rootURL string, key *rsa.PrivateKey, cert *x509.Certificate, idpMetadata *saml.EntityDescriptor,
	handleProfile oauth2.HandleProfileFunc) (*ServiceProvider, error) {
	root, err := url.Parse(strings.TrimSuffix(rootURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid saml root url %q: %w", rootURL, err)
	}
	middleware, err := samlsp.New(samlsp.Options{
		URL:         *root,
		Key:         key,
		Certificate: cert,
		IDPMetadata: idpMetadata,
		SignRequest: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build saml service provider: %w", err)
	}
	// The SP paths live next to the login and callback routes
	middleware.ServiceProvider.AcsURL = *root.ResolveReference(&url.URL{Path: "callback"})
	middleware.ServiceProvider.MetadataURL = *root.ResolveReference(&url.URL{Path: "metadata"})

	sp := &ServiceProvider{
		HandleProfile:  handleProfile,
		name:           ProviderName,
		middleware:     middleware,
		AuthFailureUrl: fmt.Sprintf("/auth/%s/fail/", ProviderName),
	}
	sp.mux = http.NewServeMux()
	sp.mux.HandleFunc("/metadata", sp.ServeMetadata)
	sp.mux.HandleFunc("/callback", sp.HandleCallback)
	sp.mux.HandleFunc("/", sp.HandleLogin)
	return sp, nil
}

func (s *ServiceProvider) Name() ac.Provider {
	return s.name
}

// Handler serves login ("/"), the assertion consumer ("/callback") and the SP metadata ("/metadata")
func (s *ServiceProvider) Handler() http.Handler {
	return s.mux
}

// ServeMetadata writes the SP metadata document the IdP is configured with
func (s *ServiceProvider) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	s.middleware.ServeMetadata(w, r)
}

func (s *ServiceProvider) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// HandleLogin redirects the browser to the IdP with a tracked AuthnRequest
func (s *ServiceProvider) HandleLogin(w http.ResponseWriter, r *http.Request) {
	m := s.middleware
	location := m.ServiceProvider.GetSSOBindingLocation(saml.HTTPRedirectBinding)
	if location == "" {
		http.Error(w, "identity provider has no redirect binding", http.StatusInternalServerError)
		return
	}
	authReq, err := m.ServiceProvider.MakeAuthenticationRequest(location, saml.HTTPRedirectBinding, m.ResponseBinding)
	if err != nil {
		s.log().Error("saml authn request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	relayState, err := m.RequestTracker.TrackRequest(w, r, authReq.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	redirectURL, err := authReq.Redirect(relayState, &m.ServiceProvider)
	if err != nil {
		s.log().Error("saml redirect failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

// HandleCallback consumes the IdP assertion and hands its profile to HandleProfile
func (s *ServiceProvider) HandleCallback(w http.ResponseWriter, r *http.Request) {
	m := s.middleware
	if err := r.ParseForm(); err != nil {
		s.fail(fmt.Errorf("failed to parse saml form: %w", err), w, r)
		return
	}

	possibleRequestIDs := []string{}
	if m.ServiceProvider.AllowIDPInitiated {
		possibleRequestIDs = append(possibleRequestIDs, "")
	}
	for _, tr := range m.RequestTracker.GetTrackedRequests(r) {
		possibleRequestIDs = append(possibleRequestIDs, tr.SAMLRequestID)
	}

	assertion, err := m.ServiceProvider.ParseResponse(r, possibleRequestIDs)
	if err != nil {
		s.fail(fmt.Errorf("invalid saml response: %w", err), w, r)
		return
	}
	profile, err := ProfileFromAssertion(s.name, assertion)
	if err != nil {
		s.fail(err, w, r)
		return
	}
	if s.HandleProfile == nil {
		http.Error(w, "saml login is not configured", http.StatusInternalServerError)
		return
	}
	s.HandleProfile(profile, nil, w, r)
}

func (s *ServiceProvider) fail(err error, w http.ResponseWriter, r *http.Request) {
	s.log().Info("saml callback failed", zap.Error(err))
	if s.HandleFailure != nil {
		s.HandleFailure(err, w, r)
		return
	}
	http.Redirect(w, r, s.AuthFailureUrl, http.StatusTemporaryRedirect)
}

// ProfileFromAssertion maps the subject and attributes of an assertion to a
// provider profile. The NameID is the provider id.
func ProfileFromAssertion(provider ac.Provider, assertion *saml.Assertion) (ac.ProviderProfile, error) {
	if assertion == nil || assertion.Subject == nil || assertion.Subject.NameID == nil || assertion.Subject.NameID.Value == "" {
		return ac.ProviderProfile{}, errors.New("saml assertion has no subject")
	}
	nameID := assertion.Subject.NameID
	profile := ac.ProviderProfile{
		Provider:   provider,
		ProviderID: nameID.Value,
	}
	if nameID.Format == string(saml.EmailAddressNameIDFormat) {
		profile.Emails = append(profile.Emails, nameID.Value)
	}
	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			if len(attr.Values) == 0 {
				continue
			}
			value := attr.Values[0].Value
			switch {
			case matches(attr, emailAttributes):
				for _, v := range attr.Values {
					profile.Emails = append(profile.Emails, v.Value)
				}
			case matches(attr, givenNameAttributes):
				profile.FirstName = value
			case matches(attr, surnameAttributes):
				profile.LastName = value
			case matches(attr, nameAttributes):
				profile.DisplayName = value
			}
		}
	}
	if err := profile.Validate(); err != nil {
		return ac.ProviderProfile{}, err
	}
	return profile, nil
}

func matches(attr saml.Attribute, names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, "/") && strings.HasSuffix(attr.Name, n) {
			return true
		}
		if attr.Name == n || attr.FriendlyName == n {
			return true
		}
	}
	return false
}
