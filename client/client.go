package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// RefreshThreshold is how long before expiry to proactively refresh
const RefreshThreshold = 5 * time.Minute

// Default endpoints of an authcore server
const (
	DefaultLoginEndpoint   = "/api/auth/login"
	DefaultRefreshEndpoint = "/api/auth/refresh-token"
	DefaultLogoutEndpoint  = "/api/auth/logout"
)

// AuthClient is an HTTP client with automatic token management
type AuthClient struct {
	mu              sync.Mutex
	serverURL       string
	store           CredentialStore
	httpClient      *http.Client
	baseTransport   http.RoundTripper
	loginEndpoint   string
	refreshEndpoint string
	logoutEndpoint  string
}

// LoginRequest is the body of a password login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the body of a refresh or logout
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenUser is the account summary returned with every token response
type TokenUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TokenResponse is the body of a login or refresh response. Errors carry
// only Error and ErrorDescription.
type TokenResponse struct {
	Message          string     `json:"message,omitempty"`
	User             *TokenUser `json:"user,omitempty"`
	AccessToken      string     `json:"access_token"`
	TokenType        string     `json:"token_type"`
	ExpiresIn        int64      `json:"expires_in"`
	RefreshToken     string     `json:"refresh_token,omitempty"`
	Error            string     `json:"error,omitempty"`
	ErrorDescription string     `json:"error_description,omitempty"`
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

func WithLoginEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.loginEndpoint = path
	}
}

func WithRefreshEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.refreshEndpoint = path
	}
}

func WithLogoutEndpoint(path string) ClientOption {
	return func(c *AuthClient) {
		c.logoutEndpoint = path
	}
}

// WithHTTPClient sets a custom base HTTP client (for timeouts, TLS config, etc.)
// The transport from this client will be wrapped with auth handling.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// NewAuthClient creates a new authenticated HTTP client for a server.
// Credentials are keyed by the scheme and host of serverURL.
func NewAuthClient(serverURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	c := &AuthClient{
		serverURL:       serverURL,
		store:           store,
		httpClient:      &http.Client{},
		baseTransport:   http.DefaultTransport,
		loginEndpoint:   DefaultLoginEndpoint,
		refreshEndpoint: DefaultRefreshEndpoint,
		logoutEndpoint:  DefaultLogoutEndpoint,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.Transport = &refreshTransport{
		client: c,
		base:   c.baseTransport,
	}
	return c
}

// HTTPClient returns the underlying HTTP client with auth handling
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// GetToken returns the current access token, refreshing if needed. It
// returns "" with no error when there is no usable credential.
func (c *AuthClient) GetToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", nil
	}

	if cred.IsExpiringSoon(RefreshThreshold) && cred.HasRefreshToken() {
		if err := c.refreshTokenLocked(cred); err != nil {
			// still usable until it actually expires
			if !cred.IsExpired() {
				return cred.AccessToken, nil
			}
			return "", fmt.Errorf("token expired and refresh failed: %w", err)
		}
		cred, _ = c.store.GetCredential(c.serverURL)
	}

	if cred == nil || cred.IsExpired() {
		return "", nil
	}
	return cred.AccessToken, nil
}

// GetCredential returns the stored credential for this server
func (c *AuthClient) GetCredential() (*ServerCredential, error) {
	return c.store.GetCredential(c.serverURL)
}

// Login authenticates with email and password and stores the credential
func (c *AuthClient) Login(email, password string) (*ServerCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.requestToken(c.loginEndpoint, LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	if cred.UserEmail == "" {
		cred.UserEmail = email
	}

	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if err := c.store.Save(); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return cred, nil
}

// Logout revokes the refresh token on the server and removes the local
// credential. The local credential is removed even if the server is unreachable.
func (c *AuthClient) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.store.GetCredential(c.serverURL)
	if err == nil && cred != nil && cred.HasRefreshToken() {
		c.revokeLocked(cred.RefreshToken)
	}

	if err := c.store.RemoveCredential(c.serverURL); err != nil {
		return err
	}
	return c.store.Save()
}

// IsLoggedIn returns true if there is a valid (non-expired) credential
func (c *AuthClient) IsLoggedIn() bool {
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil {
		return false
	}
	return !cred.IsExpired()
}

// refreshTokenLocked exchanges the refresh token for a new access token.
// Caller must hold c.mu.
func (c *AuthClient) refreshTokenLocked(cred *ServerCredential) error {
	newCred, err := c.requestToken(c.refreshEndpoint, RefreshRequest{RefreshToken: cred.RefreshToken})
	if err != nil {
		return err
	}

	if newCred.UserID == "" {
		newCred.UserID = cred.UserID
		newCred.UserEmail = cred.UserEmail
		newCred.Role = cred.Role
	}
	// servers that do not rotate return no refresh token
	if newCred.RefreshToken == "" {
		newCred.RefreshToken = cred.RefreshToken
	}

	if err := c.store.SetCredential(c.serverURL, newCred); err != nil {
		return fmt.Errorf("failed to store refreshed credential: %w", err)
	}
	return c.store.Save()
}

func (c *AuthClient) revokeLocked(refreshToken string) {
	body, err := json.Marshal(RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return
	}
	httpClient := &http.Client{Transport: c.baseTransport, Timeout: 10 * time.Second}
	resp, err := httpClient.Post(c.serverURL+c.logoutEndpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// requestToken posts body to endpoint and turns the token response into a credential
func (c *AuthClient) requestToken(endpoint string, body any) (*ServerCredential, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	// the base transport avoids looping through refreshTransport
	httpClient := &http.Client{Transport: c.baseTransport}
	resp, err := httpClient.Post(c.serverURL+endpoint, "application/json", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("authentication failed: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("invalid response from server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if tokenResp.ErrorDescription != "" {
			return nil, fmt.Errorf("authentication failed: %s", tokenResp.ErrorDescription)
		}
		if tokenResp.Error != "" {
			return nil, fmt.Errorf("authentication failed: %s", tokenResp.Error)
		}
		return nil, fmt.Errorf("authentication failed: HTTP %d", resp.StatusCode)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("invalid response from server: no access token")
	}

	now := time.Now()
	cred := &ServerCredential{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		ExpiresAt:    now.Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		CreatedAt:    now,
	}
	if u := tokenResp.User; u != nil {
		cred.UserID = u.ID
		cred.UserEmail = u.Email
		cred.Role = u.Role
	}
	return cred, nil
}
