// Package client logs command line tools into an authcore server. It keeps
// per-server credentials in a CredentialStore and refreshes them
// transparently.
package client

import (
	"time"
)

// ServerCredential is the token pair and account summary kept for one server
type ServerCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	UserEmail    string    `json:"user_email,omitempty"`
	Role         string    `json:"role,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c *ServerCredential) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// IsExpiringSoon reports whether the access token expires within d.
// An expired token is expiring soon.
func (c *ServerCredential) IsExpiringSoon(d time.Duration) bool {
	return time.Now().Add(d).After(c.ExpiresAt)
}

func (c *ServerCredential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// Usable reports whether the credential can still authenticate a request,
// either directly or after a refresh
func (c *ServerCredential) Usable() bool {
	return !c.IsExpired() || c.HasRefreshToken()
}

// CredentialStore keeps one credential per server. Implementations may
// buffer changes until Save.
type CredentialStore interface {
	// GetCredential returns nil, nil when the server has no credential
	GetCredential(serverURL string) (*ServerCredential, error)
	SetCredential(serverURL string, cred *ServerCredential) error
	RemoveCredential(serverURL string) error
	ListServers() ([]string, error)
	Save() error
}
