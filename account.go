package authcore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role is the authorization level of an account
type Role string

const (
	RoleStandard Role = "STANDARD"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r == RoleStandard || r == RoleAdmin
}

// Provider names an external identity provider ("google", "github", ...)
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGithub Provider = "github"
)

// PlaceholderEmailDomain is used for provider accounts whose profile carried no email
const PlaceholderEmailDomain = "no-email.placeholder"

// PlaceholderEmail synthesizes the email for a provider account without one
func PlaceholderEmail(provider Provider, providerID string) string {
	return fmt.Sprintf("%s_%s@%s", provider, providerID, PlaceholderEmailDomain)
}

// NormalizeEmail lower-cases and trims an email so lookups are case insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Profile holds the descriptive fields of an account. The core stores them
// but never makes decisions based on them.
type Profile struct {
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"` // YYYY-MM-DD
	Gender      string `json:"gender,omitempty"`
	Nationality string `json:"nationality,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Account is the durable identity record
type Account struct {
	ID           string              `json:"id"`
	Email        string              `json:"email"`
	LoginID      string              `json:"loginId,omitempty"`
	PasswordHash string              `json:"-"`
	Role         Role                `json:"role"`
	ProviderIDs  map[Provider]string `json:"providerIds,omitempty"`
	Profile      Profile             `json:"profile"`

	// Set and cleared together
	ResetDigest    string    `json:"-"`
	ResetExpiresAt time.Time `json:"-"`

	Version   int       `json:"version"` // optimistic locking version
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasPassword returns true if the account can log in with a password
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// ProviderID returns the linked id for provider, or "" if not linked
func (a *Account) ProviderID(provider Provider) string {
	if a.ProviderIDs == nil {
		return ""
	}
	return a.ProviderIDs[provider]
}

// HasResetToken returns true if a reset digest is pending on the account
func (a *Account) HasResetToken() bool {
	return a.ResetDigest != ""
}

// Validate checks the record level invariants of an account
func (a *Account) Validate() error {
	if a.Email == "" {
		return Invalid("email is required")
	}
	if !a.Role.Valid() {
		return Invalid("unknown role %q", a.Role)
	}
	linked := 0
	for p, id := range a.ProviderIDs {
		if p == "" || id == "" {
			return Invalid("provider ids must be non-empty")
		}
		linked++
	}
	if !a.HasPassword() && linked == 0 {
		return Invalid("account needs a password or a linked provider")
	}
	if (a.ResetDigest == "") != a.ResetExpiresAt.IsZero() {
		return Invalid("reset digest and expiry must be set together")
	}
	return nil
}

// Clone returns a deep copy so stores never share maps with callers
func (a *Account) Clone() *Account {
	out := *a
	if a.ProviderIDs != nil {
		out.ProviderIDs = make(map[Provider]string, len(a.ProviderIDs))
		for k, v := range a.ProviderIDs {
			out.ProviderIDs[k] = v
		}
	}
	return &out
}

// ProviderLink attaches an external provider identifier to an account
type ProviderLink struct {
	Provider Provider
	ID       string
}

// ResetDigest is the stored form of a password reset token
type ResetDigest struct {
	Digest    string
	ExpiresAt time.Time
}

// AccountUpdate is the explicit set of mutations the core performs on an
// account. Nil fields are left untouched.
type AccountUpdate struct {
	PasswordHash *string
	Role         *Role
	Profile      *Profile
	LinkProvider *ProviderLink
	SetReset     *ResetDigest
	ClearReset   bool

	// When non zero the update only applies if the stored Version matches,
	// otherwise the repository returns ErrConflict.
	ExpectVersion int
}

// Apply mutates a in place. Repositories that hold whole records (file
// system, datastore, memory) use this so every backend applies updates the
// same way.
func (u AccountUpdate) Apply(a *Account, now time.Time) error {
	if u.ExpectVersion != 0 && a.Version != u.ExpectVersion {
		return ErrConflict.Wrap(fmt.Errorf("account %s at version %d, expected %d", a.ID, a.Version, u.ExpectVersion))
	}
	if u.PasswordHash != nil {
		a.PasswordHash = *u.PasswordHash
	}
	if u.Role != nil {
		a.Role = *u.Role
	}
	if u.Profile != nil {
		a.Profile = *u.Profile
	}
	if u.LinkProvider != nil {
		if current := a.ProviderID(u.LinkProvider.Provider); current != "" && current != u.LinkProvider.ID {
			return ErrConflict.Wrap(fmt.Errorf("account %s already linked to another %s identity", a.ID, u.LinkProvider.Provider))
		}
		if a.ProviderIDs == nil {
			a.ProviderIDs = map[Provider]string{}
		}
		a.ProviderIDs[u.LinkProvider.Provider] = u.LinkProvider.ID
	}
	if u.ClearReset {
		a.ResetDigest = ""
		a.ResetExpiresAt = time.Time{}
	}
	if u.SetReset != nil {
		a.ResetDigest = u.SetReset.Digest
		a.ResetExpiresAt = u.SetReset.ExpiresAt
	}
	a.Version++
	a.UpdatedAt = now
	return a.Validate()
}

// AccountRepository is the durable store of accounts.
//
// Finders return ErrNotFound when nothing matches. Create and Update return
// ErrConflict when a unique constraint (email, provider id) would be violated
// or when ExpectVersion does not match. Any other failure should be reported
// through Dependency so callers can retry.
type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByProviderID(ctx context.Context, provider Provider, providerID string) (*Account, error)
	FindByResetDigest(ctx context.Context, digest string) (*Account, error)

	// Create stores a new account. ID, Version and timestamps are assigned by
	// the repository when empty.
	Create(ctx context.Context, account *Account) (*Account, error)

	// Update applies fields to the account with the given id and returns the
	// updated record.
	Update(ctx context.Context, id string, fields AccountUpdate) (*Account, error)
}

// AccountLister is optionally implemented by repositories that can enumerate accounts
type AccountLister interface {
	// ListAccounts returns accounts newest first
	ListAccounts(ctx context.Context, offset, limit int) ([]*Account, error)
}
