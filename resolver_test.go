package authcore_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	ac "github.com/panyam/authcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestOtp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.resolver.RequestOtp(h.ctx, " New@Example.com"))
	code, ok := h.notifier.Last("otp", "new@example.com")
	require.True(t, ok)
	assert.True(t, ac.ValidOtp(code))

	assert.ErrorIs(t, h.resolver.RequestOtp(h.ctx, "nope"), ac.ErrInvalidInput)

	h.register(t, "taken@example.com", "password1")
	sent := h.notifier.Count()
	assert.ErrorIs(t, h.resolver.RequestOtp(h.ctx, "taken@example.com"), ac.ErrEmailTaken)
	assert.Equal(t, sent, h.notifier.Count())
}

func TestRequestOtp_NotificationFailure(t *testing.T) {
	h := newHarness(t)
	h.notifier.Fail = true
	err := h.resolver.RequestOtp(h.ctx, "new@example.com")
	assert.ErrorIs(t, err, ac.ErrNotificationFailed)
	assert.Equal(t, ac.KindDependency, ac.KindOf(err))
}

func TestRegisterWithOtp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.side.PutOtp(h.ctx, "alice@example.com", "482913", 0))

	account, err := h.resolver.RegisterWithOtp(h.ctx, ac.RegistrationProfile{
		Email: "Alice@Example.com", Password: "wonderland", FirstName: "Alice",
	}, "482913")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account.Email)
	assert.Equal(t, ac.RoleStandard, account.Role)
	assert.True(t, account.HasPassword())
	assert.NotEqual(t, "wonderland", account.PasswordHash)
	assert.Equal(t, "Alice", account.Profile.FirstName)

	_, err = h.resolver.RegisterWithOtp(h.ctx, ac.RegistrationProfile{
		Email: "alice@example.com", Password: "wonderland", FirstName: "Alice",
	}, "482913")
	assert.ErrorIs(t, err, ac.ErrOtpNotRequested)
}

func TestRegisterWithOtp_ValidationKeepsCode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.side.PutOtp(h.ctx, "alice@example.com", "482913", 0))

	_, err := h.resolver.RegisterWithOtp(h.ctx, ac.RegistrationProfile{
		Email: "alice@example.com", Password: "short", FirstName: "Alice",
	}, "482913")
	require.ErrorIs(t, err, ac.ErrInvalidInput)

	_, err = h.resolver.RegisterWithOtp(h.ctx, ac.RegistrationProfile{
		Email: "alice@example.com", Password: "long-enough", FirstName: "Alice",
	}, "482913")
	assert.NoError(t, err)
}

func TestRegisterWithOtp_Failures(t *testing.T) {
	h := newHarness(t)
	profile := ac.RegistrationProfile{Email: "alice@example.com", Password: "wonderland", FirstName: "Alice"}

	_, err := h.resolver.RegisterWithOtp(h.ctx, profile, "482913")
	assert.ErrorIs(t, err, ac.ErrOtpNotRequested)

	require.NoError(t, h.side.PutOtp(h.ctx, "alice@example.com", "482913", 0))
	_, err = h.resolver.RegisterWithOtp(h.ctx, profile, "999999")
	assert.ErrorIs(t, err, ac.ErrOtpMismatch)

	require.NoError(t, h.side.PutOtp(h.ctx, "alice@example.com", "482913", 0))
	h.clock.Advance(ac.TokenExpiryOtp + time.Second)
	_, err = h.resolver.RegisterWithOtp(h.ctx, profile, "482913")
	assert.ErrorIs(t, err, ac.ErrOtpExpired)

	_, err = h.accounts.FindByEmail(h.ctx, "alice@example.com")
	assert.ErrorIs(t, err, ac.ErrNotFound)
}

func TestRegisterWithOtp_EmailTaken(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice@example.com", "wonderland")
	require.NoError(t, h.side.PutOtp(h.ctx, "alice@example.com", "123456", 0))

	_, err := h.resolver.RegisterWithOtp(h.ctx, ac.RegistrationProfile{
		Email: "alice@example.com", Password: "wonderland", FirstName: "Alice",
	}, "123456")
	assert.ErrorIs(t, err, ac.ErrEmailTaken)
}

// flakyCreate fails Create with a transient error a fixed number of times
type flakyCreate struct {
	ac.AccountRepository
	failures int
}

func (f *flakyCreate) Create(ctx context.Context, a *ac.Account) (*ac.Account, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("disk full")
	}
	return f.AccountRepository.Create(ctx, a)
}

func TestRegisterWithOtp_DependencyFailureRestoresCode(t *testing.T) {
	h := newHarness(t)
	h.resolver.Accounts = &flakyCreate{AccountRepository: h.accounts, failures: 1}
	require.NoError(t, h.side.PutOtp(h.ctx, "alice@example.com", "482913", 0))
	profile := ac.RegistrationProfile{Email: "alice@example.com", Password: "wonderland", FirstName: "Alice"}

	_, err := h.resolver.RegisterWithOtp(h.ctx, profile, "482913")
	require.ErrorIs(t, err, ac.ErrUnavailable)
	assert.True(t, ac.Retryable(err))

	account, err := h.resolver.RegisterWithOtp(h.ctx, profile, "482913")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account.Email)
}

func TestAuthenticateWithPassword(t *testing.T) {
	h := newHarness(t)
	created := h.register(t, "alice@example.com", "wonderland")

	account, err := h.resolver.AuthenticateWithPassword(h.ctx, "ALICE@example.com ", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, created.ID, account.ID)

	_, badPw := h.resolver.AuthenticateWithPassword(h.ctx, "alice@example.com", "looking-glass")
	assert.ErrorIs(t, badPw, ac.ErrBadPassword)

	_, unknown := h.resolver.AuthenticateWithPassword(h.ctx, "nobody@example.com", "wonderland")
	assert.ErrorIs(t, unknown, ac.ErrNotFound)

	// same outward message, different reasons
	assert.Equal(t, ac.PublicMessage(badPw), ac.PublicMessage(unknown))
	assert.NotEqual(t, ac.ReasonOf(badPw), ac.ReasonOf(unknown))

	_, err = h.resolver.AuthenticateWithPassword(h.ctx, "", "")
	assert.ErrorIs(t, err, ac.ErrInvalidInput)
}

func TestAuthenticateWithPassword_ProviderOnly(t *testing.T) {
	h := newHarness(t)
	_, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGoogle, ProviderID: "g-1", Emails: []string{"dana@example.com"},
	})
	require.NoError(t, err)

	_, err = h.resolver.AuthenticateWithPassword(h.ctx, "dana@example.com", "anything1")
	assert.ErrorIs(t, err, ac.ErrProviderOnlyAccount)
	assert.Equal(t, ac.ErrProviderOnlyAccount.Message, ac.PublicMessage(err))

	h.resolver.FoldProviderOnly = true
	_, err = h.resolver.AuthenticateWithPassword(h.ctx, "dana@example.com", "anything1")
	assert.ErrorIs(t, err, ac.ErrProviderOnlyAccount)
	assert.Equal(t, ac.ErrBadPassword.Message, ac.PublicMessage(err))
}

func TestResolveProviderIdentity_LinksExistingAccount(t *testing.T) {
	h := newHarness(t)
	bob := h.register(t, "bob@example.com", "builder-1")

	linked, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGithub, ProviderID: "77", Username: "bob", Emails: []string{"Bob@Example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, bob.ID, linked.ID)
	assert.Equal(t, "77", linked.ProviderID(ac.ProviderGithub))
	assert.True(t, linked.HasPassword(), "password survives linking")

	// second login is idempotent
	again, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGithub, ProviderID: "77", Emails: []string{"changed@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, bob.ID, again.ID)
	assert.Equal(t, linked.Version, again.Version)

	// password login still works on the linked account
	_, err = h.resolver.AuthenticateWithPassword(h.ctx, "bob@example.com", "builder-1")
	assert.NoError(t, err)
}

func TestResolveProviderIdentity_CreatesAccount(t *testing.T) {
	h := newHarness(t)
	account, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGoogle, ProviderID: "g-42", DisplayName: "Erin", Emails: []string{"erin@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "erin@example.com", account.Email)
	assert.False(t, account.HasPassword())
	assert.Equal(t, "g-42", account.ProviderID(ac.ProviderGoogle))
	assert.Equal(t, "google_g-42", account.LoginID)
	assert.Equal(t, "Erin", account.Profile.FirstName)
	assert.Equal(t, ac.RoleStandard, account.Role)
}

func TestResolveProviderIdentity_PlaceholderEmail(t *testing.T) {
	h := newHarness(t)
	account, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGithub, ProviderID: "91",
	})
	require.NoError(t, err)
	assert.Equal(t, "github_91@"+ac.PlaceholderEmailDomain, account.Email)
	assert.Equal(t, "User", account.Profile.FirstName)
}

func TestResolveProviderIdentity_NeverStealsSlot(t *testing.T) {
	h := newHarness(t)
	first, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGithub, ProviderID: "1", Emails: []string{"shared@example.com"},
	})
	require.NoError(t, err)

	second, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGithub, ProviderID: "2", Emails: []string{"shared@example.com"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "github_2@"+ac.PlaceholderEmailDomain, second.Email)

	reloaded, err := h.accounts.FindByID(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", reloaded.ProviderID(ac.ProviderGithub))
}

func TestResolveProviderIdentity_SecondProviderLinks(t *testing.T) {
	h := newHarness(t)
	g, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGoogle, ProviderID: "g-1", Emails: []string{"fay@example.com"},
	})
	require.NoError(t, err)
	gh, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGithub, ProviderID: "gh-1", Emails: []string{"fay@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, g.ID, gh.ID)
	assert.Equal(t, "g-1", gh.ProviderID(ac.ProviderGoogle))
	assert.Equal(t, "gh-1", gh.ProviderID(ac.ProviderGithub))
}

func TestResolveProviderIdentity_Invalid(t *testing.T) {
	h := newHarness(t)
	_, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{Provider: ac.ProviderGoogle})
	assert.ErrorIs(t, err, ac.ErrInvalidInput)
}

// racingLink simulates a concurrent login that links the same identity
// between our lookup and our update.
type racingLink struct {
	ac.AccountRepository
	raced bool
}

func (r *racingLink) Update(ctx context.Context, id string, u ac.AccountUpdate) (*ac.Account, error) {
	if !r.raced && u.LinkProvider != nil {
		r.raced = true
		if _, err := r.AccountRepository.Update(ctx, id, ac.AccountUpdate{LinkProvider: u.LinkProvider}); err != nil {
			return nil, err
		}
	}
	return r.AccountRepository.Update(ctx, id, u)
}

func TestResolveProviderIdentity_RetriesOnConflict(t *testing.T) {
	h := newHarness(t)
	bob := h.register(t, "bob@example.com", "builder-1")
	h.resolver.Accounts = &racingLink{AccountRepository: h.accounts}

	account, err := h.resolver.ResolveProviderIdentity(h.ctx, ac.ProviderProfile{
		Provider: ac.ProviderGithub, ProviderID: "77", Emails: []string{"bob@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, bob.ID, account.ID)
	assert.Equal(t, "77", account.ProviderID(ac.ProviderGithub))
}

func TestPasswordReset(t *testing.T) {
	h := newHarness(t)
	carol := h.register(t, "carol@example.com", "old-password")

	require.NoError(t, h.resolver.RequestPasswordReset(h.ctx, "Carol@example.com"))
	raw, ok := h.notifier.Last("reset", "carol@example.com")
	require.True(t, ok)
	require.NoError(t, h.resolver.VerifyResetToken(h.ctx, raw))

	_, err := h.resolver.ResetPassword(h.ctx, raw, "short")
	assert.ErrorIs(t, err, ac.ErrInvalidInput)

	updated, err := h.resolver.ResetPassword(h.ctx, raw, "new-password")
	require.NoError(t, err)
	assert.Equal(t, carol.ID, updated.ID)
	assert.False(t, updated.HasResetToken())

	_, err = h.resolver.AuthenticateWithPassword(h.ctx, "carol@example.com", "old-password")
	assert.ErrorIs(t, err, ac.ErrBadPassword)
	_, err = h.resolver.AuthenticateWithPassword(h.ctx, "carol@example.com", "new-password")
	assert.NoError(t, err)

	_, err = h.resolver.ResetPassword(h.ctx, raw, "another-password")
	assert.ErrorIs(t, err, ac.ErrResetTokenInvalid)
	assert.ErrorIs(t, h.resolver.VerifyResetToken(h.ctx, raw), ac.ErrResetTokenInvalid)
}

func TestPasswordReset_NewRequestReplacesOld(t *testing.T) {
	h := newHarness(t)
	h.register(t, "carol@example.com", "old-password")

	require.NoError(t, h.resolver.RequestPasswordReset(h.ctx, "carol@example.com"))
	first, _ := h.notifier.Last("reset", "carol@example.com")
	require.NoError(t, h.resolver.RequestPasswordReset(h.ctx, "carol@example.com"))
	second, _ := h.notifier.Last("reset", "carol@example.com")
	require.NotEqual(t, first, second)

	assert.ErrorIs(t, h.resolver.VerifyResetToken(h.ctx, first), ac.ErrResetTokenInvalid)
	assert.NoError(t, h.resolver.VerifyResetToken(h.ctx, second))
}

func TestPasswordReset_ExpiredAndUnknown(t *testing.T) {
	h := newHarness(t)
	h.register(t, "carol@example.com", "old-password")

	err := h.resolver.RequestPasswordReset(h.ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ac.ErrNotFound)

	require.NoError(t, h.resolver.RequestPasswordReset(h.ctx, "carol@example.com"))
	raw, _ := h.notifier.Last("reset", "carol@example.com")
	h.clock.Advance(ac.TokenExpiryPasswordReset)

	_, expired := h.resolver.ResetPassword(h.ctx, raw, "new-password")
	_, unknown := h.resolver.ResetPassword(h.ctx, "0123abcd", "new-password")
	assert.ErrorIs(t, expired, ac.ErrResetTokenInvalid)
	assert.ErrorIs(t, unknown, ac.ErrResetTokenInvalid)
	assert.Equal(t, ac.PublicMessage(expired), ac.PublicMessage(unknown))
}

func TestUpdateProfile(t *testing.T) {
	h := newHarness(t)
	alice := h.register(t, "alice@example.com", "wonderland")

	updated, err := h.resolver.UpdateProfile(h.ctx, alice.ID, ac.ProfileUpdate{
		LastName: strp("Liddell"), Nationality: strp("British"),
	}, &ac.Avatar{ContentType: "image/png", Body: bytes.NewReader([]byte("\x89PNG"))})
	require.NoError(t, err)
	assert.Equal(t, "Liddell", updated.Profile.LastName)
	assert.Equal(t, "Test", updated.Profile.FirstName)
	assert.Equal(t, "British", updated.Profile.Nationality)
	require.True(t, strings.HasPrefix(updated.Profile.AvatarURL, "https://cdn.example.com/avatars/"+alice.ID+"/"))
	assert.True(t, strings.HasSuffix(updated.Profile.AvatarURL, ".png"))
	assert.Equal(t, alice.Version+1, updated.Version)

	key := strings.TrimPrefix(updated.Profile.AvatarURL, "https://cdn.example.com/")
	blob, ok := h.blobs.Get(key)
	require.True(t, ok)
	assert.Equal(t, "image/png", blob.ContentType)

	// identity fields are untouched
	assert.Equal(t, alice.Email, updated.Email)
	assert.Equal(t, alice.Role, updated.Role)
	assert.Equal(t, alice.PasswordHash, updated.PasswordHash)
}

func TestUpdateProfile_Errors(t *testing.T) {
	h := newHarness(t)
	alice := h.register(t, "alice@example.com", "wonderland")

	_, err := h.resolver.UpdateProfile(h.ctx, "missing", ac.ProfileUpdate{LastName: strp("X")}, nil)
	assert.ErrorIs(t, err, ac.ErrNotFound)

	_, err = h.resolver.UpdateProfile(h.ctx, alice.ID, ac.ProfileUpdate{FirstName: strp("")}, nil)
	assert.ErrorIs(t, err, ac.ErrInvalidInput)

	_, err = h.resolver.UpdateProfile(h.ctx, alice.ID, ac.ProfileUpdate{},
		&ac.Avatar{ContentType: "application/pdf", Body: strings.NewReader("%PDF")})
	assert.ErrorIs(t, err, ac.ErrInvalidInput)

	h.resolver.Blobs = nil
	_, err = h.resolver.UpdateProfile(h.ctx, alice.ID, ac.ProfileUpdate{},
		&ac.Avatar{ContentType: "image/png", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, ac.ErrInvalidInput)
}
