package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IdentityResolver turns a login credential into exactly one account. It
// owns account creation and provider linking, plus the OTP, password reset
// and profile flows that mutate an account outside a session.
type IdentityResolver struct {
	Accounts    AccountRepository
	SideChannel *SideChannel
	Hasher      Hasher
	Tokens      *TokenIssuer
	Notifier    Notifier
	Blobs       BlobStore // optional, needed for avatar uploads

	// FoldProviderOnly reports ProviderOnlyAccount with the generic invalid
	// credentials message instead of pointing at provider login.
	FoldProviderOnly bool

	OtpTTL   time.Duration
	ResetTTL time.Duration

	Logger *zap.Logger

	dummyOnce sync.Once
	dummyHash string
}

func (r *IdentityResolver) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *IdentityResolver) hasher() Hasher {
	if r.Hasher == nil {
		return &BcryptHasher{}
	}
	return r.Hasher
}

// Resolve dispatches on the login variant
func (r *IdentityResolver) Resolve(ctx context.Context, login Login) (*Account, error) {
	switch l := login.(type) {
	case PasswordLogin:
		return r.AuthenticateWithPassword(ctx, l.Email, l.Password)
	case ProviderLogin:
		return r.ResolveProviderIdentity(ctx, l.Profile)
	case MagicLinkLogin:
		return r.resolveMagicLink(ctx, l.Token)
	default:
		return nil, Invalid("unsupported login %T", login)
	}
}

// RequestOtp sends a fresh registration code to an email that is not yet
// registered. Any earlier code for the email stops working.
func (r *IdentityResolver) RequestOtp(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}
	_, err := r.Accounts.FindByEmail(ctx, email)
	if err == nil {
		return ErrEmailTaken
	}
	if !errors.Is(err, ErrNotFound) {
		return Dependency("find account by email", err)
	}

	code, err := GenerateOtp()
	if err != nil {
		return Dependency("generate otp", err)
	}
	if err := r.SideChannel.PutOtp(ctx, email, code, r.OtpTTL); err != nil {
		return err
	}
	if err := r.Notifier.SendOtp(ctx, email, code); err != nil {
		return notificationFailed(err)
	}
	return nil
}

// RegisterWithOtp creates a password account for profile once code proves
// ownership of the email. The OTP is spent by this call whatever the outcome,
// except when a dependency fails after a correct code, in which case it is
// put back so the caller can retry.
func (r *IdentityResolver) RegisterWithOtp(ctx context.Context, profile RegistrationProfile, code string) (*Account, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	entry, err := r.SideChannel.consumeOtp(ctx, profile.Email, code)
	if err != nil {
		return nil, err
	}

	account, err := r.createPasswordAccount(ctx, &profile)
	if err != nil {
		if Retryable(err) {
			r.SideChannel.restoreOtp(ctx, profile.Email, entry)
		}
		return nil, err
	}
	r.log().Info("account registered", zap.String("account_id", account.ID), zap.String("method", string(MethodPassword)))
	return account, nil
}

func (r *IdentityResolver) createPasswordAccount(ctx context.Context, profile *RegistrationProfile) (*Account, error) {
	if _, err := r.Accounts.FindByEmail(ctx, profile.Email); err == nil {
		return nil, ErrEmailTaken.WithMessage("email already exists")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, Dependency("find account by email", err)
	}

	hash, err := r.hasher().Hash(profile.Password)
	if err != nil {
		return nil, err
	}
	account, err := r.Accounts.Create(ctx, &Account{
		Email:        profile.Email,
		PasswordHash: hash,
		Role:         RoleStandard,
		Profile: Profile{
			FirstName: profile.FirstName,
			LastName:  profile.LastName,
			Phone:     profile.Phone,
		},
	})
	if errors.Is(err, ErrConflict) {
		return nil, ErrEmailTaken.WithMessage("email already exists").Wrap(err)
	}
	if err != nil {
		return nil, Dependency("create account", err)
	}
	return account, nil
}

// AuthenticateWithPassword checks an email and password.
//
// NotFound and BadPassword both carry the message "invalid credentials" so
// the outward response does not reveal which emails exist. Their Reason
// still tells them apart for logging.
func (r *IdentityResolver) AuthenticateWithPassword(ctx context.Context, email, password string) (*Account, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, Invalid("email and password are required")
	}
	account, err := r.Accounts.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		// Spend the same bcrypt time as a real comparison
		r.hasher().Verify(password, r.dummy())
		return nil, ErrNotFound.WithMessage(invalidCredentials)
	}
	if err != nil {
		return nil, Dependency("find account by email", err)
	}

	if !account.HasPassword() {
		if len(account.ProviderIDs) > 0 {
			if r.FoldProviderOnly {
				return nil, ErrProviderOnlyAccount.WithMessage(invalidCredentials)
			}
			return nil, ErrProviderOnlyAccount
		}
		return nil, ErrBadPassword
	}
	if !r.hasher().Verify(password, account.PasswordHash) {
		return nil, ErrBadPassword
	}
	return account, nil
}

func (r *IdentityResolver) dummy() string {
	r.dummyOnce.Do(func() {
		h, err := r.hasher().Hash("not-a-real-password-for-timing")
		if err == nil {
			r.dummyHash = h
		}
	})
	return r.dummyHash
}

// ResolveProviderIdentity finds or creates the account for an external identity:
//
//  1. an account already linked to the provider id is returned as is
//  2. otherwise an account owning one of the profile's emails gets the
//     provider id linked onto it
//  3. otherwise a new provider-only account is created
//
// A unique constraint conflict from a concurrent login is retried once, which
// then finds the winner's account in tier 1 or 2.
func (r *IdentityResolver) ResolveProviderIdentity(ctx context.Context, profile ProviderProfile) (*Account, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		account, err := r.resolveProvider(ctx, &profile)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		r.log().Info("provider resolution conflict, retrying",
			zap.String("provider", string(profile.Provider)), zap.Int("attempt", attempt+1))
		lastErr = err
	}
	return nil, ErrConflict.WithMessage("concurrent login, please retry").Wrap(lastErr)
}

func (r *IdentityResolver) resolveProvider(ctx context.Context, profile *ProviderProfile) (*Account, error) {
	account, err := r.Accounts.FindByProviderID(ctx, profile.Provider, profile.ProviderID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, Dependency("find account by provider", err)
	}

	taken := map[string]bool{}
	for _, email := range profile.Emails {
		account, err := r.Accounts.FindByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, Dependency("find account by email", err)
		}
		taken[email] = true
		if account.ProviderID(profile.Provider) != "" {
			// Owned by a different identity of the same provider; never steal it
			continue
		}
		linked, err := r.Accounts.Update(ctx, account.ID, AccountUpdate{
			LinkProvider:  &ProviderLink{Provider: profile.Provider, ID: profile.ProviderID},
			ExpectVersion: account.Version,
		})
		if err != nil {
			return nil, Dependency("link provider", err)
		}
		r.log().Info("provider linked",
			zap.String("account_id", linked.ID), zap.String("provider", string(profile.Provider)))
		return linked, nil
	}

	email := PlaceholderEmail(profile.Provider, profile.ProviderID)
	for _, e := range profile.Emails {
		if !taken[e] {
			email = e
			break
		}
	}
	created, err := r.Accounts.Create(ctx, &Account{
		Email:       email,
		LoginID:     profile.LoginID(),
		Role:        RoleStandard,
		ProviderIDs: map[Provider]string{profile.Provider: profile.ProviderID},
		Profile:     profile.profile(),
	})
	if err != nil {
		return nil, Dependency("create provider account", err)
	}
	r.log().Info("account registered",
		zap.String("account_id", created.ID), zap.String("method", string(MethodProvider)),
		zap.String("provider", string(profile.Provider)))
	return created, nil
}

func (r *IdentityResolver) resolveMagicLink(ctx context.Context, token string) (*Account, error) {
	claims, err := r.Tokens.Verify(PurposeMagicLink, token)
	switch {
	case err == nil:
	case errors.Is(err, ErrWrongPurpose):
		return nil, err
	case errors.Is(err, ErrInvalidInput):
		return nil, err
	case errors.Is(err, ErrExpiredToken):
		return nil, ErrExpiredToken.WithMessage("magic link expired")
	default:
		return nil, ErrInvalidToken.WithMessage("invalid magic link").Wrap(err)
	}
	account, err := r.Accounts.FindByID(ctx, claims.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound.WithMessage("user not found")
	}
	if err != nil {
		return nil, Dependency("find account by id", err)
	}
	return account, nil
}

// RequestPasswordReset emails a reset link to a registered email. The raw
// token only exists in the email; the account stores its digest.
func (r *IdentityResolver) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}
	account, err := r.Accounts.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound.WithMessage("user not found")
	}
	if err != nil {
		return Dependency("find account by email", err)
	}

	raw, err := GenerateSecureToken()
	if err != nil {
		return Dependency("generate reset token", err)
	}
	if _, err := r.SideChannel.PutResetDigest(ctx, account, DigestToken(raw), r.ResetTTL); err != nil {
		return err
	}
	if err := r.Notifier.SendPasswordReset(ctx, account.Email, raw); err != nil {
		return notificationFailed(err)
	}
	r.log().Info("password reset requested", zap.String("account_id", account.ID))
	return nil
}

// VerifyResetToken reports whether rawToken could currently reset a password
func (r *IdentityResolver) VerifyResetToken(ctx context.Context, rawToken string) error {
	_, err := r.SideChannel.CheckResetDigest(ctx, rawToken)
	return err
}

// ResetPassword sets a new password and spends the reset token in a single
// conditional update.
func (r *IdentityResolver) ResetPassword(ctx context.Context, rawToken, newPassword string) (*Account, error) {
	if err := ValidatePassword(newPassword); err != nil {
		return nil, err
	}
	hash, err := r.hasher().Hash(newPassword)
	if err != nil {
		return nil, err
	}
	account, err := r.SideChannel.consumeReset(ctx, rawToken, AccountUpdate{PasswordHash: &hash})
	if err != nil {
		return nil, err
	}
	r.log().Info("password reset", zap.String("account_id", account.ID))
	return account, nil
}

// UpdateProfile changes the descriptive fields of an account and optionally
// stores a new avatar.
func (r *IdentityResolver) UpdateProfile(ctx context.Context, accountID string, update ProfileUpdate, avatar *Avatar) (*Account, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	account, err := r.Accounts.FindByID(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound.WithMessage("user not found")
	}
	if err != nil {
		return nil, Dependency("find account by id", err)
	}

	profile := update.ApplyTo(account.Profile)
	if avatar != nil {
		url, err := r.storeAvatar(ctx, accountID, avatar)
		if err != nil {
			return nil, err
		}
		profile.AvatarURL = url
	}
	updated, err := r.Accounts.Update(ctx, accountID, AccountUpdate{Profile: &profile, ExpectVersion: account.Version})
	if err != nil {
		return nil, Dependency("update profile", err)
	}
	return updated, nil
}

func (r *IdentityResolver) storeAvatar(ctx context.Context, accountID string, avatar *Avatar) (string, error) {
	if r.Blobs == nil {
		return "", Invalid("avatar uploads are not enabled")
	}
	ext, ok := AvatarExtension(avatar.ContentType)
	if !ok {
		return "", Invalid("unsupported image type %q", avatar.ContentType)
	}
	name, err := GenerateSecureToken()
	if err != nil {
		return "", Dependency("generate avatar name", err)
	}
	key := fmt.Sprintf("avatars/%s/%s%s", accountID, name[:16], ext)
	url, err := r.Blobs.Put(ctx, key, avatar.ContentType, avatar.Body)
	if err != nil {
		return "", Dependency("store avatar", err)
	}
	return url, nil
}
