package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState is the position of a login attempt in its lifecycle:
//
//	Anonymous -> Resolving -> Authenticated | Rejected
//	Authenticated -> Refreshing -> Authenticated
//	Authenticated -> Ended -> Anonymous
type SessionState string

const (
	StateAnonymous     SessionState = "anonymous"
	StateResolving     SessionState = "resolving"
	StateAuthenticated SessionState = "authenticated"
	StateRejected      SessionState = "rejected"
	StateRefreshing    SessionState = "refreshing"
	StateEnded         SessionState = "ended"
)

// Session is the token pair handed to the transport after a login. On a
// plain refresh only the access token is set.
type Session struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken,omitempty"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty"`
	Account          *Account  `json:"account,omitempty"`
}

// SessionManager mints, refreshes and ends sessions. Every login path goes
// through StartSession.
type SessionManager struct {
	Resolver *IdentityResolver
	Accounts AccountRepository
	Tokens   *TokenIssuer
	Notifier Notifier

	// Ledger enables refresh token rotation with reuse detection. When nil,
	// refresh tokens are stateless and live for their full TTL.
	Ledger RefreshLedger

	Logger *zap.Logger
}

func (m *SessionManager) log() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// Login resolves any login variant and starts a session for the account
func (m *SessionManager) Login(ctx context.Context, login Login) (*Session, error) {
	logger := m.log().With(zap.String("method", string(login.Method())))
	logger.Debug("login", zap.String("state", string(StateResolving)))

	account, err := m.Resolver.Resolve(ctx, login)
	if err != nil {
		logger.Info("login rejected",
			zap.String("state", string(StateRejected)), zap.String("reason", string(ReasonOf(err))))
		return nil, err
	}
	session, err := m.StartSession(ctx, account)
	if err != nil {
		return nil, err
	}
	logger.Info("login", zap.String("state", string(StateAuthenticated)), zap.String("account_id", account.ID))
	return session, nil
}

// StartSession mints an access and refresh token for account
func (m *SessionManager) StartSession(ctx context.Context, account *Account) (*Session, error) {
	if account == nil || account.ID == "" {
		return nil, Invalid("account is required")
	}
	access, accessExp, err := m.Tokens.Issue(PurposeAccess, Claims{AccountID: account.ID, Role: account.Role}, 0)
	if err != nil {
		return nil, err
	}

	refreshClaims := Claims{AccountID: account.ID}
	if m.Ledger != nil {
		refreshClaims.ID = uuid.NewString()
		refreshClaims.Family = uuid.NewString()
	}
	refresh, refreshExp, err := m.Tokens.Issue(PurposeRefresh, refreshClaims, 0)
	if err != nil {
		return nil, err
	}
	if m.Ledger != nil {
		rec := RefreshRecord{ID: refreshClaims.ID, Family: refreshClaims.Family, AccountID: account.ID, ExpiresAt: refreshExp}
		if err := m.Ledger.Record(ctx, rec); err != nil {
			return nil, Dependency("record refresh token", err)
		}
	}

	return &Session{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		Account:          account,
	}, nil
}

// Refresh mints a new access token from a refresh token. The account is
// reloaded so a deleted account cannot keep refreshing. With a Ledger the
// refresh token is rotated too, and replaying an old one revokes the family.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := m.Tokens.Verify(PurposeRefresh, refreshToken)
	if errors.Is(err, ErrExpiredToken) {
		return nil, err
	}
	if err != nil {
		return nil, ErrInvalidToken.WithMessage("invalid refresh token").Wrap(err)
	}
	logger := m.log().With(zap.String("account_id", claims.AccountID))
	logger.Debug("refresh", zap.String("state", string(StateRefreshing)))

	account, err := m.Accounts.FindByID(ctx, claims.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAccountGone
	}
	if err != nil {
		return nil, Dependency("find account by id", err)
	}

	session := &Session{Account: account}
	if m.Ledger != nil && claims.ID != "" {
		next := Claims{AccountID: account.ID, Family: claims.Family}
		next.ID = uuid.NewString()
		refresh, refreshExp, err := m.Tokens.Issue(PurposeRefresh, next, 0)
		if err != nil {
			return nil, err
		}
		rec := RefreshRecord{ID: next.ID, Family: claims.Family, AccountID: account.ID, ExpiresAt: refreshExp}
		if err := m.Ledger.Rotate(ctx, claims.ID, rec); err != nil {
			if errors.Is(err, ErrTokenReused) {
				if revokeErr := m.Ledger.RevokeFamily(ctx, claims.Family); revokeErr != nil {
					logger.Warn("failed to revoke token family", zap.Error(revokeErr))
				}
				logger.Warn("refresh token reuse detected")
				return nil, ErrTokenReused
			}
			if errors.Is(err, ErrInvalidToken) {
				return nil, ErrInvalidToken.WithMessage("invalid refresh token").Wrap(err)
			}
			return nil, Dependency("rotate refresh token", err)
		}
		session.RefreshToken = refresh
		session.RefreshExpiresAt = refreshExp
	}

	access, accessExp, err := m.Tokens.Issue(PurposeAccess, Claims{AccountID: account.ID, Role: account.Role}, 0)
	if err != nil {
		return nil, err
	}
	session.AccessToken = access
	session.AccessExpiresAt = accessExp
	logger.Debug("refresh", zap.String("state", string(StateAuthenticated)))
	return session, nil
}

// RequestMagicLink emails a single purpose login token to a registered email.
// Unknown emails fail with ErrNotFound and nothing is sent.
func (m *SessionManager) RequestMagicLink(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return err
	}
	account, err := m.Accounts.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound.WithMessage("user not found")
	}
	if err != nil {
		return Dependency("find account by email", err)
	}

	token, _, err := m.Tokens.Issue(PurposeMagicLink, Claims{AccountID: account.ID}, 0)
	if err != nil {
		return err
	}
	if err := m.Notifier.SendMagicLink(ctx, account.Email, token); err != nil {
		return notificationFailed(err)
	}
	m.log().Info("magic link sent", zap.String("account_id", account.ID))
	return nil
}

// ConsumeMagicLink verifies a magic link token and starts a session
func (m *SessionManager) ConsumeMagicLink(ctx context.Context, token string) (*Session, error) {
	return m.Login(ctx, MagicLinkLogin{Token: token})
}

// Authenticate verifies an access token and reloads its account
func (m *SessionManager) Authenticate(ctx context.Context, accessToken string) (*Account, error) {
	claims, err := m.Tokens.Verify(PurposeAccess, accessToken)
	if err != nil {
		return nil, err
	}
	account, err := m.Accounts.FindByID(ctx, claims.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAccountGone
	}
	if err != nil {
		return nil, Dependency("find account by id", err)
	}
	return account, nil
}

// EndSession tells the transport to drop both tokens. Without a Ledger this
// is purely client side. With one, the refresh token's family is revoked so
// copies of it stop working too.
func (m *SessionManager) EndSession(ctx context.Context, refreshToken string) error {
	if m.Ledger == nil || refreshToken == "" {
		return nil
	}
	claims, err := m.Tokens.Verify(PurposeRefresh, refreshToken)
	if err != nil || claims.Family == "" {
		// nothing to revoke; logging out must still succeed
		return nil
	}
	if err := m.Ledger.RevokeFamily(ctx, claims.Family); err != nil {
		return Dependency("revoke token family", err)
	}
	m.log().Info("session ended", zap.String("state", string(StateEnded)), zap.String("account_id", claims.AccountID))
	return nil
}
