package authcore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/stores/memory"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAccessSecret    = "access-secret-0123456789abcdefghijklmnop"
	testRefreshSecret   = "refresh-secret-0123456789abcdefghijklmno"
	testMagicLinkSecret = "magic-secret-0123456789abcdefghijklmnopq"
)

// clock is a settable time source shared by every component of a harness
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	Kind  string
	Email string
	Value string
}

// recordingNotifier remembers what would have been emailed
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	Fail bool
}

func (n *recordingNotifier) record(kind, email, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return errors.New("smtp: connection refused")
	}
	n.sent = append(n.sent, sentMessage{Kind: kind, Email: email, Value: value})
	return nil
}

func (n *recordingNotifier) SendOtp(ctx context.Context, email, code string) error {
	return n.record("otp", email, code)
}

func (n *recordingNotifier) SendPasswordReset(ctx context.Context, email, rawToken string) error {
	return n.record("reset", email, rawToken)
}

func (n *recordingNotifier) SendMagicLink(ctx context.Context, email, rawToken string) error {
	return n.record("magic", email, rawToken)
}

// Last returns the most recent value of kind sent to email
func (n *recordingNotifier) Last(kind, email string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Kind == kind && n.sent[i].Email == email {
			return n.sent[i].Value, true
		}
	}
	return "", false
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type harness struct {
	ctx      context.Context
	clock    *clock
	accounts *memory.AccountRepository
	otps     *ac.MemoryOtpStore
	notifier *recordingNotifier
	blobs    *memory.BlobStore
	tokens   *ac.TokenIssuer
	side     *ac.SideChannel
	resolver *ac.IdentityResolver
	sessions *ac.SessionManager
	ledger   *ac.MemoryRefreshLedger
}

type harnessOption func(*harness)

func withLedger() harnessOption {
	return func(h *harness) {
		h.ledger = ac.NewMemoryRefreshLedger()
		h.ledger.Now = h.clock.Now
		h.sessions.Ledger = h.ledger
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		ctx:      context.Background(),
		clock:    &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		accounts: memory.NewAccountRepository(),
		otps:     ac.NewMemoryOtpStore(),
		notifier: &recordingNotifier{},
		blobs:    memory.NewBlobStore("https://cdn.example.com"),
	}
	h.accounts.Now = h.clock.Now

	tokens, err := ac.NewTokenIssuer(ac.TokenIssuerConfig{
		AccessSecret:    testAccessSecret,
		RefreshSecret:   testRefreshSecret,
		MagicLinkSecret: testMagicLinkSecret,
	})
	require.NoError(t, err)
	tokens.Now = h.clock.Now
	h.tokens = tokens

	h.side = &ac.SideChannel{Otps: h.otps, Accounts: h.accounts, Now: h.clock.Now}
	h.resolver = &ac.IdentityResolver{
		Accounts:    h.accounts,
		SideChannel: h.side,
		Hasher:      &ac.BcryptHasher{Cost: bcrypt.MinCost},
		Tokens:      tokens,
		Notifier:    h.notifier,
		Blobs:       h.blobs,
	}
	h.sessions = &ac.SessionManager{
		Resolver: h.resolver,
		Accounts: h.accounts,
		Tokens:   tokens,
		Notifier: h.notifier,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// register runs the OTP registration flow for email with password
func (h *harness) register(t *testing.T, email, password string) *ac.Account {
	t.Helper()
	require.NoError(t, h.resolver.RequestOtp(h.ctx, email))
	code, ok := h.notifier.Last("otp", ac.NormalizeEmail(email))
	require.True(t, ok, "no otp sent to %s", email)
	account, err := h.resolver.RegisterWithOtp(h.ctx, ac.RegistrationProfile{
		Email:     email,
		Password:  password,
		FirstName: "Test",
		LastName:  "User",
	}, code)
	require.NoError(t, err)
	return account
}
