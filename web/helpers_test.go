package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alexedwards/scs/v2"
	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/stores/memory"
	"github.com/panyam/authcore/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAccessSecret    = "access-secret-0123456789abcdefghijklmnop"
	testRefreshSecret   = "refresh-secret-0123456789abcdefghijklmno"
	testMagicLinkSecret = "magic-secret-0123456789abcdefghijklmnopq"
	testClientURL       = "http://app.example.com"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string]string
}

func (n *recordingNotifier) record(kind, email, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = map[string]string{}
	}
	n.sent[kind+":"+email] = value
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

func (n *recordingNotifier) Last(kind, email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[kind+":"+email]
}

type testEnv struct {
	t        *testing.T
	srv      *web.Server
	server   *httptest.Server
	client   *http.Client
	accounts *memory.AccountRepository
	blobs    *memory.BlobStore
	notifier *recordingNotifier
	registry *prometheus.Registry
}

func newEnv(t *testing.T, opts ...func(*web.Server)) *testEnv {
	t.Helper()
	e := &testEnv{
		t:        t,
		accounts: memory.NewAccountRepository(),
		blobs:    memory.NewBlobStore("https://cdn.example.com"),
		notifier: &recordingNotifier{},
		registry: prometheus.NewRegistry(),
	}
	tokens, err := ac.NewTokenIssuer(ac.TokenIssuerConfig{
		AccessSecret:    testAccessSecret,
		RefreshSecret:   testRefreshSecret,
		MagicLinkSecret: testMagicLinkSecret,
	})
	require.NoError(t, err)

	resolver := &ac.IdentityResolver{
		Accounts:    e.accounts,
		SideChannel: &ac.SideChannel{Otps: ac.NewMemoryOtpStore(), Accounts: e.accounts},
		Hasher:      &ac.BcryptHasher{Cost: bcrypt.MinCost},
		Tokens:      tokens,
		Notifier:    e.notifier,
		Blobs:       e.blobs,
	}
	e.srv = &web.Server{
		Sessions: &ac.SessionManager{
			Resolver: resolver,
			Accounts: e.accounts,
			Tokens:   tokens,
			Notifier: e.notifier,
			Ledger:   ac.NewMemoryRefreshLedger(),
		},
		Resolver:  resolver,
		Browser:   scs.New(),
		ClientURL: testClientURL,
		Metrics:   web.NewMetrics(e.registry),
	}
	for _, opt := range opts {
		opt(e.srv)
	}
	e.server = httptest.NewServer(e.srv.Handler())
	t.Cleanup(e.server.Close)
	e.client = e.newClient()
	return e
}

// newClient returns a browser-like client with its own cookie jar that does
// not follow redirects
func (e *testEnv) newClient() *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(e.t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) request(client *http.Client, method, path string, body any, headers ...string) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := client.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) do(method, path string, body any, headers ...string) *http.Response {
	e.t.Helper()
	return e.request(e.client, method, path, body, headers...)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type tokenBody struct {
	Message          string `json:"message"`
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	User             struct {
		ID        string  `json:"id"`
		Email     string  `json:"email"`
		Role      ac.Role `json:"role"`
		FirstName string  `json:"firstName"`
	} `json:"user"`
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// register signs up through the HTTP surface, which also logs client in
func (e *testEnv) register(client *http.Client, email, password string) tokenBody {
	e.t.Helper()
	resp := e.request(client, http.MethodPost, "/api/auth/send-otp", map[string]string{"email": email})
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	otp := e.notifier.Last("otp", ac.NormalizeEmail(email))
	require.NotEmpty(e.t, otp)

	resp = e.request(client, http.MethodPost, "/api/auth/register", map[string]string{
		"email":     email,
		"password":  password,
		"firstName": "Test",
		"lastName":  "User",
		"otp":       otp,
	})
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)
	return decode[tokenBody](e.t, resp)
}

func cookieNamed(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (e *testEnv) promote(t *testing.T, id string) {
	t.Helper()
	admin := ac.RoleAdmin
	_, err := e.accounts.Update(context.Background(), id, ac.AccountUpdate{Role: &admin})
	require.NoError(t, err)
}
