package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

type fakeServer struct {
	*httptest.Server
	logouts int32
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Email, Password string }
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body.Password != "correct horse" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"bad_password","error_description":"invalid credentials"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user":          map[string]string{"id": "u1", "email": body.Email, "role": "ADMIN"},
			"access_token":  "access-1",
			"token_type":    "Bearer",
			"expires_in":    900,
			"refresh_token": "refresh-1",
		})
	})
	mux.HandleFunc("GET /api/users/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"u1","email":"ann@example.com","role":"ADMIN","profile":{"firstName":"Ann"}}`))
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fs.logouts, 1)
		w.Write([]byte(`{"message":"logged out"}`))
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestLoginWhoamiLogout(t *testing.T) {
	srv := newFakeServer(t)
	creds := filepath.Join(t.TempDir(), "credentials.json")
	base := []string{"-server", srv.URL, "-credentials", creds}

	out, err := runCLI(t, "correct horse\n", append(base, "login", "-email", "ann@example.com")...)
	if err != nil {
		t.Fatalf("login error = %v", err)
	}
	if !strings.Contains(out, "as ann@example.com (ADMIN)") {
		t.Errorf("login output = %q", out)
	}

	out, err = runCLI(t, "", append(base, "whoami")...)
	if err != nil {
		t.Fatalf("whoami error = %v", err)
	}
	for _, want := range []string{"id:    u1", "role:  ADMIN", "name:  Ann"} {
		if !strings.Contains(out, want) {
			t.Errorf("whoami output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "", append(base, "status")...)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, srv.URL+"\tann@example.com\tvalid until") {
		t.Errorf("status output = %q", out)
	}

	if _, err := runCLI(t, "", append(base, "logout")...); err != nil {
		t.Fatalf("logout error = %v", err)
	}
	if n := atomic.LoadInt32(&srv.logouts); n != 1 {
		t.Errorf("server logouts = %d, want 1", n)
	}

	if _, err := runCLI(t, "", append(base, "whoami")...); err == nil {
		t.Error("whoami after logout error = nil, want not logged in")
	}
	out, _ = runCLI(t, "", append(base, "status")...)
	if !strings.Contains(out, "no stored credentials") {
		t.Errorf("status after logout = %q", out)
	}
}

func TestLogin_BadPassword(t *testing.T) {
	srv := newFakeServer(t)
	creds := filepath.Join(t.TempDir(), "credentials.json")

	_, err := runCLI(t, "", "-server", srv.URL, "-credentials", creds, "login", "-email", "ann@example.com", "-password", "nope")
	if err == nil || !strings.Contains(err.Error(), "invalid credentials") {
		t.Errorf("login error = %v, want invalid credentials", err)
	}
}

func TestUsageErrors(t *testing.T) {
	creds := filepath.Join(t.TempDir(), "credentials.json")
	tests := []struct {
		name string
		args []string
	}{
		{"no command", []string{"-credentials", creds}},
		{"unknown command", []string{"-credentials", creds, "dance"}},
		{"unknown flag", []string{"-verbose"}},
		{"login without email", []string{"-credentials", creds, "login"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, "", tt.args...); !errors.Is(err, errUsage) {
				t.Errorf("run(%v) error = %v, want usage error", tt.args, err)
			}
		})
	}
}
