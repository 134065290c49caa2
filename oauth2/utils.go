package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	oauthStateCookie    = "oauthstate"
	oauthCallbackCookie = "oauthCallbackURL"
	oauthStateTTL       = 10 * time.Minute
)

func generateStateOauthCookie(w http.ResponseWriter) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(oauthStateTTL),
		MaxAge:   int(oauthStateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Path: "/", MaxAge: -1})
}

// CallbackURLFromRequest returns the post-login URL remembered by OauthRedirector
func CallbackURLFromRequest(r *http.Request) string {
	if c, err := r.Cookie(oauthCallbackCookie); err == nil {
		return c.Value
	}
	return ""
}

// OauthRedirector sends the browser to the provider's consent page with a
// fresh state cookie. A "callbackURL" query parameter is remembered in a
// short lived cookie so the callback can return the user there.
func OauthRedirector(oauthConfig *oauth2.Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if callbackURL := r.URL.Query().Get("callbackURL"); callbackURL != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     oauthCallbackCookie,
				Value:    callbackURL,
				Path:     "/",
				Expires:  time.Now().Add(oauthStateTTL),
				MaxAge:   120, // keep this short
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		oauthState, err := generateStateOauthCookie(w)
		if err != nil {
			http.Error(w, "failed to start login", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, oauthConfig.AuthCodeURL(oauthState), http.StatusFound)
	}
}

// getJSON fetches url with the bearer token and decodes the response into out
func getJSON(ctx context.Context, client *http.Client, url string, token *oauth2.Token, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	response, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed getting %s: %w", url, err)
	}
	defer response.Body.Close()

	contents, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, response.StatusCode)
	}
	if err := json.Unmarshal(contents, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", url, err)
	}
	return nil
}
