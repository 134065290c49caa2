package client

import (
	"net/http"
)

// refreshTransport attaches the current access token to every request and
// refreshes once when the server answers 401
type refreshTransport struct {
	client *AuthClient
	base   http.RoundTripper
}

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.client.GetToken()
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(withBearer(req, token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || token == "" || !replayable(req) {
		return resp, nil
	}
	if !t.refresh() {
		return resp, nil
	}
	newToken, _ := t.client.GetToken()
	if newToken == "" || newToken == token {
		return resp, nil
	}

	retry := withBearer(req, newToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	resp.Body.Close()
	return t.base.RoundTrip(retry)
}

// refresh forces a refresh regardless of how long the access token has left
func (t *refreshTransport) refresh() bool {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	cred, _ := t.client.store.GetCredential(t.client.serverURL)
	if cred == nil || !cred.HasRefreshToken() {
		return false
	}
	return t.client.refreshTokenLocked(cred) == nil
}

// withBearer returns a copy of req carrying token. The caller's request is
// never mutated.
func withBearer(req *http.Request, token string) *http.Request {
	if token == "" {
		return req
	}
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+token)
	return out
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}
