// Package fs keeps client credentials in a JSON file readable only by its owner.
package fs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/panyam/authcore/client"
)

// DefaultAppName names the config directory when none is given
const DefaultAppName = "authcore"

// FSCredentialStore keeps one credential per server origin in a JSON file.
// Changes are held in memory until Save.
type FSCredentialStore struct {
	mu      sync.RWMutex
	path    string
	servers map[string]*client.ServerCredential
	dirty   bool
}

type credentialFile struct {
	Servers map[string]*client.ServerCredential `json:"servers"`
}

// NewFSCredentialStore opens the store at path, or at
// <user config dir>/<appName>/credentials.json when path is empty.
// A missing file is an empty store.
func NewFSCredentialStore(path string, appName string) (*FSCredentialStore, error) {
	if path == "" {
		var err error
		if path, err = defaultPath(appName); err != nil {
			return nil, err
		}
	}

	s := &FSCredentialStore{path: path, servers: map[string]*client.ServerCredential{}}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if file.Servers != nil {
		s.servers = file.Servers
	}
	return s, nil
}

func defaultPath(appName string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("could not determine config directory: %w", herr)
		}
		dir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = DefaultAppName
	}
	return filepath.Join(dir, appName, "credentials.json"), nil
}

// originKey reduces a server URL to scheme://host. A bare host is taken as https.
func originKey(serverURL string) (string, error) {
	raw := strings.TrimSpace(serverURL)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: no host", serverURL)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// GetCredential returns nil, nil when the server has no credential
func (s *FSCredentialStore) GetCredential(serverURL string) (*client.ServerCredential, error) {
	key, err := originKey(serverURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[key], nil
}

func (s *FSCredentialStore) SetCredential(serverURL string, cred *client.ServerCredential) error {
	key, err := originKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[key] = cred
	s.dirty = true
	return nil
}

func (s *FSCredentialStore) RemoveCredential(serverURL string) error {
	key, err := originKey(serverURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[key]; ok {
		delete(s.servers, key)
		s.dirty = true
	}
	return nil
}

// ListServers returns the stored origins in sorted order
func (s *FSCredentialStore) ListServers() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.servers))
	for k := range s.servers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Prune drops credentials that are expired and cannot be refreshed, and
// returns the origins it removed. Call Save to persist the result.
func (s *FSCredentialStore) Prune() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for k, cred := range s.servers {
		if cred == nil || !cred.Usable() {
			delete(s.servers, k)
			removed = append(removed, k)
		}
	}
	if len(removed) > 0 {
		s.dirty = true
	}
	sort.Strings(removed)
	return removed
}

// Save writes pending changes. The file is replaced atomically and is
// created with mode 0600 inside a 0700 directory.
func (s *FSCredentialStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(credentialFile{Servers: s.servers}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	s.dirty = false
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Path returns the path to the credentials file
func (s *FSCredentialStore) Path() string {
	return s.path
}
