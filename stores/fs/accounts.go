// Package fs stores accounts, refresh token records and uploaded blobs as
// files under a single directory. It suits single-node deployments and local
// development.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ac "github.com/panyam/authcore"
)

// fsAccount is the on-disk form of an account. Unlike authcore.Account it
// serializes the password hash and reset digest.
type fsAccount struct {
	ID             string                 `json:"id"`
	Email          string                 `json:"email"`
	LoginID        string                 `json:"login_id,omitempty"`
	PasswordHash   string                 `json:"password_hash,omitempty"`
	Role           ac.Role                `json:"role"`
	ProviderIDs    map[ac.Provider]string `json:"provider_ids,omitempty"`
	Profile        ac.Profile             `json:"profile"`
	ResetDigest    string                 `json:"reset_digest,omitempty"`
	ResetExpiresAt time.Time              `json:"reset_expires_at,omitempty"`
	Version        int                    `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func toFS(a *ac.Account) *fsAccount {
	return &fsAccount{
		ID: a.ID, Email: a.Email, LoginID: a.LoginID, PasswordHash: a.PasswordHash,
		Role: a.Role, ProviderIDs: a.ProviderIDs, Profile: a.Profile,
		ResetDigest: a.ResetDigest, ResetExpiresAt: a.ResetExpiresAt,
		Version: a.Version, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
}

func (f *fsAccount) account() *ac.Account {
	return &ac.Account{
		ID: f.ID, Email: f.Email, LoginID: f.LoginID, PasswordHash: f.PasswordHash,
		Role: f.Role, ProviderIDs: f.ProviderIDs, Profile: f.Profile,
		ResetDigest: f.ResetDigest, ResetExpiresAt: f.ResetExpiresAt,
		Version: f.Version, CreatedAt: f.CreatedAt, UpdatedAt: f.UpdatedAt,
	}
}

// indexEntry points a unique key at the account owning it
type indexEntry struct {
	AccountID string `json:"account_id"`
}

// FSAccountRepository stores each account as accounts/<id>.json with small
// index files for email, provider id and reset digest lookups. A single
// mutex serializes writers within the process.
type FSAccountRepository struct {
	StoragePath string
	Now         func() time.Time

	mu sync.RWMutex
}

func NewFSAccountRepository(storagePath string) *FSAccountRepository {
	return &FSAccountRepository{StoragePath: storagePath}
}

func (s *FSAccountRepository) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *FSAccountRepository) accountPath(id string) string {
	// filepath.Base prevents path traversal through crafted ids
	return filepath.Join(s.StoragePath, "accounts", filepath.Base(id)+".json")
}

func (s *FSAccountRepository) indexPath(kind string, parts ...string) string {
	return filepath.Join(s.StoragePath, "index", kind, hashKey(parts...)+".json")
}

func (s *FSAccountRepository) emailIndex(email string) string {
	return s.indexPath("email", email)
}

func (s *FSAccountRepository) providerIndex(provider ac.Provider, id string) string {
	return s.indexPath("provider", string(provider), id)
}

func (s *FSAccountRepository) resetIndex(digest string) string {
	return s.indexPath("reset", digest)
}

func (s *FSAccountRepository) FindByID(ctx context.Context, id string) (*ac.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return rec.account(), nil
}

func (s *FSAccountRepository) FindByEmail(ctx context.Context, email string) (*ac.Account, error) {
	return s.findByIndex(s.emailIndex(ac.NormalizeEmail(email)))
}

func (s *FSAccountRepository) FindByProviderID(ctx context.Context, provider ac.Provider, providerID string) (*ac.Account, error) {
	return s.findByIndex(s.providerIndex(provider, providerID))
}

func (s *FSAccountRepository) FindByResetDigest(ctx context.Context, digest string) (*ac.Account, error) {
	if digest == "" {
		return nil, ac.ErrNotFound
	}
	return s.findByIndex(s.resetIndex(digest))
}

func (s *FSAccountRepository) findByIndex(path string) (*ac.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, err := s.owner(path)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, ac.ErrNotFound
	}
	rec, err := s.load(owner)
	if err != nil {
		return nil, err
	}
	return rec.account(), nil
}

// owner returns the account id an index file points at, or "" if absent
func (s *FSAccountRepository) owner(path string) (string, error) {
	var entry indexEntry
	if err := readJSON(path, &entry); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", ac.Dependency("read index", err)
	}
	return entry.AccountID, nil
}

func (s *FSAccountRepository) load(id string) (*fsAccount, error) {
	if id == "" {
		return nil, ac.ErrNotFound
	}
	var rec fsAccount
	if err := readJSON(s.accountPath(id), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ac.ErrNotFound
		}
		return nil, ac.Dependency("read account", err)
	}
	return &rec, nil
}

func (s *FSAccountRepository) Create(ctx context.Context, account *ac.Account) (*ac.Account, error) {
	a := account.Clone()
	a.Email = ac.NormalizeEmail(a.Email)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = ac.RoleStandard
	}
	now := s.now()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	if err := a.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.accountPath(a.ID)); err == nil {
		return nil, ac.ErrConflict.WithMessage("account id already exists")
	}
	if err := s.checkUnique(a); err != nil {
		return nil, err
	}
	if err := s.save(nil, a); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

func (s *FSAccountRepository) Update(ctx context.Context, id string, fields ac.AccountUpdate) (*ac.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	current := rec.account()
	next := current.Clone()
	if err := fields.Apply(next, s.now()); err != nil {
		return nil, err
	}
	if err := s.checkUnique(next); err != nil {
		return nil, err
	}
	if err := s.save(current, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *FSAccountRepository) checkUnique(a *ac.Account) error {
	owner, err := s.owner(s.emailIndex(a.Email))
	if err != nil {
		return err
	}
	if owner != "" && owner != a.ID {
		return ac.ErrConflict.WithMessage("email already exists")
	}
	for p, pid := range a.ProviderIDs {
		owner, err := s.owner(s.providerIndex(p, pid))
		if err != nil {
			return err
		}
		if owner != "" && owner != a.ID {
			return ac.ErrConflict.WithMessage("provider identity already linked")
		}
	}
	return nil
}

// save writes next and moves its index entries off whatever prev owned.
// Caller must hold s.mu.
func (s *FSAccountRepository) save(prev, next *ac.Account) error {
	if err := writeJSON(s.accountPath(next.ID), toFS(next)); err != nil {
		return ac.Dependency("write account", err)
	}

	wanted := map[string]bool{s.emailIndex(next.Email): true}
	for p, pid := range next.ProviderIDs {
		wanted[s.providerIndex(p, pid)] = true
	}
	if next.ResetDigest != "" {
		wanted[s.resetIndex(next.ResetDigest)] = true
	}
	if prev != nil {
		stale := []string{s.emailIndex(prev.Email)}
		for p, pid := range prev.ProviderIDs {
			stale = append(stale, s.providerIndex(p, pid))
		}
		if prev.ResetDigest != "" {
			stale = append(stale, s.resetIndex(prev.ResetDigest))
		}
		for _, path := range stale {
			if wanted[path] {
				continue
			}
			if err := removeIfExists(path); err != nil {
				return ac.Dependency("remove index", err)
			}
		}
	}
	for path := range wanted {
		if err := writeJSON(path, indexEntry{AccountID: next.ID}); err != nil {
			return ac.Dependency("write index", err)
		}
	}
	return nil
}

// ListAccounts returns accounts newest first
func (s *FSAccountRepository) ListAccounts(ctx context.Context, offset, limit int) ([]*ac.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.StoragePath, "accounts")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []*ac.Account{}, nil
	}
	if err != nil {
		return nil, ac.Dependency("list accounts", err)
	}

	var all []*ac.Account
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := s.load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		all = append(all, rec.account())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*ac.Account{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}
