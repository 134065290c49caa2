// Package memory keeps accounts in process memory. It backs tests and
// single-node development servers; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	ac "github.com/panyam/authcore"
)

type providerKey struct {
	provider ac.Provider
	id       string
}

// AccountRepository is a mutex guarded map of accounts with secondary
// indexes for email, provider id and reset digest.
type AccountRepository struct {
	mu         sync.RWMutex
	byID       map[string]*ac.Account
	byEmail    map[string]string
	byProvider map[providerKey]string
	byDigest   map[string]string

	Now func() time.Time
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:       map[string]*ac.Account{},
		byEmail:    map[string]string{},
		byProvider: map[providerKey]string{},
		byDigest:   map[string]string{},
	}
}

func (r *AccountRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *AccountRepository) FindByID(ctx context.Context, id string) (*ac.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

func (r *AccountRepository) FindByEmail(ctx context.Context, email string) (*ac.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(r.byEmail[ac.NormalizeEmail(email)])
}

func (r *AccountRepository) FindByProviderID(ctx context.Context, provider ac.Provider, providerID string) (*ac.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(r.byProvider[providerKey{provider, providerID}])
}

func (r *AccountRepository) FindByResetDigest(ctx context.Context, digest string) (*ac.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(r.byDigest[digest])
}

// get returns a copy of the account. Caller must hold r.mu.
func (r *AccountRepository) get(id string) (*ac.Account, error) {
	a, ok := r.byID[id]
	if !ok || id == "" {
		return nil, ac.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *AccountRepository) Create(ctx context.Context, account *ac.Account) (*ac.Account, error) {
	a := account.Clone()
	a.Email = ac.NormalizeEmail(a.Email)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = ac.RoleStandard
	}
	now := r.now()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	if err := a.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[a.ID]; ok {
		return nil, ac.ErrConflict.WithMessage("account id already exists")
	}
	if err := r.checkUnique(a); err != nil {
		return nil, err
	}
	r.index(a)
	return a.Clone(), nil
}

func (r *AccountRepository) Update(ctx context.Context, id string, fields ac.AccountUpdate) (*ac.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[id]
	if !ok {
		return nil, ac.ErrNotFound
	}
	next := current.Clone()
	if err := fields.Apply(next, r.now()); err != nil {
		return nil, err
	}
	if err := r.checkUnique(next); err != nil {
		return nil, err
	}
	r.unindex(current)
	r.index(next)
	return next.Clone(), nil
}

// checkUnique reports ErrConflict when another account owns one of a's
// unique keys. Caller must hold r.mu.
func (r *AccountRepository) checkUnique(a *ac.Account) error {
	if owner, ok := r.byEmail[a.Email]; ok && owner != a.ID {
		return ac.ErrConflict.WithMessage("email already exists")
	}
	for p, pid := range a.ProviderIDs {
		if owner, ok := r.byProvider[providerKey{p, pid}]; ok && owner != a.ID {
			return ac.ErrConflict.WithMessage("provider identity already linked")
		}
	}
	return nil
}

func (r *AccountRepository) index(a *ac.Account) {
	r.byID[a.ID] = a
	r.byEmail[a.Email] = a.ID
	for p, pid := range a.ProviderIDs {
		r.byProvider[providerKey{p, pid}] = a.ID
	}
	if a.ResetDigest != "" {
		r.byDigest[a.ResetDigest] = a.ID
	}
}

func (r *AccountRepository) unindex(a *ac.Account) {
	delete(r.byEmail, a.Email)
	for p, pid := range a.ProviderIDs {
		delete(r.byProvider, providerKey{p, pid})
	}
	if a.ResetDigest != "" {
		delete(r.byDigest, a.ResetDigest)
	}
}

// ListAccounts returns accounts newest first
func (r *AccountRepository) ListAccounts(ctx context.Context, offset, limit int) ([]*ac.Account, error) {
	r.mu.RLock()
	all := make([]*ac.Account, 0, len(r.byID))
	for _, a := range r.byID {
		all = append(all, a.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return page(all, offset, limit), nil
}

func page(all []*ac.Account, offset, limit int) []*ac.Account {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*ac.Account{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
