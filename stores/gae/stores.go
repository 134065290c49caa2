//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	ac "github.com/panyam/authcore"
)

// Kind constants for Datastore entities
const (
	KindAccount       = "Account"
	KindAccountUnique = "AccountUnique"
	KindRefreshToken  = "RefreshToken"
	KindRevokedFamily = "RevokedFamily"
)

func namespacedKey(namespace, kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = namespace
	return key
}

// ============================================================================
// AccountRepository
// ============================================================================

// AccountRepository implements authcore.AccountRepository using Google Cloud Datastore
type AccountRepository struct {
	client    *datastore.Client
	namespace string
	Now       func() time.Time
}

// NewAccountRepository creates a new Datastore-backed AccountRepository
func NewAccountRepository(client *datastore.Client, namespace string) *AccountRepository {
	return &AccountRepository{client: client, namespace: namespace}
}

func (s *AccountRepository) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *AccountRepository) accountKey(id string) *datastore.Key {
	return namespacedKey(s.namespace, KindAccount, id)
}

func (s *AccountRepository) uniqueKey(kind, value string) *datastore.Key {
	return namespacedKey(s.namespace, KindAccountUnique, kind+":"+value)
}

// uniqueKeys lists every unique value an account claims
func (s *AccountRepository) uniqueKeys(a *ac.Account) []*datastore.Key {
	keys := []*datastore.Key{s.uniqueKey("email", a.Email)}
	for p, pid := range a.ProviderIDs {
		keys = append(keys, s.uniqueKey("provider", string(p)+":"+pid))
	}
	if a.ResetDigest != "" {
		keys = append(keys, s.uniqueKey("reset", a.ResetDigest))
	}
	return keys
}

func (s *AccountRepository) FindByID(ctx context.Context, id string) (*ac.Account, error) {
	if id == "" {
		return nil, ac.ErrNotFound
	}
	var entity AccountEntity
	if err := s.client.Get(ctx, s.accountKey(id), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, ac.ErrNotFound
		}
		return nil, ac.Dependency("get account", err)
	}
	return entity.ToAccount()
}

func (s *AccountRepository) FindByEmail(ctx context.Context, email string) (*ac.Account, error) {
	return s.findByUnique(ctx, s.uniqueKey("email", ac.NormalizeEmail(email)))
}

func (s *AccountRepository) FindByProviderID(ctx context.Context, provider ac.Provider, providerID string) (*ac.Account, error) {
	return s.findByUnique(ctx, s.uniqueKey("provider", string(provider)+":"+providerID))
}

func (s *AccountRepository) FindByResetDigest(ctx context.Context, digest string) (*ac.Account, error) {
	if digest == "" {
		return nil, ac.ErrNotFound
	}
	return s.findByUnique(ctx, s.uniqueKey("reset", digest))
}

func (s *AccountRepository) findByUnique(ctx context.Context, key *datastore.Key) (*ac.Account, error) {
	var marker UniqueEntity
	if err := s.client.Get(ctx, key, &marker); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, ac.ErrNotFound
		}
		return nil, ac.Dependency("get unique marker", err)
	}
	return s.FindByID(ctx, marker.AccountID)
}

// claim checks that every key is free or already owned by accountID
func claim(tx *datastore.Transaction, keys []*datastore.Key, accountID string) error {
	markers := make([]UniqueEntity, len(keys))
	err := tx.GetMulti(keys, markers)
	var multi datastore.MultiError
	if errors.As(err, &multi) {
		for i, e := range multi {
			if e != nil && !errors.Is(e, datastore.ErrNoSuchEntity) {
				return e
			}
			if e == nil && markers[i].AccountID != accountID {
				return ac.ErrConflict.WithMessage(fmt.Sprintf("%s already claimed", keys[i].Name))
			}
		}
		return nil
	}
	if err != nil {
		return err
	}
	for i, m := range markers {
		if m.AccountID != accountID {
			return ac.ErrConflict.WithMessage(fmt.Sprintf("%s already claimed", keys[i].Name))
		}
	}
	return nil
}

func (s *AccountRepository) Create(ctx context.Context, account *ac.Account) (*ac.Account, error) {
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

	key := s.accountKey(a.ID)
	entity, err := AccountToEntity(a, key)
	if err != nil {
		return nil, err
	}
	_, err = s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing AccountEntity
		if err := tx.Get(key, &existing); err == nil {
			return ac.ErrConflict.WithMessage("account id already exists")
		} else if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		keys := s.uniqueKeys(a)
		if err := claim(tx, keys, a.ID); err != nil {
			return err
		}
		if _, err := tx.Put(key, entity); err != nil {
			return err
		}
		return s.putMarkers(tx, keys, a.ID, now)
	})
	if err != nil {
		return nil, mapTxError("create account", err)
	}
	return a, nil
}

func (s *AccountRepository) putMarkers(tx *datastore.Transaction, keys []*datastore.Key, accountID string, now time.Time) error {
	markers := make([]*UniqueEntity, len(keys))
	for i, k := range keys {
		markers[i] = &UniqueEntity{Key: k, AccountID: accountID, CreatedAt: now}
	}
	_, err := tx.PutMulti(keys, markers)
	return err
}

func (s *AccountRepository) Update(ctx context.Context, id string, fields ac.AccountUpdate) (*ac.Account, error) {
	key := s.accountKey(id)
	var updated *ac.Account
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity AccountEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return ac.ErrNotFound
			}
			return err
		}
		current, err := entity.ToAccount()
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fields.Apply(next, s.now()); err != nil {
			return err
		}

		wanted := s.uniqueKeys(next)
		if err := claim(tx, wanted, id); err != nil {
			return err
		}
		nextEntity, err := AccountToEntity(next, key)
		if err != nil {
			return err
		}
		if _, err := tx.Put(key, nextEntity); err != nil {
			return err
		}
		if err := s.putMarkers(tx, wanted, id, next.UpdatedAt); err != nil {
			return err
		}

		keep := map[string]bool{}
		for _, k := range wanted {
			keep[k.Name] = true
		}
		var stale []*datastore.Key
		for _, k := range s.uniqueKeys(current) {
			if !keep[k.Name] {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			if err := tx.DeleteMulti(stale); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, mapTxError("update account", err)
	}
	return updated, nil
}

// mapTxError keeps authcore errors and turns contention into ErrConflict
func mapTxError(op string, err error) error {
	var ae *ac.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, datastore.ErrConcurrentTransaction) {
		return ac.ErrConflict.Wrap(err)
	}
	return ac.Dependency(op, err)
}

// ListAccounts returns accounts newest first
func (s *AccountRepository) ListAccounts(ctx context.Context, offset, limit int) ([]*ac.Account, error) {
	query := datastore.NewQuery(KindAccount).Namespace(s.namespace).Order("-created_at")
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	out := []*ac.Account{}
	it := s.client.Run(ctx, query)
	for {
		var entity AccountEntity
		_, err := it.Next(&entity)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, ac.Dependency("list accounts", err)
		}
		a, err := entity.ToAccount()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ============================================================================
// RefreshLedger
// ============================================================================

// RefreshLedger implements authcore.RefreshLedger using Google Cloud Datastore
type RefreshLedger struct {
	client    *datastore.Client
	namespace string
	Now       func() time.Time
}

// NewRefreshLedger creates a new Datastore-backed RefreshLedger
func NewRefreshLedger(client *datastore.Client, namespace string) *RefreshLedger {
	return &RefreshLedger{client: client, namespace: namespace}
}

func (s *RefreshLedger) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RefreshLedger) Record(ctx context.Context, rec ac.RefreshRecord) error {
	key := namespacedKey(s.namespace, KindRefreshToken, rec.ID)
	entity := &RefreshTokenEntity{Key: key, Family: rec.Family, AccountID: rec.AccountID, ExpiresAt: rec.ExpiresAt}
	if _, err := s.client.Put(ctx, key, entity); err != nil {
		return ac.Dependency("record refresh token", err)
	}
	return nil
}

func (s *RefreshLedger) Rotate(ctx context.Context, id string, next ac.RefreshRecord) error {
	key := namespacedKey(s.namespace, KindRefreshToken, id)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity RefreshTokenEntity
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return ac.ErrInvalidToken
			}
			return err
		}
		if s.now().After(entity.ExpiresAt) {
			return ac.ErrInvalidToken
		}
		if entity.Used {
			return ac.ErrTokenReused
		}
		var revoked RevokedFamilyEntity
		err := tx.Get(namespacedKey(s.namespace, KindRevokedFamily, entity.Family), &revoked)
		if err == nil {
			return ac.ErrTokenReused
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}

		entity.Used = true
		nextKey := namespacedKey(s.namespace, KindRefreshToken, next.ID)
		_, err = tx.PutMulti(
			[]*datastore.Key{key, nextKey},
			[]*RefreshTokenEntity{
				&entity,
				{Key: nextKey, Family: next.Family, AccountID: next.AccountID, ExpiresAt: next.ExpiresAt},
			},
		)
		return err
	})
	if err != nil {
		return mapTxError("rotate refresh token", err)
	}
	return nil
}

func (s *RefreshLedger) RevokeFamily(ctx context.Context, family string) error {
	key := namespacedKey(s.namespace, KindRevokedFamily, family)
	if _, err := s.client.Put(ctx, key, &RevokedFamilyEntity{Key: key, RevokedAt: s.now()}); err != nil {
		return ac.Dependency("revoke token family", err)
	}
	return nil
}
