//go:build !wasm
// +build !wasm

package gae

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/datastore"
	ac "github.com/panyam/authcore"
)

// AccountEntity is the Datastore entity for accounts
type AccountEntity struct {
	Key            *datastore.Key `datastore:"__key__"`
	Email          string         `datastore:"email"`
	LoginID        string         `datastore:"login_id"`
	PasswordHash   string         `datastore:"password_hash,noindex"`
	Role           string         `datastore:"role"`
	Providers      []byte         `datastore:"providers,noindex"` // JSON encoded
	Profile        []byte         `datastore:"profile,noindex"`   // JSON encoded
	ResetDigest    string         `datastore:"reset_digest"`
	ResetExpiresAt time.Time      `datastore:"reset_expires_at,noindex"`
	Version        int            `datastore:"version"`
	CreatedAt      time.Time      `datastore:"created_at"`
	UpdatedAt      time.Time      `datastore:"updated_at"`
}

// UniqueEntity claims a unique value for one account
type UniqueEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	AccountID string         `datastore:"account_id"`
	CreatedAt time.Time      `datastore:"created_at,noindex"`
}

// RefreshTokenEntity is the Datastore entity for refresh ledger entries
type RefreshTokenEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Family    string         `datastore:"family"`
	AccountID string         `datastore:"account_id"`
	ExpiresAt time.Time      `datastore:"expires_at"`
	Used      bool           `datastore:"used"`
}

// RevokedFamilyEntity marks a refresh token family as revoked
type RevokedFamilyEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	RevokedAt time.Time      `datastore:"revoked_at,noindex"`
}

func (e *AccountEntity) ToAccount() (*ac.Account, error) {
	a := &ac.Account{
		ID:             e.Key.Name,
		Email:          e.Email,
		LoginID:        e.LoginID,
		PasswordHash:   e.PasswordHash,
		Role:           ac.Role(e.Role),
		ResetDigest:    e.ResetDigest,
		ResetExpiresAt: e.ResetExpiresAt,
		Version:        e.Version,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if len(e.Providers) > 0 {
		if err := json.Unmarshal(e.Providers, &a.ProviderIDs); err != nil {
			return nil, err
		}
	}
	if len(e.Profile) > 0 {
		if err := json.Unmarshal(e.Profile, &a.Profile); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func AccountToEntity(a *ac.Account, key *datastore.Key) (*AccountEntity, error) {
	e := &AccountEntity{
		Key:            key,
		Email:          a.Email,
		LoginID:        a.LoginID,
		PasswordHash:   a.PasswordHash,
		Role:           string(a.Role),
		ResetDigest:    a.ResetDigest,
		ResetExpiresAt: a.ResetExpiresAt,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	var err error
	if len(a.ProviderIDs) > 0 {
		if e.Providers, err = json.Marshal(a.ProviderIDs); err != nil {
			return nil, err
		}
	}
	if e.Profile, err = json.Marshal(a.Profile); err != nil {
		return nil, err
	}
	return e, nil
}
