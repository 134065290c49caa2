package memory

import (
	"context"
	"testing"
	"time"

	ac "github.com/panyam/authcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()

	created, err := repo.Create(ctx, &ac.Account{Email: "Alice@Example.com", PasswordHash: "h"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, ac.RoleStandard, created.Role)

	found, err := repo.FindByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = repo.Create(ctx, &ac.Account{Email: "alice@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, ac.ErrConflict)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ac.ErrNotFound)
}

func TestAccountRepository_UpdateIndexesAndVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	a, err := repo.Create(ctx, &ac.Account{Email: "bob@example.com", PasswordHash: "h"})
	require.NoError(t, err)

	linked, err := repo.Update(ctx, a.ID, ac.AccountUpdate{
		LinkProvider:  &ac.ProviderLink{Provider: ac.ProviderGithub, ID: "77"},
		ExpectVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, linked.Version)

	byProvider, err := repo.FindByProviderID(ctx, ac.ProviderGithub, "77")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byProvider.ID)

	_, err = repo.Update(ctx, a.ID, ac.AccountUpdate{ClearReset: true, ExpectVersion: 1})
	assert.ErrorIs(t, err, ac.ErrConflict)

	digest := &ac.ResetDigest{Digest: "d1", ExpiresAt: time.Now().Add(time.Minute)}
	_, err = repo.Update(ctx, a.ID, ac.AccountUpdate{SetReset: digest})
	require.NoError(t, err)
	_, err = repo.FindByResetDigest(ctx, "d1")
	require.NoError(t, err)

	_, err = repo.Update(ctx, a.ID, ac.AccountUpdate{ClearReset: true})
	require.NoError(t, err)
	_, err = repo.FindByResetDigest(ctx, "d1")
	assert.ErrorIs(t, err, ac.ErrNotFound)
}

func TestAccountRepository_ProviderIDIsUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	_, err := repo.Create(ctx, &ac.Account{
		Email:       "a@example.com",
		ProviderIDs: map[ac.Provider]string{ac.ProviderGoogle: "g1"},
	})
	require.NoError(t, err)

	_, err = repo.Create(ctx, &ac.Account{
		Email:       "b@example.com",
		ProviderIDs: map[ac.Provider]string{ac.ProviderGoogle: "g1"},
	})
	assert.ErrorIs(t, err, ac.ErrConflict)
}

func TestAccountRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	a, err := repo.Create(ctx, &ac.Account{
		Email:       "c@example.com",
		ProviderIDs: map[ac.Provider]string{ac.ProviderGoogle: "g2"},
	})
	require.NoError(t, err)

	a.ProviderIDs[ac.ProviderGithub] = "leak"
	again, err := repo.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, again.ProviderID(ac.ProviderGithub))
}

func TestAccountRepository_ListAccounts(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, email := range []string{"one@example.com", "two@example.com", "three@example.com"} {
		at := base.Add(time.Duration(i) * time.Hour)
		repo.Now = func() time.Time { return at }
		_, err := repo.Create(ctx, &ac.Account{Email: email, PasswordHash: "h"})
		require.NoError(t, err)
	}

	all, err := repo.ListAccounts(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "three@example.com", all[0].Email)

	pageTwo, err := repo.ListAccounts(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, pageTwo, 1)
	assert.Equal(t, "two@example.com", pageTwo[0].Email)

	empty, err := repo.ListAccounts(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
