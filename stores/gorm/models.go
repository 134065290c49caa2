//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	ac "github.com/panyam/authcore"
)

// ProfileColumns embeds the descriptive account fields as plain columns
type ProfileColumns struct {
	FirstName   string `gorm:"size:200"`
	LastName    string `gorm:"size:200"`
	Phone       string `gorm:"size:32"`
	Address     string `gorm:"size:200"`
	DateOfBirth string `gorm:"size:10"`
	Gender      string `gorm:"size:32"`
	Nationality string `gorm:"size:64"`
	AvatarURL   string `gorm:"size:1024"`
}

// AccountModel is the GORM model for accounts
type AccountModel struct {
	ID             string         `gorm:"primaryKey;size:64"`
	Email          string         `gorm:"size:320;uniqueIndex"`
	LoginID        string         `gorm:"size:255;index"`
	PasswordHash   string         `gorm:"size:128"`
	Role           string         `gorm:"size:16;default:STANDARD"`
	Profile        ProfileColumns `gorm:"embedded;embeddedPrefix:profile_"`
	ResetDigest    string         `gorm:"size:64;index"`
	ResetExpiresAt *time.Time
	Version        int       `gorm:"not null;default:1"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func (AccountModel) TableName() string {
	return "accounts"
}

// AccountProviderModel links one provider identity to one account
type AccountProviderModel struct {
	ID         uint      `gorm:"primaryKey"`
	AccountID  string    `gorm:"size:64;not null;uniqueIndex:idx_account_provider"`
	Provider   string    `gorm:"size:32;not null;uniqueIndex:idx_account_provider;uniqueIndex:idx_provider_identity"`
	ProviderID string    `gorm:"size:255;not null;uniqueIndex:idx_provider_identity"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (AccountProviderModel) TableName() string {
	return "account_providers"
}

// RefreshTokenModel is the GORM model for refresh token ledger entries
type RefreshTokenModel struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Family    string    `gorm:"size:64;index"`
	AccountID string    `gorm:"size:64;index"`
	ExpiresAt time.Time `gorm:"index"`
	Used      bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (RefreshTokenModel) TableName() string {
	return "refresh_tokens"
}

// RevokedFamilyModel marks a refresh token family as revoked
type RevokedFamilyModel struct {
	Family    string    `gorm:"primaryKey;size:64"`
	RevokedAt time.Time `gorm:"autoCreateTime"`
}

func (RevokedFamilyModel) TableName() string {
	return "revoked_families"
}

func (m *AccountModel) toAccount(links []AccountProviderModel) *ac.Account {
	a := &ac.Account{
		ID:           m.ID,
		Email:        m.Email,
		LoginID:      m.LoginID,
		PasswordHash: m.PasswordHash,
		Role:         ac.Role(m.Role),
		Profile: ac.Profile{
			FirstName:   m.Profile.FirstName,
			LastName:    m.Profile.LastName,
			Phone:       m.Profile.Phone,
			Address:     m.Profile.Address,
			DateOfBirth: m.Profile.DateOfBirth,
			Gender:      m.Profile.Gender,
			Nationality: m.Profile.Nationality,
			AvatarURL:   m.Profile.AvatarURL,
		},
		ResetDigest: m.ResetDigest,
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.ResetExpiresAt != nil {
		a.ResetExpiresAt = *m.ResetExpiresAt
	}
	if len(links) > 0 {
		a.ProviderIDs = make(map[ac.Provider]string, len(links))
		for _, l := range links {
			a.ProviderIDs[ac.Provider(l.Provider)] = l.ProviderID
		}
	}
	return a
}

func accountToModel(a *ac.Account) *AccountModel {
	m := &AccountModel{
		ID:           a.ID,
		Email:        a.Email,
		LoginID:      a.LoginID,
		PasswordHash: a.PasswordHash,
		Role:         string(a.Role),
		Profile:      profileColumns(a.Profile),
		ResetDigest:  a.ResetDigest,
		Version:      a.Version,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
	if !a.ResetExpiresAt.IsZero() {
		t := a.ResetExpiresAt
		m.ResetExpiresAt = &t
	}
	return m
}

func profileColumns(p ac.Profile) ProfileColumns {
	return ProfileColumns{
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Phone:       p.Phone,
		Address:     p.Address,
		DateOfBirth: p.DateOfBirth,
		Gender:      p.Gender,
		Nationality: p.Nationality,
		AvatarURL:   p.AvatarURL,
	}
}
