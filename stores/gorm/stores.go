//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	ac "github.com/panyam/authcore"
)

// AutoMigrate runs database migrations for all authcore tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AccountModel{},
		&AccountProviderModel{},
		&RefreshTokenModel{},
		&RevokedFamilyModel{},
	)
}

// isDuplicate reports a unique constraint violation. Drivers opened with
// TranslateError return gorm.ErrDuplicatedKey, others only say so in the message.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// =============================================================================
// AccountRepository
// =============================================================================

// AccountRepository implements authcore.AccountRepository using GORM
type AccountRepository struct {
	db  *gorm.DB
	Now func() time.Time
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (s *AccountRepository) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *AccountRepository) FindByID(ctx context.Context, id string) (*ac.Account, error) {
	return s.findOne(s.db.WithContext(ctx), "id = ?", id)
}

func (s *AccountRepository) FindByEmail(ctx context.Context, email string) (*ac.Account, error) {
	return s.findOne(s.db.WithContext(ctx), "email = ?", ac.NormalizeEmail(email))
}

func (s *AccountRepository) FindByResetDigest(ctx context.Context, digest string) (*ac.Account, error) {
	if digest == "" {
		return nil, ac.ErrNotFound
	}
	return s.findOne(s.db.WithContext(ctx), "reset_digest = ?", digest)
}

func (s *AccountRepository) FindByProviderID(ctx context.Context, provider ac.Provider, providerID string) (*ac.Account, error) {
	var link AccountProviderModel
	err := s.db.WithContext(ctx).First(&link, "provider = ? AND provider_id = ?", string(provider), providerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ac.ErrNotFound
	}
	if err != nil {
		return nil, ac.Dependency("find provider link", err)
	}
	return s.findOne(s.db.WithContext(ctx), "id = ?", link.AccountID)
}

func (s *AccountRepository) findOne(db *gorm.DB, query string, args ...any) (*ac.Account, error) {
	var model AccountModel
	err := db.First(&model, append([]any{query}, args...)...).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ac.ErrNotFound
	}
	if err != nil {
		return nil, ac.Dependency("find account", err)
	}
	var links []AccountProviderModel
	if err := db.Where("account_id = ?", model.ID).Find(&links).Error; err != nil {
		return nil, ac.Dependency("load provider links", err)
	}
	return model.toAccount(links), nil
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

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(accountToModel(a)).Error; err != nil {
			return err
		}
		for p, pid := range a.ProviderIDs {
			link := &AccountProviderModel{AccountID: a.ID, Provider: string(p), ProviderID: pid}
			if err := tx.Create(link).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicate(err) {
			return nil, ac.ErrConflict.Wrap(err)
		}
		return nil, ac.Dependency("create account", err)
	}
	return a, nil
}

// Update applies fields inside a transaction. The row is only written when
// its version still matches the one read, so concurrent writers surface as
// ErrConflict instead of lost updates.
func (s *AccountRepository) Update(ctx context.Context, id string, fields ac.AccountUpdate) (*ac.Account, error) {
	var updated *ac.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.findOne(tx, "id = ?", id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fields.Apply(next, s.now()); err != nil {
			return err
		}

		model := accountToModel(next)
		res := tx.Model(&AccountModel{}).
			Where("id = ? AND version = ?", id, current.Version).
			Updates(map[string]any{
				"password_hash":         model.PasswordHash,
				"role":                  model.Role,
				"profile_first_name":    model.Profile.FirstName,
				"profile_last_name":     model.Profile.LastName,
				"profile_phone":         model.Profile.Phone,
				"profile_address":       model.Profile.Address,
				"profile_date_of_birth": model.Profile.DateOfBirth,
				"profile_gender":        model.Profile.Gender,
				"profile_nationality":   model.Profile.Nationality,
				"profile_avatar_url":    model.Profile.AvatarURL,
				"reset_digest":          model.ResetDigest,
				"reset_expires_at":      model.ResetExpiresAt,
				"version":               model.Version,
				"updated_at":            model.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ac.ErrConflict.WithMessage("account was modified concurrently")
		}

		if fields.LinkProvider != nil && current.ProviderID(fields.LinkProvider.Provider) == "" {
			link := &AccountProviderModel{
				AccountID:  id,
				Provider:   string(fields.LinkProvider.Provider),
				ProviderID: fields.LinkProvider.ID,
			}
			if err := tx.Create(link).Error; err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		var ae *ac.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		if isDuplicate(err) {
			return nil, ac.ErrConflict.Wrap(err)
		}
		return nil, ac.Dependency("update account", err)
	}
	return updated, nil
}

// ListAccounts returns accounts newest first
func (s *AccountRepository) ListAccounts(ctx context.Context, offset, limit int) ([]*ac.Account, error) {
	db := s.db.WithContext(ctx)
	q := db.Order("created_at desc").Order("id")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []AccountModel
	if err := q.Find(&models).Error; err != nil {
		return nil, ac.Dependency("list accounts", err)
	}
	if len(models) == 0 {
		return []*ac.Account{}, nil
	}

	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	var links []AccountProviderModel
	if err := db.Where("account_id IN ?", ids).Find(&links).Error; err != nil {
		return nil, ac.Dependency("load provider links", err)
	}
	byAccount := map[string][]AccountProviderModel{}
	for _, l := range links {
		byAccount[l.AccountID] = append(byAccount[l.AccountID], l)
	}

	out := make([]*ac.Account, len(models))
	for i := range models {
		out[i] = models[i].toAccount(byAccount[models[i].ID])
	}
	return out, nil
}

// =============================================================================
// RefreshLedger
// =============================================================================

// RefreshLedger implements authcore.RefreshLedger using GORM
type RefreshLedger struct {
	db  *gorm.DB
	Now func() time.Time
}

func NewRefreshLedger(db *gorm.DB) *RefreshLedger {
	return &RefreshLedger{db: db}
}

func (s *RefreshLedger) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RefreshLedger) Record(ctx context.Context, rec ac.RefreshRecord) error {
	model := &RefreshTokenModel{ID: rec.ID, Family: rec.Family, AccountID: rec.AccountID, ExpiresAt: rec.ExpiresAt}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return ac.Dependency("record refresh token", err)
	}
	return nil
}

func (s *RefreshLedger) Rotate(ctx context.Context, id string, next ac.RefreshRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RefreshTokenModel
		err := tx.First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ac.ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if s.now().After(model.ExpiresAt) {
			return ac.ErrInvalidToken
		}

		var revoked int64
		if err := tx.Model(&RevokedFamilyModel{}).Where("family = ?", model.Family).Count(&revoked).Error; err != nil {
			return err
		}
		if revoked > 0 {
			return ac.ErrTokenReused
		}

		res := tx.Model(&RefreshTokenModel{}).Where("id = ? AND used = ?", id, false).Update("used", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ac.ErrTokenReused
		}
		return tx.Create(&RefreshTokenModel{
			ID:        next.ID,
			Family:    next.Family,
			AccountID: next.AccountID,
			ExpiresAt: next.ExpiresAt,
		}).Error
	})
}

func (s *RefreshLedger) RevokeFamily(ctx context.Context, family string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&RevokedFamilyModel{}).Where("family = ?", family).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		return tx.Create(&RevokedFamilyModel{Family: family}).Error
	})
	if err != nil {
		return ac.Dependency("revoke token family", err)
	}
	return nil
}

// PurgeExpired deletes ledger entries past their expiry
func (s *RefreshLedger) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now()).Delete(&RefreshTokenModel{})
	return res.RowsAffected, res.Error
}
