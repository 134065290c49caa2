package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	ac "github.com/panyam/authcore"
)

type fsRefresh struct {
	ac.RefreshRecord
	Used bool `json:"used"`
}

// FSRefreshLedger records refresh tokens as refresh_tokens/<hash>.json and
// revoked families as revoked_families/<hash>.json
type FSRefreshLedger struct {
	StoragePath string
	Now         func() time.Time

	mu sync.Mutex
}

func NewFSRefreshLedger(storagePath string) *FSRefreshLedger {
	return &FSRefreshLedger{StoragePath: storagePath}
}

func (s *FSRefreshLedger) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *FSRefreshLedger) tokenPath(id string) string {
	return filepath.Join(s.StoragePath, "refresh_tokens", hashKey(id)+".json")
}

func (s *FSRefreshLedger) familyPath(family string) string {
	return filepath.Join(s.StoragePath, "revoked_families", hashKey(family)+".json")
}

func (s *FSRefreshLedger) Record(ctx context.Context, rec ac.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.tokenPath(rec.ID), fsRefresh{RefreshRecord: rec})
}

func (s *FSRefreshLedger) Rotate(ctx context.Context, id string, next ac.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec fsRefresh
	if err := readJSON(s.tokenPath(id), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ac.ErrInvalidToken
		}
		return err
	}
	if s.now().After(rec.ExpiresAt) {
		if err := removeIfExists(s.tokenPath(id)); err != nil {
			return err
		}
		return ac.ErrInvalidToken
	}
	if rec.Used {
		return ac.ErrTokenReused
	}
	if _, err := os.Stat(s.familyPath(rec.Family)); err == nil {
		return ac.ErrTokenReused
	}

	rec.Used = true
	if err := writeJSON(s.tokenPath(id), rec); err != nil {
		return err
	}
	return writeJSON(s.tokenPath(next.ID), fsRefresh{RefreshRecord: next})
}

func (s *FSRefreshLedger) RevokeFamily(ctx context.Context, family string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.familyPath(family), map[string]any{
		"family":     family,
		"revoked_at": s.now(),
	})
}
