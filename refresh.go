package authcore

import (
	"context"
	"sync"
	"time"
)

// RefreshRecord is the server side trace of one refresh token when rotation
// is enabled. ID is the token's jti claim.
type RefreshRecord struct {
	ID        string    `json:"id"`
	Family    string    `json:"family"`
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshLedger tracks issued refresh tokens so that each can be redeemed
// once. Redeeming a token twice signals theft and revokes its whole family.
type RefreshLedger interface {
	// Record stores a newly issued token
	Record(ctx context.Context, rec RefreshRecord) error

	// Rotate atomically marks id as used and records next in its place.
	// Returns ErrTokenReused if id was already used or its family revoked,
	// and ErrInvalidToken if id was never recorded.
	Rotate(ctx context.Context, id string, next RefreshRecord) error

	// RevokeFamily invalidates every token descended from the same login
	RevokeFamily(ctx context.Context, family string) error
}

// MemoryRefreshLedger is an in-process RefreshLedger
type MemoryRefreshLedger struct {
	mu      sync.Mutex
	records map[string]*memoryRefresh
	revoked map[string]bool
	Now     func() time.Time
}

type memoryRefresh struct {
	RefreshRecord
	used bool
}

func NewMemoryRefreshLedger() *MemoryRefreshLedger {
	return &MemoryRefreshLedger{
		records: map[string]*memoryRefresh{},
		revoked: map[string]bool{},
	}
}

func (l *MemoryRefreshLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *MemoryRefreshLedger) Record(ctx context.Context, rec RefreshRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ID] = &memoryRefresh{RefreshRecord: rec}
	return nil
}

func (l *MemoryRefreshLedger) Rotate(ctx context.Context, id string, next RefreshRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purge()

	rec, ok := l.records[id]
	if !ok {
		return ErrInvalidToken
	}
	if rec.used || l.revoked[rec.Family] {
		return ErrTokenReused
	}
	rec.used = true
	l.records[next.ID] = &memoryRefresh{RefreshRecord: next}
	return nil
}

func (l *MemoryRefreshLedger) RevokeFamily(ctx context.Context, family string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked[family] = true
	return nil
}

// purge drops expired records. Caller must hold l.mu.
func (l *MemoryRefreshLedger) purge() {
	now := l.now()
	for id, rec := range l.records {
		if now.After(rec.ExpiresAt) {
			delete(l.records, id)
		}
	}
}
