// Package redis keeps the short lived authcore state in Redis: registration
// OTPs and, when rotation is enabled, the refresh token ledger.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	ac "github.com/panyam/authcore"
)

// New connects to addr and pings it before returning
func New(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

// OtpStore implements authcore.OtpStore. Take uses GETDEL so a code can
// only ever be read once, even across server instances.
type OtpStore struct {
	client goredis.UniversalClient
	prefix string
}

func NewOtpStore(client goredis.UniversalClient) *OtpStore {
	return &OtpStore{client: client, prefix: "otp:"}
}

func (s *OtpStore) key(email string) string {
	return s.prefix + email
}

func (s *OtpStore) Put(ctx context.Context, email string, entry ac.OtpEntry, retain time.Duration) error {
	if retain <= 0 {
		return fmt.Errorf("otp: retention must be positive")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("otp: failed to marshal: %w", err)
	}
	return s.client.Set(ctx, s.key(email), data, retain).Err()
}

func (s *OtpStore) Take(ctx context.Context, email string) (*ac.OtpEntry, error) {
	val, err := s.client.GetDel(ctx, s.key(email)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry ac.OtpEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("otp: failed to unmarshal: %w", err)
	}
	return &entry, nil
}

type refreshEntry struct {
	ac.RefreshRecord
	Used bool `json:"used"`
}

// RefreshLedger implements authcore.RefreshLedger. Each token is a key that
// expires with the token; revoked families are keys kept for one refresh TTL.
type RefreshLedger struct {
	client     goredis.UniversalClient
	prefix     string
	RevokedTTL time.Duration
	Now        func() time.Time
}

func NewRefreshLedger(client goredis.UniversalClient) *RefreshLedger {
	return &RefreshLedger{client: client, prefix: "refresh:", RevokedTTL: ac.TokenExpiryRefreshToken}
}

func (s *RefreshLedger) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RefreshLedger) tokenKey(id string) string {
	return s.prefix + "token:" + id
}

func (s *RefreshLedger) familyKey(family string) string {
	return s.prefix + "revoked:" + family
}

func (s *RefreshLedger) encode(entry refreshEntry) ([]byte, time.Duration, error) {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil, 0, fmt.Errorf("refresh: record %s already expired", entry.ID)
	}
	data, err := json.Marshal(entry)
	return data, ttl, err
}

func (s *RefreshLedger) Record(ctx context.Context, rec ac.RefreshRecord) error {
	data, ttl, err := s.encode(refreshEntry{RefreshRecord: rec})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.tokenKey(rec.ID), data, ttl).Err()
}

// Rotate watches the token key, so of two concurrent rotations of the same
// token the loser sees a failed transaction and reports reuse.
func (s *RefreshLedger) Rotate(ctx context.Context, id string, next ac.RefreshRecord) error {
	key := s.tokenKey(id)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == goredis.Nil {
			return ac.ErrInvalidToken
		}
		if err != nil {
			return err
		}
		var entry refreshEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			return fmt.Errorf("refresh: failed to unmarshal: %w", err)
		}
		if entry.Used {
			return ac.ErrTokenReused
		}
		revoked, err := tx.Exists(ctx, s.familyKey(entry.Family)).Result()
		if err != nil {
			return err
		}
		if revoked > 0 {
			return ac.ErrTokenReused
		}

		entry.Used = true
		used, ttl, err := s.encode(entry)
		if err != nil {
			return ac.ErrInvalidToken
		}
		fresh, freshTTL, err := s.encode(refreshEntry{RefreshRecord: next})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, used, ttl)
			pipe.Set(ctx, s.tokenKey(next.ID), fresh, freshTTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return ac.ErrTokenReused
	}
	return err
}

func (s *RefreshLedger) RevokeFamily(ctx context.Context, family string) error {
	ttl := s.RevokedTTL
	if ttl <= 0 {
		ttl = ac.TokenExpiryRefreshToken
	}
	return s.client.Set(ctx, s.familyKey(family), s.now().Unix(), ttl).Err()
}
