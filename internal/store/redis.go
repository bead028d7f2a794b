package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store; reads check Redis first then fall
// back to the primary.
//
// Each cached account is a hash holding the record and its version. A fill
// only replaces an older version, so a read that raced with a write cannot
// put the revision it read back over the one the write stored. Conflicts and
// failed writes drop the cached record instead, since the primary's current
// version is unknown to us.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// fillScript sets KEYS[1] to (ARGV[1] version, ARGV[2] data) unless the
// cached version is already at least ARGV[1]. ARGV[3] is the TTL in ms.
var fillScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if v and tonumber(v) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or drop the cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

func (s *CachedStore) PutAccount(ctx context.Context, a *model.Account) error {
	err := s.primary.PutAccount(ctx, a)
	if err == nil {
		s.cacheAccount(ctx, a)
		return nil
	}
	// Conflict or unknown outcome: the next read goes to the primary.
	s.rdb.Del(ctx, accountKey(a.ID))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.HGet(ctx, accountKey(id), "data").Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheAccount(ctx, a)
	return a, nil
}

// --- Passthrough (not cached) ---

// ListAccounts always reads the primary; rankings must see every revision.
func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	fillScript.Run(ctx, s.rdb, []string{accountKey(a.ID)}, a.Version, data, s.ttl.Milliseconds())
}

// Ping reports whether the cache is reachable.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
