package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/extmgr/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// RedisStore implements Store with SET NX PX and owner-checked scripts.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore constructs a Redis-backed lock store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient shares an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire takes the lock if it is free or already held by owner.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := s.check(resource, owner)
	if err != nil {
		return false, err
	}
	ttl = normalizeTTL(ttl)
	ok, err := s.client.SetNX(ctx, lockKey(resource), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the same owner: refresh instead of failing.
	return s.Renew(ctx, resource, owner, ttl)
}

// Release deletes the lock when owner still holds it. It reports false when
// the lock was gone or held by someone else.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	resource, owner, err := s.check(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Renew extends the TTL if owner holds the lock.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := s.check(resource, owner)
	if err != nil {
		return false, err
	}
	ttl = normalizeTTL(ttl)
	n, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the current holder, or nil when the resource is free.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	key := lockKey(resource)
	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lock := &Lock{Resource: resource, Owner: owner}
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		lock.ExpiresAt = s.now().Add(ttl).UTC()
	}
	return lock, nil
}

func (s *RedisStore) check(resource, owner string) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", fmt.Errorf("resource and owner required")
	}
	return resource, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func lockKey(resource string) string {
	return "lock:" + resource
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`
