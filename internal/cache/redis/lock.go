package redis

import (
	"context"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager using Redis SETNX with a TTL and
// a Lua-based conditional unlock.
type LockManager struct {
	c        *Client
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:        c,
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func (lm *LockManager) lockKey(key string) string {
	return lm.c.Key("lock:" + key)
}

// TryAcquire sets the lock to token if it is absent. The TTL bounds how long
// a crashed holder can keep others out.
func (lm *LockManager) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := lm.rdb.SetNX(ctx, lm.lockKey(key), token, ttl).Result()
	if err != nil {
		return false, wrapErr("acquire lock "+key, err)
	}
	return ok, nil
}

// Release deletes the lock if token still owns it. Releasing an expired or
// foreign lock is a no-op.
func (lm *LockManager) Release(ctx context.Context, key, token string) error {
	if err := lm.unlockSc.Run(ctx, lm.rdb, []string{lm.lockKey(key)}, token).Err(); err != nil {
		return wrapErr("release lock "+key, err)
	}
	return nil
}

// Held reports whether any holder currently owns the lock.
func (lm *LockManager) Held(ctx context.Context, key string) (bool, error) {
	n, err := lm.rdb.Exists(ctx, lm.lockKey(key)).Result()
	if err != nil {
		return false, wrapErr("lock exists "+key, err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
