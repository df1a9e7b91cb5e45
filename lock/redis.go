/*
Package lock provides the Redis-backed distributed lock.

PURPOSE:
  Mutual exclusion that holds across independent service instances. The
  coupon quota gate locks per policy, the point ledger locks per user.

PROTOCOL:
  Acquire: SET key token NX PX lease
           token is a random uuid identifying this holder
           retried every RetryInterval until the wait bound elapses
  Release: Lua script, GET key == token → DEL key
           a holder can never delete a lock that has since passed to
           someone else after its lease expired
  Refresh: Lua script, GET key == token → PEXPIRE key lease
           long-lived holders (queue partition owners) renew before expiry

LEASE:
  The key carries a TTL, so a holder that crashes without releasing frees
  the key once the lease runs out. Work under the lock must finish well
  inside the lease.

FAILURE MODES:
  Wait bound elapsed   → *generic.LockError (ErrLockBusy)
  ctx done while waiting → *generic.LockError wrapping ctx.Err()
  Redis unreachable    → *generic.TransientError

SEE ALSO:
  - generic/lock.go: WithLock, which pairs Acquire with a guaranteed Release
*/
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/traffic/promotion-engine/generic"
)

// DefaultRetryInterval is the pause between SET NX attempts.
const DefaultRetryInterval = 25 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis implements generic.Locker.
type Redis struct {
	rdb   redis.UniversalClient
	retry time.Duration
}

type Option func(*Redis)

func WithRetryInterval(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

func NewRedis(rdb redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{rdb: rdb, retry: DefaultRetryInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire tries to take key for lease, waiting at most wait.
// A zero wait makes a single attempt.
func (r *Redis) Acquire(ctx context.Context, key string, wait, lease time.Duration) (generic.Lease, error) {
	token := uuid.NewString()
	start := time.Now()
	deadline := start.Add(wait)

	for {
		ok, err := r.rdb.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, &generic.LockError{Key: key, Waited: time.Since(start), Cause: ctx.Err()}
			}
			return nil, generic.Transient("acquire lock "+key, err)
		}
		if ok {
			return &redisLease{rdb: r.rdb, key: key, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &generic.LockError{Key: key, Waited: time.Since(start)}
		}

		timer := time.NewTimer(min(r.retry, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &generic.LockError{Key: key, Waited: time.Since(start), Cause: ctx.Err()}
		case <-timer.C:
		}
	}
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return generic.Transient("release lock "+l.key, err)
	}
	if n == 0 {
		return generic.ErrLockNotHeld
	}
	return nil
}

// Refresh pushes the lease expiry to ttl from now. Returns ErrLockNotHeld
// when the key expired or belongs to another holder.
func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return generic.Transient("refresh lock "+l.key, err)
	}
	if n == 0 {
		return generic.ErrLockNotHeld
	}
	return nil
}
