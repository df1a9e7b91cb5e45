package cache

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// QUOTA COUNTER
// =============================================================================

// decrementScript decrements only an existing counter. A plain DECR on a
// missing key would create it at -1 and read as "exhausted" after a cache
// flush; returning nil lets the caller rebuild the counter from the store.
var decrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
return redis.call("DECR", KEYS[1])
`)

// Counter holds the remaining quota of each policy.
type Counter struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewCounter(rdb redis.UniversalClient) *Counter {
	return &Counter{rdb: rdb, prefix: "coupon:quantity:"}
}

func (c *Counter) key(id generic.PolicyID) string {
	return c.prefix + string(id)
}

// Init sets the remaining quota, overwriting any previous value.
func (c *Counter) Init(ctx context.Context, id generic.PolicyID, remaining int64) error {
	return generic.Transient("init counter", c.rdb.Set(ctx, c.key(id), remaining, 0).Err())
}

// InitIfAbsent sets the remaining quota only if no counter exists.
func (c *Counter) InitIfAbsent(ctx context.Context, id generic.PolicyID, remaining int64) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(id), remaining, 0).Result()
	if err != nil {
		return false, generic.Transient("init counter", err)
	}
	return ok, nil
}

// Decrement takes one unit and returns the value after the decrement, which
// is negative when the quota was already exhausted.
// Returns generic.ErrCounterMissing when the counter does not exist.
func (c *Counter) Decrement(ctx context.Context, id generic.PolicyID) (int64, error) {
	n, err := decrementScript.Run(ctx, c.rdb, []string{c.key(id)}).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, generic.ErrCounterMissing
	}
	if err != nil {
		return 0, generic.Transient("decrement counter", err)
	}
	return n, nil
}

// Increment gives one unit back.
func (c *Counter) Increment(ctx context.Context, id generic.PolicyID) (int64, error) {
	n, err := c.rdb.Incr(ctx, c.key(id)).Result()
	if err != nil {
		return 0, generic.Transient("increment counter", err)
	}
	return n, nil
}

// Remaining reads the counter without changing it.
func (c *Counter) Remaining(ctx context.Context, id generic.PolicyID) (int64, bool, error) {
	s, err := c.rdb.Get(ctx, c.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, generic.Transient("read counter", err)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// =============================================================================
// USER REGISTRY - one-coupon-per-user option
// =============================================================================

// Members records which users hold a coupon of a policy.
type Members struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewMembers(rdb redis.UniversalClient) *Members {
	return &Members{rdb: rdb, prefix: "coupon:users:"}
}

// Register adds the user and reports whether they were not yet present.
func (m *Members) Register(ctx context.Context, id generic.PolicyID, userID generic.UserID) (bool, error) {
	n, err := m.rdb.SAdd(ctx, m.prefix+string(id), string(userID)).Result()
	if err != nil {
		return false, generic.Transient("register user", err)
	}
	return n == 1, nil
}

func (m *Members) Unregister(ctx context.Context, id generic.PolicyID, userID generic.UserID) error {
	return generic.Transient("unregister user", m.rdb.SRem(ctx, m.prefix+string(id), string(userID)).Err())
}
