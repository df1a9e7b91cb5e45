/*
Package cache holds the Redis-resident state of the engine.

PURPOSE:
  Everything here is an optimization or a coordination aid, never the
  system of record. The SQL store owns policies, coupons, balances and the
  ledger; Redis holds:

    coupon:quantity:{policyId}  remaining quota (atomic counter)
    coupon:users:{policyId}     users holding a coupon (one-per-user option)
    coupon:policy:{policyId}    policy snapshot (JSON, read-through)
    coupon:state:{couponId}     coupon view (JSON, write-through)
    point:balance               hash userId → balance (write-through)

FILES:
  redis.go:    client construction
  state.go:    generic.StateCache over JSON strings
  counter.go:  quota counter and per-policy user registry
  balances.go: balance hash

SEE ALSO:
  - lock/redis.go: Distributed lock on the same Redis
*/
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
