package cache

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/traffic/promotion-engine/generic"
)

// Balances mirrors point balances into one Redis hash.
type Balances struct {
	rdb redis.UniversalClient
	key string
}

func NewBalances(rdb redis.UniversalClient) *Balances {
	return &Balances{rdb: rdb, key: "point:balance"}
}

func (b *Balances) Get(ctx context.Context, userID generic.UserID) (int64, bool, error) {
	n, err := b.rdb.HGet(ctx, b.key, string(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, generic.Transient("cache get balance", err)
	}
	return n, true, nil
}

func (b *Balances) Set(ctx context.Context, userID generic.UserID, balance int64) error {
	return generic.Transient("cache set balance", b.rdb.HSet(ctx, b.key, string(userID), balance).Err())
}

// SetMany writes several balances in one pipeline.
func (b *Balances) SetMany(ctx context.Context, balances map[generic.UserID]int64) error {
	if len(balances) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for userID, balance := range balances {
		pipe.HSet(ctx, b.key, string(userID), balance)
	}
	_, err := pipe.Exec(ctx)
	return generic.Transient("cache sync balances", err)
}

func (b *Balances) Delete(ctx context.Context, userID generic.UserID) error {
	return generic.Transient("cache delete balance", b.rdb.HDel(ctx, b.key, string(userID)).Err())
}
