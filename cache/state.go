package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/traffic/promotion-engine/generic"
)

// State implements generic.StateCache with JSON strings and no expiry.
// Staleness is bounded by write-through: every mutation path overwrites
// its key before returning.
type State struct {
	rdb redis.UniversalClient
}

func NewState(rdb redis.UniversalClient) *State {
	return &State{rdb: rdb}
}

func (s *State) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, generic.Transient("cache get "+key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (s *State) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return generic.Transient("cache put "+key, s.rdb.Set(ctx, key, data, 0).Err())
}

func (s *State) Delete(ctx context.Context, key string) error {
	return generic.Transient("cache delete "+key, s.rdb.Del(ctx, key).Err())
}
