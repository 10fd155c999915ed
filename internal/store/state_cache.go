package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache keeps the last serialized state per device so the history dedup
// check usually avoids a DB read. Redis is advisory only: on a miss the
// current-state table is consulted instead.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

func stateKey(deviceID uint) string {
	return "device:laststate:" + strconv.FormatUint(uint64(deviceID), 10)
}

func (c *StateCache) Set(ctx context.Context, deviceID uint, stateJSON []byte) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Set(ctx, stateKey(deviceID), stateJSON, 24*time.Hour).Err()
}

func (c *StateCache) Get(ctx context.Context, deviceID uint) ([]byte, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	b, err := c.rdb.Get(ctx, stateKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *StateCache) Delete(ctx context.Context, deviceID uint) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, stateKey(deviceID)).Err()
}
