package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"busrelay/internal/model"
)

// RedisLocationCache implements LocationCache over Redis string keys with a TTL,
// so the last position survives a relay restart.
type RedisLocationCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocationCache connects to url and verifies it with PING.
func NewRedisLocationCache(ctx context.Context, url string, ttl time.Duration) (*RedisLocationCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisLocationCache{rdb: rdb, ttl: ttl, prefix: "relay:location:"}, nil
}

func (c *RedisLocationCache) key(entity model.ID) string { return c.prefix + string(entity) }

func (c *RedisLocationCache) Put(ctx context.Context, u model.LocationUpdate) error {
	if u.EntityID == "" {
		return nil
	}
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(u.EntityID), data, c.ttl).Err()
}

func (c *RedisLocationCache) Get(ctx context.Context, entity model.ID) (model.LocationUpdate, bool, error) {
	data, err := c.rdb.Get(ctx, c.key(entity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.LocationUpdate{}, false, nil
	}
	if err != nil {
		return model.LocationUpdate{}, false, err
	}
	var u model.LocationUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return model.LocationUpdate{}, false, err
	}
	return u, true, nil
}

// Ping reports Redis reachability.
func (c *RedisLocationCache) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *RedisLocationCache) Close() error { return c.rdb.Close() }
