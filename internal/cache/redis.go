// Package cache keeps the per-owner transcript snapshot, the last-used
// session pointer and request counters in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/set-night/studiochat/internal/domain"
)

const keyPrefix = "studio:"

func snapshotKey(owner string) string { return keyPrefix + "snapshot:" + owner }
func pointerKey(owner string) string  { return keyPrefix + "last_session:" + owner }
func rateKey(owner string, window int64) string {
	return keyPrefix + "rate:" + owner + ":" + strconv.FormatInt(window, 10)
}

// NewPool creates a Redis connection pool for the given URL.
func NewPool(ctx context.Context, redisURL string) (*redis.Pool, error) {
	pool := &redis.Pool{
		MaxIdle:     8,
		MaxActive:   64,
		IdleTimeout: 4 * time.Minute,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, redisURL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return pool, nil
}

type RedisCache struct {
	pool *redis.Pool
	ttl  time.Duration
}

func NewRedisCache(pool *redis.Pool, ttl time.Duration) *RedisCache {
	return &RedisCache{pool: pool, ttl: ttl}
}

func (c *RedisCache) do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()
	return redis.DoContext(conn, ctx, cmd, args...)
}

// LoadSnapshot returns nil without error when the owner has no snapshot.
func (c *RedisCache) LoadSnapshot(ctx context.Context, owner string) (*domain.Snapshot, error) {
	data, err := redis.Bytes(c.do(ctx, "GET", snapshotKey(owner)))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

func (c *RedisCache) SaveSnapshot(ctx context.Context, owner string, snap *domain.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, "SET", snapshotKey(owner), data, "EX", int64(c.ttl.Seconds())); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) ClearSnapshot(ctx context.Context, owner string) error {
	if _, err := c.do(ctx, "DEL", snapshotKey(owner)); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// LastSession returns 0 when no pointer is stored.
func (c *RedisCache) LastSession(ctx context.Context, owner string) (int64, error) {
	id, err := redis.Int64(c.do(ctx, "GET", pointerKey(owner)))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return 0, nil
		}
		return 0, fmt.Errorf("load last session: %w", err)
	}
	return id, nil
}

// SetLastSession stores the pointer; id 0 removes it.
func (c *RedisCache) SetLastSession(ctx context.Context, owner string, id int64) error {
	var err error
	if id == 0 {
		_, err = c.do(ctx, "DEL", pointerKey(owner))
	} else {
		_, err = c.do(ctx, "SET", pointerKey(owner), id, "EX", int64(c.ttl.Seconds()))
	}
	if err != nil {
		return fmt.Errorf("store last session: %w", err)
	}
	return nil
}

// Hit increments the owner's counter for the current minute and returns it.
func (c *RedisCache) Hit(ctx context.Context, owner string, now time.Time) (int, error) {
	window := now.Unix() / 60
	key := rateKey(owner, window)

	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return 0, err
	}
	if err := conn.Send("INCR", key); err != nil {
		return 0, err
	}
	if err := conn.Send("EXPIRE", key, 120); err != nil {
		return 0, err
	}
	replies, err := redis.Values(redis.DoContext(conn, ctx, "EXEC"))
	if err != nil {
		return 0, fmt.Errorf("rate counter: %w", err)
	}
	count, err := redis.Int(replies[0], nil)
	if err != nil {
		return 0, fmt.Errorf("rate counter reply: %w", err)
	}
	return count, nil
}

func EncodeSnapshot(snap *domain.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
