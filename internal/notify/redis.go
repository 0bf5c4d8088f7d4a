package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
)

// DefaultChannel is the Redis pub/sub channel shared by all processes.
const DefaultChannel = "studio:changes"

// RedisBus publishes events on a Redis channel and feeds every received
// event, including its own, into the local Hub.
type RedisBus struct {
	*Hub
	pool    *redis.Pool
	channel string
	backoff time.Duration
}

func NewRedisBus(pool *redis.Pool, channel string, backoff time.Duration) *RedisBus {
	return &RedisBus{Hub: NewHub(), pool: pool, channel: channel, backoff: backoff}
}

// Publish sends ev to every process. If Redis is unreachable the event is
// still delivered locally and the error returned.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		b.Deliver(ev)
		return fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "PUBLISH", b.channel, data); err != nil {
		b.Deliver(ev)
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Run subscribes to the channel until ctx is done, reconnecting after errors.
func (b *RedisBus) Run(ctx context.Context) {
	for {
		err := b.receive(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Error("redis change bus disconnected", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.backoff):
		}
	}
}

func (b *RedisBus) receive(ctx context.Context) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	psc := redis.PubSubConn{Conn: conn}
	defer psc.Close()

	if err := psc.Subscribe(b.channel); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = psc.Unsubscribe()
	})
	defer stop()

	for {
		switch v := psc.ReceiveContext(ctx).(type) {
		case redis.Message:
			var ev Event
			if err := json.Unmarshal(v.Data, &ev); err != nil {
				slog.Warn("malformed change event", "error", err)
				continue
			}
			b.Deliver(ev)
		case redis.Subscription:
			if v.Count == 0 {
				return ctx.Err()
			}
			slog.Info("subscribed to change bus", "channel", v.Channel)
		case error:
			return v
		}
	}
}
