package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/smtp-sink-lite/internal/message"
)

// redisClient is the subset of *redis.Client used by Redis.
type redisClient interface {
	Publish(ctx context.Context, channel string, msg interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis publishes events as JSON on a Redis pub/sub channel.
type Redis struct {
	rdb     redisClient
	channel string
}

// NewRedis creates a Redis publisher for the given channel.
func NewRedis(rdb *redis.Client, channel string) *Redis {
	return &Redis{rdb: rdb, channel: channel}
}

// DialRedis parses url and returns a connected client.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis PING: %w", err)
	}
	return rdb, nil
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, ev message.MessageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal message event: %w", err)
	}

	receivers, err := r.rdb.Publish(ctx, r.channel, string(payload)).Result()
	if err != nil {
		return fmt.Errorf("redis PUBLISH: %w", err)
	}

	var id interface{}
	if ev.Message.ID != nil {
		id = *ev.Message.ID
	}
	slog.Debug("published message event",
		"channel", r.channel,
		"event_type", ev.Type,
		"message_id", id,
		"receivers", receivers,
	)
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}
