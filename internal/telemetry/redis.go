package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldline/internal/domain"
)

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisStream mirrors events onto a capped Redis stream for out-of-process consumers.
type RedisStream struct {
	Client  redis.Cmdable
	Stream  string
	MaxLen  int64
	Timeout time.Duration
}

// Publish is a sink callback.
func (r RedisStream) Publish(evt domain.Event) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.Stream,
		Values: map[string]any{
			"id":      strconv.FormatInt(evt.ID, 10),
			"version": evt.Version,
			"ts":      evt.Timestamp.Format(time.RFC3339Nano),
			"type":    evt.Type,
			"payload": string(payload),
		},
	}
	if r.MaxLen > 0 {
		args.MaxLen = r.MaxLen
		args.Approx = true
	}
	if err := r.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.Stream, err)
	}
	return nil
}
