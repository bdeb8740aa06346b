package broadcast

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes updates on redis pub/sub channels named
// prefix + stream, so other processes can relay them.
type RedisBroadcaster struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBroadcaster(client redis.UniversalClient, prefix string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, prefix: prefix}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisBroadcaster) Channel(stream string) string {
	return r.prefix + stream
}

func (r *RedisBroadcaster) Publish(ctx context.Context, stream string, payload interface{}) error {
	msg, err := encode(stream, payload)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(stream), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}
