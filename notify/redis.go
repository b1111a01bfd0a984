package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDispatcher publishes events on Redis pub/sub channels, one channel per
// topic under a common prefix.
type RedisDispatcher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisDispatcher(client *redis.Client, prefix string, timeout time.Duration) *RedisDispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisDispatcher{client: client, prefix: prefix, timeout: timeout}
}

func (d *RedisDispatcher) Emit(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.client.Publish(ctx, d.prefix+ev.Topic, body).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Topic, err)
	}
	return nil
}
