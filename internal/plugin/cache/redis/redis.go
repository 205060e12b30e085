// Package redis caches the last published message view per conversation so
// switching back to a recently viewed conversation renders instantly while
// the live subscription warms up.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/chat-console/internal/config"
	"github.com/chirino/chat-console/internal/model"
	registrycache "github.com/chirino/chat-console/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.SnapshotCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_CONSOLE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a SnapshotCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.SnapshotCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &snapshotCache{client: client}, nil
}

type snapshotCache struct {
	client *goredis.Client
}

func viewKey(conversationID string) string {
	return "chat-console:msg-view:" + conversationID
}

func (c *snapshotCache) Available() bool { return true }

func (c *snapshotCache) Get(ctx context.Context, conversationID string) ([]model.MessageView, error) {
	data, err := c.client.Get(ctx, viewKey(conversationID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var views []model.MessageView
	if err := json.Unmarshal(data, &views); err != nil {
		// A decode failure only means a stale or corrupt entry; treat it
		// as a miss and let the next publish overwrite it.
		return nil, nil
	}
	return views, nil
}

func (c *snapshotCache) Set(ctx context.Context, conversationID string, views []model.MessageView, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	data, err := json.Marshal(views)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, viewKey(conversationID), data, ttl).Err()
}

func (c *snapshotCache) Remove(ctx context.Context, conversationID string) error {
	return c.client.Del(ctx, viewKey(conversationID)).Err()
}
