// Package noop provides the disabled snapshot cache.
package noop

import (
	"context"
	"time"

	"github.com/chirino/chat-console/internal/model"
	registrycache "github.com/chirino/chat-console/internal/registry/cache"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registrycache.SnapshotCache, error) {
			return noopCache{}, nil
		},
	})
}

type noopCache struct{}

func (noopCache) Available() bool { return false }

func (noopCache) Get(ctx context.Context, conversationID string) ([]model.MessageView, error) {
	return nil, nil
}

func (noopCache) Set(ctx context.Context, conversationID string, views []model.MessageView, ttl time.Duration) error {
	return nil
}

func (noopCache) Remove(ctx context.Context, conversationID string) error {
	return nil
}
