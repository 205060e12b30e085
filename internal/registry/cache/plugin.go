package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-console/internal/model"
)

type snapshotCacheKey struct{}

// WithSnapshotCacheContext returns a new context carrying the given SnapshotCache.
func WithSnapshotCacheContext(ctx context.Context, c SnapshotCache) context.Context {
	return context.WithValue(ctx, snapshotCacheKey{}, c)
}

// SnapshotCacheFromContext retrieves the SnapshotCache from the context.
// Returns nil if none was set.
func SnapshotCacheFromContext(ctx context.Context) SnapshotCache {
	c, _ := ctx.Value(snapshotCacheKey{}).(SnapshotCache)
	return c
}

// SnapshotCache keeps the last published message view per conversation so a
// newly activated conversation can render immediately while its live
// subscription warms up. Entries are advisory: the first live snapshot
// always replaces whatever the cache served.
type SnapshotCache interface {
	Available() bool
	Get(ctx context.Context, conversationID string) ([]model.MessageView, error)
	Set(ctx context.Context, conversationID string, views []model.MessageView, ttl time.Duration) error
	Remove(ctx context.Context, conversationID string) error
}

// Loader creates a cache from config carried in ctx.
type Loader func(ctx context.Context) (SnapshotCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
