// Package metrics decorates a datastore backend with Prometheus latency
// observations for every store operation.
package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-console/internal/model"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/chirino/chat-console/internal/security"
)

// Wrap returns a Backend that records StoreLatency for every operation.
func Wrap(inner registrystore.Backend) registrystore.Backend {
	return &metricsBackend{inner: inner}
}

type metricsBackend struct {
	inner registrystore.Backend
}

func observe(op string, start time.Time) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (b *metricsBackend) Messages() registrystore.MessageStore {
	return &metricsMessages{inner: b.inner.Messages()}
}

func (b *metricsBackend) Conversations() registrystore.ConversationIndex {
	return &metricsConversations{inner: b.inner.Conversations()}
}

func (b *metricsBackend) Close(ctx context.Context) error {
	defer observe("close", time.Now())
	return b.inner.Close(ctx)
}

type metricsMessages struct {
	inner registrystore.MessageStore
}

func (m *metricsMessages) Append(ctx context.Context, conversationID string, key model.MessageKey, msg model.Message) error {
	defer observe("append", time.Now())
	return m.inner.Append(ctx, conversationID, key, msg)
}

func (m *metricsMessages) Subscribe(ctx context.Context, conversationID string) (*registrystore.MessageSubscription, error) {
	defer observe("subscribe_messages", time.Now())
	return m.inner.Subscribe(ctx, conversationID)
}

type metricsConversations struct {
	inner registrystore.ConversationIndex
}

func (m *metricsConversations) ListByTenant(ctx context.Context, tenantID string) (*registrystore.ConversationSubscription, error) {
	defer observe("subscribe_conversations", time.Now())
	return m.inner.ListByTenant(ctx, tenantID)
}

func (m *metricsConversations) Touch(ctx context.Context, conversationID string, ts time.Time) error {
	defer observe("touch", time.Now())
	return m.inner.Touch(ctx, conversationID, ts)
}
