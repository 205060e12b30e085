// Package memory provides an in-process datastore backend. It is the
// default for local development and the workhorse of the unit tests: writes
// and snapshot fan-out behave like the remote store, just without a network
// in between.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chirino/chat-console/internal/model"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrystore.Backend, error) {
			return NewBackend(), nil
		},
	})
}

// Backend keeps all state in process and pushes a complete snapshot to every
// affected subscriber after each write.
type Backend struct {
	mu            sync.Mutex
	conversations map[string]model.Conversation
	messages      map[string]map[string]model.Message // conversationID -> encoded key -> message
	convSubs      map[*registrystore.ConversationSubscription]string
	msgSubs       map[*registrystore.MessageSubscription]string
}

// NewBackend creates an empty in-process backend.
func NewBackend() *Backend {
	return &Backend{
		conversations: map[string]model.Conversation{},
		messages:      map[string]map[string]model.Message{},
		convSubs:      map[*registrystore.ConversationSubscription]string{},
		msgSubs:       map[*registrystore.MessageSubscription]string{},
	}
}

func (b *Backend) Messages() registrystore.MessageStore { return (*messageStore)(b) }

func (b *Backend) Conversations() registrystore.ConversationIndex { return (*conversationIndex)(b) }

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.convSubs {
		sub.Close()
	}
	for sub := range b.msgSubs {
		sub.Close()
	}
	return nil
}

// PutConversation inserts or replaces a conversation and notifies tenant
// subscribers. Conversation creation is outside the console's scope; this is
// the hook the inbound message path (and tests) use to materialize one.
func (b *Backend) PutConversation(conv model.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[conv.ID] = conv
	b.pushTenantLocked(conv.TenantID)
}

// pushTenantLocked delivers the tenant's current conversation set to its
// subscribers. Pushing under the store lock keeps each subscription's
// snapshots in the order the store applied the writes; Push never blocks, it
// replaces the undelivered snapshot.
func (b *Backend) pushTenantLocked(tenantID string) {
	for sub, tid := range b.convSubs {
		if tid == tenantID {
			sub.Push(b.conversationSetLocked(tenantID))
		}
	}
}

func (b *Backend) conversationSetLocked(tenantID string) []model.Conversation {
	var out []model.Conversation
	for _, c := range b.conversations {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

func (b *Backend) messageSetLocked(conversationID string) []model.Message {
	var out []model.Message
	for _, m := range b.messages[conversationID] {
		out = append(out, m)
	}
	return out
}

type messageStore Backend

func (s *messageStore) Append(ctx context.Context, conversationID string, key model.MessageKey, msg model.Message) error {
	b := (*Backend)(s)
	encoded := key.Encode()

	b.mu.Lock()
	entries := b.messages[conversationID]
	if entries == nil {
		entries = map[string]model.Message{}
		b.messages[conversationID] = entries
	}
	if _, exists := entries[encoded]; exists {
		b.mu.Unlock()
		return &registrystore.ConflictError{ConversationID: conversationID, Key: encoded}
	}
	msg.ConversationID = conversationID
	msg.EncodedKey = encoded
	msg.SequenceNumber = key.SequenceNumber
	msg.AuthorTag = key.AuthorTag
	entries[encoded] = msg

	for sub, cid := range b.msgSubs {
		if cid == conversationID {
			sub.Push(b.messageSetLocked(conversationID))
		}
	}
	b.mu.Unlock()
	return nil
}

func (s *messageStore) Subscribe(ctx context.Context, conversationID string) (*registrystore.MessageSubscription, error) {
	b := (*Backend)(s)
	sub := registrystore.NewSubscription[[]model.Message]()

	b.mu.Lock()
	b.msgSubs[sub] = conversationID
	initial := b.messageSetLocked(conversationID)
	b.mu.Unlock()

	sub.Push(initial)
	go func() {
		<-sub.Done()
		b.mu.Lock()
		delete(b.msgSubs, sub)
		b.mu.Unlock()
		sub.FinishPushes()
	}()
	return sub, nil
}

type conversationIndex Backend

func (s *conversationIndex) ListByTenant(ctx context.Context, tenantID string) (*registrystore.ConversationSubscription, error) {
	b := (*Backend)(s)
	sub := registrystore.NewSubscription[[]model.Conversation]()

	b.mu.Lock()
	b.convSubs[sub] = tenantID
	initial := b.conversationSetLocked(tenantID)
	b.mu.Unlock()

	sub.Push(initial)
	go func() {
		<-sub.Done()
		b.mu.Lock()
		delete(b.convSubs, sub)
		b.mu.Unlock()
		sub.FinishPushes()
	}()
	return sub, nil
}

func (s *conversationIndex) Touch(ctx context.Context, conversationID string, ts time.Time) error {
	b := (*Backend)(s)

	b.mu.Lock()
	conv, ok := b.conversations[conversationID]
	if !ok {
		b.mu.Unlock()
		return &registrystore.WriteError{
			Op:  "touch",
			Err: &registrystore.NotFoundError{Resource: "conversation", ID: conversationID},
		}
	}
	// Merge semantics: only lastActivity moves.
	conv.LastActivity = ts
	b.conversations[conversationID] = conv
	b.pushTenantLocked(conv.TenantID)
	b.mu.Unlock()
	return nil
}
