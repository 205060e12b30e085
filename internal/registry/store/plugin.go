package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chirino/chat-console/internal/model"
)

// MessageStore is the append-only per-conversation message log.
//
// The backing store imposes no ordering of its own: every subscriber
// receives the complete current message set on each change and must derive
// ordering from the messages' sequence numbers.
type MessageStore interface {
	// Append writes a new message under the given compound key. The write is
	// create-only: appending a key that already exists in the conversation
	// fails with a ConflictError, which is how concurrent writers that
	// computed the same sequence number detect the collision.
	Append(ctx context.Context, conversationID string, key model.MessageKey, msg model.Message) error

	// Subscribe opens a live full-snapshot stream over one conversation's
	// log. The initial snapshot is delivered immediately; a new complete
	// snapshot follows every change. The caller owns the subscription and
	// must Close it when done.
	Subscribe(ctx context.Context, conversationID string) (*MessageSubscription, error)
}

// ConversationIndex is the per-tenant set of conversations.
type ConversationIndex interface {
	// ListByTenant opens a live full-snapshot stream over the tenant's
	// conversations. Every Touch by any writer, including this one,
	// eventually surfaces in a snapshot.
	ListByTenant(ctx context.Context, tenantID string) (*ConversationSubscription, error)

	// Touch merge-writes the conversation's lastActivity timestamp. No other
	// field is disturbed.
	Touch(ctx context.Context, conversationID string, ts time.Time) error
}

// Backend bundles the two stores a plugin provides over one backing datastore.
type Backend interface {
	Messages() MessageStore
	Conversations() ConversationIndex
	Close(ctx context.Context) error
}

// MessageSubscription delivers full message-set snapshots for one conversation.
type MessageSubscription = Subscription[[]model.Message]

// ConversationSubscription delivers full conversation-set snapshots for one tenant.
type ConversationSubscription = Subscription[[]model.Conversation]

// Subscription is a cancellable full-snapshot stream. Producers push
// complete snapshots with Push; because every snapshot is an authoritative
// restatement of the whole set, a slow consumer only ever observes the
// latest one. Intermediate snapshots are coalesced away.
//
// Push, Close, Fail and FinishPushes are all safe to call concurrently with
// each other; once the snapshot channel has been closed, further pushes are
// no-ops.
type Subscription[T any] struct {
	mu        sync.Mutex
	snapshots chan T
	finished  bool
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscription creates a subscription handle. Producer goroutines push
// into it; the consumer ranges over Snapshots until it closes.
func NewSubscription[T any]() *Subscription[T] {
	return &Subscription[T]{
		snapshots: make(chan T, 1),
		done:      make(chan struct{}),
	}
}

// Snapshots returns the stream of full snapshots. The channel is closed
// after the subscription is closed or fails.
func (s *Subscription[T]) Snapshots() <-chan T { return s.snapshots }

// Done is closed when the subscription has been torn down.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Err reports why the stream terminated. It is nil after a clean Close.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. Safe to call more than once and
// concurrently with Push.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Fail terminates the stream with a SubscriptionError the consumer can
// observe via Err after the snapshot channel closes.
func (s *Subscription[T]) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

// Push delivers a snapshot, replacing any undelivered one. Returns false
// once the subscription is closed or finished.
func (s *Subscription[T]) Push(snap T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	for {
		select {
		case s.snapshots <- snap:
			return true
		default:
		}
		// Buffer full: drop the stale undelivered snapshot and retry.
		select {
		case <-s.snapshots:
		default:
		}
	}
}

// FinishPushes closes the snapshot channel, ending the consumer's range
// loop. Called by the producer after Done is observed; idempotent, and a
// Push still in flight on another goroutine degrades to a no-op.
func (s *Subscription[T]) FinishPushes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.snapshots)
}

// Loader creates a Backend from config carried in ctx.
type Loader func(ctx context.Context) (Backend, error)

// Plugin represents a datastore plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a datastore plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered datastore plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named datastore plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown datastore %q; valid: %v", name, Names())
}
