package syncengine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-console/internal/model"
	registrycache "github.com/chirino/chat-console/internal/registry/cache"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/chirino/chat-console/internal/security"
)

// ErrClosed is returned by engine commands after Close.
var ErrClosed = errors.New("sync engine is closed")

const (
	streamConversations = "conversations"
	streamMessages      = "messages"
)

// Options configures an Engine. TenantID and OperatorID come from the
// authentication layer at session start; the engine never consults any
// ambient session state.
type Options struct {
	TenantID   string
	OperatorID string
	Backend    registrystore.Backend

	// Cache, when set, warms the message view of a newly activated
	// conversation from the last published snapshot.
	Cache    registrycache.SnapshotCache
	CacheTTL time.Duration

	// Backoff settings for reopening terminated snapshot streams.
	Backoff    time.Duration
	BackoffMax time.Duration
}

// Engine subscribes to the conversation index and to the active
// conversation's message log, and re-derives the two ordered views the
// console renders on every change notification.
//
// All derived state is mutated by a single event-loop goroutine; readers get
// immutable snapshots through the accessor methods. Ordering is always
// recomputed from the full snapshot just received, never patched
// incrementally, so concurrent remote writers converge as soon as their
// writes surface in a snapshot.
type Engine struct {
	opts Options

	events   chan event
	commands chan command
	closed    chan struct{}
	loopDone  chan struct{}
	runOnce   sync.Once
	closeOnce sync.Once

	mu            sync.RWMutex
	conversations []model.ConversationView
	remoteParties map[string]string // conversationID -> remotePartyID
	messages      []model.MessageView
	activeID      string
	connected     bool
	updateCh      chan struct{}
}

type event interface{ isEvent() }

type conversationsSnapshot struct {
	conversations []model.Conversation
}

type messagesSnapshot struct {
	generation uint64
	messages   []model.Message
}

type streamFailure struct {
	stream     string
	generation uint64
	err        error
}

type resubscribeTick struct {
	stream     string
	generation uint64
	backoff    time.Duration
}

func (conversationsSnapshot) isEvent() {}
func (messagesSnapshot) isEvent()      {}
func (streamFailure) isEvent()         {}
func (resubscribeTick) isEvent()       {}

type command struct {
	setActive *string
	reply     chan error
}

// New creates an engine for one operator session.
func New(opts Options) *Engine {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.BackoffMax < opts.Backoff {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &Engine{
		opts:          opts,
		events:        make(chan event, 16),
		commands:      make(chan command),
		closed:        make(chan struct{}),
		loopDone:      make(chan struct{}),
		remoteParties: map[string]string{},
		updateCh:      make(chan struct{}),
	}
}

// Start launches the event loop and opens the tenant's conversation stream.
/// With no tenant selected the engine stays idle: nothing is subscribed and
// both views remain empty. That is the documented "no tenant" state, not an
// error.
func (e *Engine) Start(ctx context.Context) {
	e.runOnce.Do(func() {
		if e.opts.TenantID == "" {
			log.Debug("SyncEngine: no tenant selected, staying idle")
			close(e.loopDone)
			return
		}
		go e.run(ctx)
	})
}

// Close tears down the event loop and releases all held subscriptions. It is
// safe to call more than once, from multiple goroutines, and before Start;
// closing an engine that never started also prevents a later Start from
// launching the loop.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	e.runOnce.Do(func() {
		close(e.loopDone)
	})
	<-e.loopDone
}

// SetActiveConversation switches the message stream to the given
// conversation. An empty id deactivates. The previous subscription is
// released before the new one opens; any snapshot still in flight from it
// is dropped by the generation guard.
func (e *Engine) SetActiveConversation(ctx context.Context, conversationID string) error {
	cmd := command{setActive: &conversationID, reply: make(chan error, 1)}
	select {
	case e.commands <- cmd:
		return <-cmd.reply
	case <-e.closed:
		return ErrClosed
	case <-e.loopDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conversations returns the current published conversation view, sorted
// descending by last activity.
func (e *Engine) Conversations() []model.ConversationView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conversations
}

// Messages returns the current published message view of the active
// conversation, sorted ascending by sequence number.
func (e *Engine) Messages() []model.MessageView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.messages
}

// ActiveConversation returns the id of the active conversation, or "".
func (e *Engine) ActiveConversation() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeID
}

// Connected reports whether all held subscriptions are live. False after a
// stream failure until the reopened stream delivers again.
func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// LoadedMessageCount returns how many messages are currently loaded for the
// conversation, which must be the active one. The composition pipeline uses
// this count to derive the next sequence number.
func (e *Engine) LoadedMessageCount(conversationID string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if conversationID == "" || conversationID != e.activeID {
		return 0, false
	}
	return len(e.messages), true
}

// Updates returns a channel that is closed the next time either view is
// republished. Callers re-arm by calling Updates again after it fires.
func (e *Engine) Updates() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updateCh
}

// loopState is owned by the run goroutine.
type loopState struct {
	generation uint64
	convSub    *registrystore.ConversationSubscription
	msgSub     *registrystore.MessageSubscription
	msgCancel  func()
	convCancel func()
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)

	st := &loopState{}
	defer func() {
		if st.convCancel != nil {
			st.convCancel()
		}
		if st.msgCancel != nil {
			st.msgCancel()
		}
	}()

	if err := e.subscribeConversations(ctx, st); err != nil {
		log.Error("SyncEngine: initial conversation subscription failed", "tenant", e.opts.TenantID, "err", err)
		e.scheduleResubscribe(streamConversations, st.generation, e.opts.Backoff)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		case cmd := <-e.commands:
			cmd.reply <- e.handleSetActive(ctx, st, *cmd.setActive)
		case ev := <-e.events:
			e.handleEvent(ctx, st, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, st *loopState, ev event) {
	switch ev := ev.(type) {
	case conversationsSnapshot:
		e.applyConversations(ev.conversations)
	case messagesSnapshot:
		if ev.generation != st.generation {
			// Late snapshot from a subscription that has already been
			// switched away from. Must never reach the published view.
			log.Debug("SyncEngine: dropping stale message snapshot", "generation", ev.generation)
			return
		}
		e.applyMessages(ev.messages)
	case streamFailure:
		e.handleStreamFailure(st, ev)
	case resubscribeTick:
		e.handleResubscribe(ctx, st, ev)
	}
}

func (e *Engine) handleSetActive(ctx context.Context, st *loopState, conversationID string) error {
	if st.msgCancel != nil {
		st.msgCancel()
		st.msgCancel = nil
		st.msgSub = nil
	}
	st.generation++

	e.mu.Lock()
	e.activeID = conversationID
	e.messages = nil
	e.mu.Unlock()

	if conversationID == "" {
		e.notify()
		return nil
	}

	e.warmFromCache(ctx, conversationID)

	if err := e.subscribeMessages(ctx, st, conversationID); err != nil {
		e.scheduleResubscribe(streamMessages, st.generation, e.opts.Backoff)
		return &registrystore.SubscriptionError{Stream: streamMessages, Err: err}
	}
	return nil
}

func (e *Engine) warmFromCache(ctx context.Context, conversationID string) {
	if e.opts.Cache == nil || !e.opts.Cache.Available() {
		return
	}
	views, err := e.opts.Cache.Get(ctx, conversationID)
	if err != nil {
		log.Warn("SyncEngine: snapshot cache read failed", "conversation", conversationID, "err", err)
		return
	}
	if views == nil {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		return
	}
	if security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	e.mu.Lock()
	e.messages = views
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) subscribeConversations(ctx context.Context, st *loopState) error {
	sub, err := e.opts.Backend.Conversations().ListByTenant(ctx, e.opts.TenantID)
	if err != nil {
		return err
	}
	st.convSub = sub
	st.convCancel = sub.Close
	gen := st.generation
	go func() {
		for snap := range sub.Snapshots() {
			e.post(conversationsSnapshot{conversations: snap})
		}
		if err := sub.Err(); err != nil {
			e.post(streamFailure{stream: streamConversations, generation: gen, err: err})
		}
	}()
	return nil
}

func (e *Engine) subscribeMessages(ctx context.Context, st *loopState, conversationID string) error {
	sub, err := e.opts.Backend.Messages().Subscribe(ctx, conversationID)
	if err != nil {
		return err
	}
	st.msgSub = sub
	st.msgCancel = sub.Close
	gen := st.generation
	go func() {
		for snap := range sub.Snapshots() {
			e.post(messagesSnapshot{generation: gen, messages: snap})
		}
		if err := sub.Err(); err != nil {
			e.post(streamFailure{stream: streamMessages, generation: gen, err: err})
		}
	}()
	return nil
}

func (e *Engine) handleStreamFailure(st *loopState, ev streamFailure) {
	if ev.stream == streamMessages && ev.generation != st.generation {
		return // the failed subscription was already switched away from
	}
	subErr := &registrystore.SubscriptionError{Stream: ev.stream, Err: ev.err}
	log.Error("SyncEngine: snapshot stream terminated", "stream", ev.stream, "tenant", e.opts.TenantID, "err", subErr)

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	e.notify()

	e.scheduleResubscribe(ev.stream, st.generation, e.opts.Backoff)
}

func (e *Engine) scheduleResubscribe(stream string, generation uint64, backoff time.Duration) {
	if backoff > e.opts.BackoffMax {
		backoff = e.opts.BackoffMax
	}
	time.AfterFunc(backoff, func() {
		e.post(resubscribeTick{stream: stream, generation: generation, backoff: backoff})
	})
}

func (e *Engine) handleResubscribe(ctx context.Context, st *loopState, ev resubscribeTick) {
	if security.ResubscribesTotal != nil {
		security.ResubscribesTotal.WithLabelValues(ev.stream).Inc()
	}
	switch ev.stream {
	case streamConversations:
		if st.convCancel != nil {
			st.convCancel()
			st.convCancel = nil
		}
		if err := e.subscribeConversations(ctx, st); err != nil {
			log.Warn("SyncEngine: resubscribe failed", "stream", ev.stream, "err", err)
			e.scheduleResubscribe(ev.stream, st.generation, ev.backoff*2)
		}
	case streamMessages:
		if ev.generation != st.generation {
			return // switched away while waiting
		}
		active := e.ActiveConversation()
		if active == "" {
			return
		}
		if st.msgCancel != nil {
			st.msgCancel()
			st.msgCancel = nil
		}
		st.generation++
		if err := e.subscribeMessages(ctx, st, active); err != nil {
			log.Warn("SyncEngine: resubscribe failed", "stream", ev.stream, "err", err)
			e.scheduleResubscribe(ev.stream, st.generation, ev.backoff*2)
		}
	}
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

// applyConversations replaces the conversation view with a freshly sorted
// derivation of the snapshot. Missing lastActivity sorts last.
func (e *Engine) applyConversations(conversations []model.Conversation) {
	if security.SnapshotsDelivered != nil {
		security.SnapshotsDelivered.WithLabelValues(streamConversations).Inc()
	}
	views := make([]model.ConversationView, 0, len(conversations))
	remoteParties := make(map[string]string, len(conversations))
	for _, c := range conversations {
		remoteParties[c.ID] = c.RemotePartyID
		views = append(views, model.ConversationView{
			ID:            c.ID,
			DisplayName:   c.DisplayName,
			RemotePartyID: c.RemotePartyID,
			LastActivity:  c.LastActivity,
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].LastActivity, views[j].LastActivity
		if a.IsZero() {
			return false
		}
		if b.IsZero() {
			return true
		}
		return a.After(b)
	})

	e.mu.Lock()
	oldRemote := e.remoteParties[e.activeID]
	e.conversations = views
	e.remoteParties = remoteParties
	// Cross-stream ordering is unguaranteed: a message snapshot may have been
	// classified before the conversation snapshot supplied the remote party.
	// When the active conversation's remote party changes, re-attribute the
	// published message view instead of waiting for the next message change.
	if newRemote := remoteParties[e.activeID]; e.activeID != "" && newRemote != oldRemote && len(e.messages) > 0 {
		reattributed := make([]model.MessageView, len(e.messages))
		for i, m := range e.messages {
			m.FromOperator = m.AuthorTag != newRemote
			reattributed[i] = m
		}
		e.messages = reattributed
	}
	e.connected = true
	e.mu.Unlock()
	e.notify()
}

// applyMessages replaces the message view. Every entry of the snapshot is
// taken as authoritative; entries whose compound key cannot be recovered are
// logged and excluded without disturbing the rest of the view.
func (e *Engine) applyMessages(messages []model.Message) {
	if security.SnapshotsDelivered != nil {
		security.SnapshotsDelivered.WithLabelValues(streamMessages).Inc()
	}

	e.mu.RLock()
	remoteParty := e.remoteParties[e.activeID]
	active := e.activeID
	e.mu.RUnlock()

	views := make([]model.MessageView, 0, len(messages))
	for _, m := range messages {
		seq, author := m.SequenceNumber, m.AuthorTag
		if seq == 0 || author == "" {
			// Legacy entry: fields live only in the encoded document key.
			key, err := model.ParseMessageKey(m.EncodedKey)
			if err != nil {
				log.Warn("SyncEngine: skipping message with malformed key",
					"conversation", active, "key", m.EncodedKey, "err", err)
				if security.MalformedKeysTotal != nil {
					security.MalformedKeysTotal.Inc()
				}
				continue
			}
			seq, author = key.SequenceNumber, key.AuthorTag
		}
		views = append(views, model.MessageView{
			SequenceNumber: seq,
			AuthorTag:      author,
			Kind:           m.Kind,
			Content:        m.Content,
			Delivered:      m.Delivered,
			FromOperator:   author != remoteParty,
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].SequenceNumber < views[j].SequenceNumber
	})

	e.mu.Lock()
	e.messages = views
	e.connected = true
	e.mu.Unlock()
	e.notify()

	if e.opts.Cache != nil && e.opts.Cache.Available() && active != "" {
		if err := e.opts.Cache.Set(context.Background(), active, views, e.opts.CacheTTL); err != nil {
			log.Warn("SyncEngine: snapshot cache write failed", "conversation", active, "err", err)
		}
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	close(e.updateCh)
	e.updateCh = make(chan struct{})
	e.mu.Unlock()
}
