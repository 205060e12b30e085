package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-console/internal/model"
	registrystore "github.com/chirino/chat-console/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend lets tests drive snapshot streams by hand.
type fakeBackend struct {
	mu           sync.Mutex
	convSubs     []*registrystore.ConversationSubscription
	convsCreated int
	msgSubs      map[string][]*registrystore.MessageSubscription
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{msgSubs: map[string][]*registrystore.MessageSubscription{}}
}

func (f *fakeBackend) Messages() registrystore.MessageStore { return (*fakeMessages)(f) }

func (f *fakeBackend) Conversations() registrystore.ConversationIndex { return (*fakeIndex)(f) }

func (f *fakeBackend) Close(ctx context.Context) error { return nil }

type fakeMessages fakeBackend

func (f *fakeMessages) Append(ctx context.Context, conversationID string, key model.MessageKey, msg model.Message) error {
	return nil
}

func (f *fakeMessages) Subscribe(ctx context.Context, conversationID string) (*registrystore.MessageSubscription, error) {
	fb := (*fakeBackend)(f)
	sub := registrystore.NewSubscription[[]model.Message]()
	fb.mu.Lock()
	fb.msgSubs[conversationID] = append(fb.msgSubs[conversationID], sub)
	fb.mu.Unlock()
	go func() {
		<-sub.Done()
		fb.mu.Lock()
		subs := fb.msgSubs[conversationID]
		for i, s := range subs {
			if s == sub {
				fb.msgSubs[conversationID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		fb.mu.Unlock()
		sub.FinishPushes()
	}()
	return sub, nil
}

type fakeIndex fakeBackend

func (f *fakeIndex) ListByTenant(ctx context.Context, tenantID string) (*registrystore.ConversationSubscription, error) {
	fb := (*fakeBackend)(f)
	sub := registrystore.NewSubscription[[]model.Conversation]()
	fb.mu.Lock()
	fb.convSubs = append(fb.convSubs, sub)
	fb.convsCreated++
	fb.mu.Unlock()
	go func() {
		<-sub.Done()
		fb.mu.Lock()
		for i, s := range fb.convSubs {
			if s == sub {
				fb.convSubs = append(fb.convSubs[:i], fb.convSubs[i+1:]...)
				break
			}
		}
		fb.mu.Unlock()
		sub.FinishPushes()
	}()
	return sub, nil
}

func (f *fakeIndex) Touch(ctx context.Context, conversationID string, ts time.Time) error {
	return nil
}

func (f *fakeBackend) pushConversations(snap []model.Conversation) {
	f.mu.Lock()
	subs := append([]*registrystore.ConversationSubscription(nil), f.convSubs...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Push(snap)
	}
}

func (f *fakeBackend) pushMessages(conversationID string, snap []model.Message) {
	f.mu.Lock()
	subs := append([]*registrystore.MessageSubscription(nil), f.msgSubs[conversationID]...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Push(snap)
	}
}

func (f *fakeBackend) failConversations(err error) {
	f.mu.Lock()
	subs := append([]*registrystore.ConversationSubscription(nil), f.convSubs...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Fail(err)
	}
}

func (f *fakeBackend) convSubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convSubs)
}

func (f *fakeBackend) convSubsCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convsCreated
}

func startEngine(t *testing.T, fb *fakeBackend) *Engine {
	t.Helper()
	e := New(Options{
		TenantID:   "tenant-1",
		OperatorID: "op-1",
		Backend:    fb,
		Backoff:    10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	})
	e.Start(context.Background())
	t.Cleanup(e.Close)
	require.Eventually(t, func() bool { return fb.convSubCount() == 1 },
		2*time.Second, 5*time.Millisecond, "conversation subscription never opened")
	return e
}

func awaitUpdate(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a view update")
	}
}

func TestConversationViewOrdering(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updates := e.Updates()
	fb.pushConversations([]model.Conversation{
		{ID: "c-old", TenantID: "tenant-1", LastActivity: base.Add(-time.Hour)},
		{ID: "c-never", TenantID: "tenant-1"}, // no activity yet
		{ID: "c-new", TenantID: "tenant-1", LastActivity: base},
		{ID: "c-mid", TenantID: "tenant-1", LastActivity: base.Add(-time.Minute)},
	})
	awaitUpdate(t, updates)

	got := e.Conversations()
	require.Len(t, got, 4)
	assert.Equal(t, "c-new", got[0].ID)
	assert.Equal(t, "c-mid", got[1].ID)
	assert.Equal(t, "c-old", got[2].ID)
	assert.Equal(t, "c-never", got[3].ID, "conversations without activity sort last")
	assert.True(t, e.Connected())
}

func TestConversationViewReordersOnNewSnapshot(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updates := e.Updates()
	fb.pushConversations([]model.Conversation{
		{ID: "a", TenantID: "tenant-1", LastActivity: base},
		{ID: "b", TenantID: "tenant-1", LastActivity: base.Add(-time.Minute)},
	})
	awaitUpdate(t, updates)
	require.Equal(t, "a", e.Conversations()[0].ID)

	// A remote write bumps b past a; the next snapshot must flip the order.
	updates = e.Updates()
	fb.pushConversations([]model.Conversation{
		{ID: "a", TenantID: "tenant-1", LastActivity: base},
		{ID: "b", TenantID: "tenant-1", LastActivity: base.Add(time.Minute)},
	})
	awaitUpdate(t, updates)
	assert.Equal(t, "b", e.Conversations()[0].ID)
}

func TestMessageViewOrderingAndClassification(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	updates := e.Updates()
	fb.pushConversations([]model.Conversation{
		{ID: "c1", TenantID: "tenant-1", RemotePartyID: "cust-7"},
	})
	awaitUpdate(t, updates)
	require.NoError(t, e.SetActiveConversation(context.Background(), "c1"))

	updates = e.Updates()
	fb.pushMessages("c1", []model.Message{
		{SequenceNumber: 3, AuthorTag: "op-1", Kind: model.KindText, Content: "three"},
		{SequenceNumber: 1, AuthorTag: "cust-7", Kind: model.KindText, Content: "one"},
		{EncodedKey: "2, cust-7", Kind: model.KindText, Content: "two"}, // legacy entry
	})
	awaitUpdate(t, updates)

	got := e.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].SequenceNumber, got[1].SequenceNumber, got[2].SequenceNumber})
	assert.False(t, got[0].FromOperator)
	assert.False(t, got[1].FromOperator, "author recovered from the encoded key")
	assert.True(t, got[2].FromOperator)

	count, ok := e.LoadedMessageCount("c1")
	require.True(t, ok)
	assert.Equal(t, 3, count)
	_, ok = e.LoadedMessageCount("c2")
	assert.False(t, ok, "count is only defined for the active conversation")
}

func TestMalformedKeyDoesNotPoisonTheView(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	updates := e.Updates()
	fb.pushConversations([]model.Conversation{{ID: "c1", TenantID: "tenant-1", RemotePartyID: "cust-7"}})
	awaitUpdate(t, updates)
	require.NoError(t, e.SetActiveConversation(context.Background(), "c1"))

	updates = e.Updates()
	fb.pushMessages("c1", []model.Message{
		{SequenceNumber: 1, AuthorTag: "cust-7", Kind: model.KindText, Content: "fine"},
		{EncodedKey: "not a key", Kind: model.KindText, Content: "broken"},
		{SequenceNumber: 2, AuthorTag: "op-1", Kind: model.KindText, Content: "also fine"},
	})
	awaitUpdate(t, updates)

	got := e.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "fine", got[0].Content)
	assert.Equal(t, "also fine", got[1].Content)
}

func TestSwitchingConversationsDropsTheOldStream(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	updates := e.Updates()
	fb.pushConversations([]model.Conversation{
		{ID: "c1", TenantID: "tenant-1", RemotePartyID: "cust-1"},
		{ID: "c2", TenantID: "tenant-1", RemotePartyID: "cust-2"},
	})
	awaitUpdate(t, updates)

	require.NoError(t, e.SetActiveConversation(context.Background(), "c1"))
	updates = e.Updates()
	fb.pushMessages("c1", []model.Message{
		{SequenceNumber: 1, AuthorTag: "cust-1", Kind: model.KindText, Content: "from c1"},
	})
	awaitUpdate(t, updates)
	require.Len(t, e.Messages(), 1)

	// Switching clears the view immediately and releases the old stream.
	require.NoError(t, e.SetActiveConversation(context.Background(), "c2"))
	assert.Empty(t, e.Messages())
	assert.Equal(t, "c2", e.ActiveConversation())

	// A snapshot aimed at the abandoned c1 stream must never surface.
	fb.pushMessages("c1", []model.Message{
		{SequenceNumber: 9, AuthorTag: "cust-1", Kind: model.KindText, Content: "stale"},
	})
	updates = e.Updates()
	fb.pushMessages("c2", []model.Message{
		{SequenceNumber: 1, AuthorTag: "cust-2", Kind: model.KindText, Content: "from c2"},
	})
	awaitUpdate(t, updates)

	got := e.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "from c2", got[0].Content)
}

func TestDeactivatingClearsView(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	updates := e.Updates()
	fb.pushConversations([]model.Conversation{{ID: "c1", TenantID: "tenant-1"}})
	awaitUpdate(t, updates)

	require.NoError(t, e.SetActiveConversation(context.Background(), "c1"))
	require.NoError(t, e.SetActiveConversation(context.Background(), ""))
	assert.Empty(t, e.ActiveConversation())
	assert.Empty(t, e.Messages())
}

func TestStreamFailureDisconnectsAndResubscribes(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	updates := e.Updates()
	fb.pushConversations([]model.Conversation{{ID: "c1", TenantID: "tenant-1"}})
	awaitUpdate(t, updates)
	require.True(t, e.Connected())

	fb.failConversations(errors.New("stream torn down"))
	require.Eventually(t, func() bool { return !e.Connected() },
		2*time.Second, 5*time.Millisecond, "failure never surfaced")

	// The previous view stays renderable while disconnected.
	require.Len(t, e.Conversations(), 1)

	// After the backoff a fresh subscription is opened and the first
	// snapshot restores the connected state.
	require.Eventually(t, func() bool { return fb.convSubsCreated() == 2 },
		2*time.Second, 5*time.Millisecond, "never resubscribed")
	updates = e.Updates()
	fb.pushConversations([]model.Conversation{{ID: "c1", TenantID: "tenant-1"}})
	awaitUpdate(t, updates)
	assert.True(t, e.Connected())
}

func TestNoTenantStaysIdle(t *testing.T) {
	fb := newFakeBackend()
	e := New(Options{OperatorID: "op-1", Backend: fb})
	e.Start(context.Background())
	defer e.Close()

	assert.Empty(t, e.Conversations())
	assert.Empty(t, e.Messages())
	assert.Zero(t, fb.convSubCount(), "no tenant means nothing is subscribed")
	assert.ErrorIs(t, e.SetActiveConversation(context.Background(), "c1"), ErrClosed)
}

func TestCommandsAfterCloseFail(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)
	e.Close()
	assert.ErrorIs(t, e.SetActiveConversation(context.Background(), "c1"), ErrClosed)
}

// The two streams carry no ordering relative to each other: a message
// snapshot can land before the conversation snapshot that names the remote
// party. Once the conversation snapshot arrives, the message view must be
// re-attributed.
func TestLateConversationSnapshotReattributesMessages(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	// First conversation snapshot does not carry the remote party yet.
	updates := e.Updates()
	fb.pushConversations([]model.Conversation{{ID: "c1", TenantID: "tenant-1"}})
	awaitUpdate(t, updates)
	require.NoError(t, e.SetActiveConversation(context.Background(), "c1"))

	updates = e.Updates()
	fb.pushMessages("c1", []model.Message{
		{SequenceNumber: 1, AuthorTag: "cust-7", Kind: model.KindText, Content: "hello"},
		{SequenceNumber: 2, AuthorTag: "op-1", Kind: model.KindText, Content: "hi"},
	})
	awaitUpdate(t, updates)

	got := e.Messages()
	require.Len(t, got, 2)
	assert.True(t, got[0].FromOperator, "without a known remote party everything reads as operator-sent")

	// The conversation snapshot with the remote party catches up.
	updates = e.Updates()
	fb.pushConversations([]model.Conversation{
		{ID: "c1", TenantID: "tenant-1", RemotePartyID: "cust-7"},
	})
	awaitUpdate(t, updates)

	got = e.Messages()
	require.Len(t, got, 2)
	assert.False(t, got[0].FromOperator, "remote party's messages re-attributed")
	assert.True(t, got[1].FromOperator)
}

func TestCloseIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	e := startEngine(t, fb)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Close()
		}()
	}
	wg.Wait()
	e.Close()
}

func TestCloseBeforeStartReturns(t *testing.T) {
	fb := newFakeBackend()
	e := New(Options{TenantID: "tenant-1", OperatorID: "op-1", Backend: fb})

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on an engine that never started")
	}

	// A Start after Close stays inert.
	e.Start(context.Background())
	assert.Zero(t, fb.convSubCount())
	assert.ErrorIs(t, e.SetActiveConversation(context.Background(), "c1"), ErrClosed)
}
