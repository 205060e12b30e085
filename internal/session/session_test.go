package session

import (
	"context"
	"testing"

	"github.com/chirino/chat-console/internal/compose"
	"github.com/chirino/chat-console/internal/plugin/store/memory"
	"github.com/chirino/chat-console/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory() Factory {
	backend := memory.NewBackend()
	return func(ctx context.Context, tenantID, operatorID string) (*syncengine.Engine, *compose.Pipeline) {
		engine := syncengine.New(syncengine.Options{
			TenantID:   tenantID,
			OperatorID: operatorID,
			Backend:    backend,
		})
		pipeline := compose.New(compose.Options{
			Source:    engine,
			Messages:  backend.Messages(),
			Index:     backend.Conversations(),
			AuthorTag: operatorID,
		})
		return engine, pipeline
	}
}

func TestCreateAndGet(t *testing.T) {
	m := NewManager(testFactory(), 0)
	s := m.Create(context.Background(), "t1", "op-1")
	t.Cleanup(func() { m.Destroy(s.ID) })

	require.NotEmpty(t, s.ID)
	assert.Equal(t, "t1", s.TenantID)
	assert.Equal(t, "op-1", s.OperatorID)
	assert.NotNil(t, s.Engine)
	assert.NotNil(t, s.Pipeline)
	assert.Same(t, s, m.Get(s.ID))
}

func TestGetUnknownSession(t *testing.T) {
	m := NewManager(testFactory(), 0)
	assert.Nil(t, m.Get("nope"))
}

func TestDestroyClosesEngine(t *testing.T) {
	m := NewManager(testFactory(), 0)
	s := m.Create(context.Background(), "t1", "op-1")

	require.True(t, m.Destroy(s.ID))
	assert.Nil(t, m.Get(s.ID))
	assert.ErrorIs(t, s.Engine.SetActiveConversation(context.Background(), "c1"), syncengine.ErrClosed)

	assert.False(t, m.Destroy(s.ID), "second destroy is a no-op")
}

func TestSessionsAreIsolated(t *testing.T) {
	m := NewManager(testFactory(), 0)
	a := m.Create(context.Background(), "t1", "op-a")
	b := m.Create(context.Background(), "t1", "op-b")
	t.Cleanup(func() { m.Destroy(a.ID); m.Destroy(b.ID) })

	require.NotEqual(t, a.ID, b.ID)
	require.True(t, m.Destroy(a.ID))
	assert.Same(t, b, m.Get(b.ID), "destroying one session leaves the other live")
}
