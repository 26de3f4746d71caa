package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestMemoryStoreGetOrCreateIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	key := SessionKey("agent", models.ChannelWhatsApp, "u1")
	first, err := store.GetOrCreate(ctx, key, "agent", models.ChannelWhatsApp, "u1")
	require.NoError(t, err)

	second, err := store.GetOrCreate(ctx, key, "agent", models.ChannelWhatsApp, "u1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestMemoryStoreAppendPreservesInsertionOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &models.Session{ID: "s1"}
	require.NoError(t, store.Create(ctx, session))

	for i := 0; i < 5; i++ {
		msg := &models.Message{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("message %d", i),
		}
		require.NoError(t, store.AppendMessage(ctx, "s1", msg))
	}

	history, err := store.GetHistory(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, msg := range history {
		require.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
	}
}

func TestMemoryStoreDropsAdjacentDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.Session{ID: "s1"}))

	msg := func() *models.Message {
		return &models.Message{Role: models.RoleUser, Content: "hello"}
	}
	require.NoError(t, store.AppendMessage(ctx, "s1", msg()))
	require.NoError(t, store.AppendMessage(ctx, "s1", msg()))

	history, err := store.GetHistory(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// A tool message with the same content but a different tool_call_id is
	// not a duplicate.
	toolMsg := &models.Message{Role: models.RoleTool, Content: "hello", ToolCallID: "tc1", Name: "get_system_info"}
	require.NoError(t, store.AppendMessage(ctx, "s1", toolMsg))
	toolMsg2 := &models.Message{Role: models.RoleTool, Content: "hello", ToolCallID: "tc2", Name: "get_system_info"}
	require.NoError(t, store.AppendMessage(ctx, "s1", toolMsg2))

	history, err = store.GetHistory(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestMemoryStoreResetClearsHistoryOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.Session{ID: "s1"}))
	require.NoError(t, store.AppendMessage(ctx, "s1", &models.Message{Role: models.RoleUser, Content: "hi"}))

	require.NoError(t, store.Reset(ctx, "s1"))

	history, err := store.GetHistory(ctx, "s1", 0)
	require.NoError(t, err)
	require.Empty(t, history)

	// Session record survives the reset.
	_, err = store.Get(ctx, "s1")
	require.NoError(t, err)
}

func TestMemoryStoreGetHistoryLimitReturnsMostRecent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.Session{ID: "s1"}))

	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendMessage(ctx, "s1", &models.Message{
			Role: models.RoleUser, Content: fmt.Sprintf("m%d", i),
		}))
	}

	history, err := store.GetHistory(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "m7", history[0].Content)
	require.Equal(t, "m9", history[2].Content)
}

func TestMemoryStoreConcurrentAppendsKeepInvariant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &models.Session{ID: "s1"}))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_ = store.AppendMessage(ctx, "s1", &models.Message{
					Role:    models.RoleUser,
					Content: fmt.Sprintf("g%d-m%d", g, i),
				})
			}
		}(g)
	}
	wg.Wait()

	history, err := store.GetHistory(ctx, "s1", 0)
	require.NoError(t, err)
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		same := prev.Role == cur.Role && prev.Content == cur.Content &&
			prev.ToolCallID == cur.ToolCallID && prev.Name == cur.Name
		require.False(t, same, "adjacent duplicate at index %d", i)
	}
}
