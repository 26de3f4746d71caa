package memorytools

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/memory"
)

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAllRegistersOneToolPerKind(t *testing.T) {
	tools := All(newStore(t))
	names := make(map[string]bool)
	for _, tool := range tools {
		names[tool.Name()] = true
	}
	for _, want := range []string{"update_identity", "update_user_memory", "update_personality", "update_subconscious", "update_learning_memory", "set_conscious_focus"} {
		require.True(t, names[want], "missing tool %s", want)
	}
}

func TestUpdateUserMemoryWriteAndAppend(t *testing.T) {
	store := newStore(t)
	tools := All(store)

	for _, tool := range tools {
		if tool.Name() != "update_user_memory" {
			continue
		}
		_, err := tool.Execute(context.Background(), json.RawMessage(`{"content":"likes espresso"}`))
		require.NoError(t, err)
		_, err = tool.Execute(context.Background(), json.RawMessage(`{"content":"hates mondays","append":true}`))
		require.NoError(t, err)
	}

	text, err := store.Read(memory.User)
	require.NoError(t, err)
	require.Equal(t, "likes espresso\nhates mondays", text)
}

func TestSetConsciousFocusRoundTrip(t *testing.T) {
	store := newStore(t)
	tools := All(store)

	for _, tool := range tools {
		if tool.Name() != "set_conscious_focus" {
			continue
		}
		result, err := tool.Execute(context.Background(), json.RawMessage(`{"intent":"finish the report","duration_minutes":10}`))
		require.NoError(t, err)
		require.Contains(t, result.Content, "finish the report")

		text, err := store.Read(memory.Conscious)
		require.NoError(t, err)
		require.Contains(t, text, "finish the report")

		// Empty intent clears back to idle.
		_, err = tool.Execute(context.Background(), json.RawMessage(`{"intent":""}`))
		require.NoError(t, err)
		text, err = store.Read(memory.Conscious)
		require.NoError(t, err)
		require.Equal(t, memory.ConsciousIdle, text)
	}
}
