package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	store := newTestStore(t)

	text, err := store.Read(Identity)
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestWriteThenRead(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Write(Identity, "I am Nexus."))
	text, err := store.Read(Identity)
	require.NoError(t, err)
	require.Equal(t, "I am Nexus.", text)
}

func TestAppendAddsNewline(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Write(Learning, "first lesson"))
	require.NoError(t, store.Append(Learning, "second lesson"))

	text, err := store.Read(Learning)
	require.NoError(t, err)
	require.Equal(t, "first lesson\nsecond lesson", text)
}

func TestUnknownKindRejected(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read(Kind("episodic"))
	require.Error(t, err)
	require.Error(t, store.Write(Kind("episodic"), "x"))
}

func TestConsciousEmptyReadsIdle(t *testing.T) {
	store := newTestStore(t)

	text, err := store.Read(Conscious)
	require.NoError(t, err)
	require.Equal(t, ConsciousIdle, text)
}

func TestConsciousFocusRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetFocus("finish the quarterly report", 10))
	text, err := store.Read(Conscious)
	require.NoError(t, err)
	require.Contains(t, text, "ACTIVE FOCUS:\nfinish the quarterly report")
	require.Contains(t, text, "DURATION: 10")
}

func TestConsciousExpiryReturnsIdleAndRewrites(t *testing.T) {
	store := newTestStore(t)

	// Focus written 30 minutes ago with a 10 minute span.
	past := time.Now().Add(-30 * time.Minute)
	blob := fmt.Sprintf("TIMESTAMP: %s\nDURATION: 10\n\nACTIVE FOCUS:\nold task", past.Format(consciousTimeFormat))
	require.NoError(t, store.Write(Conscious, blob))

	text, err := store.Read(Conscious)
	require.NoError(t, err)
	require.Equal(t, ConsciousIdle, text)

	// The blob on disk was rewritten to the idle form.
	raw, err := os.ReadFile(filepath.Join(store.dir, "CONSCIOUS.md"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "Idle. Reason: Memory expired (10min span reached).")

	// A second read without writes returns the same sentinel.
	text, err = store.Read(Conscious)
	require.NoError(t, err)
	require.Equal(t, ConsciousIdle, text)
}

func TestConsciousDurationCappedAtMax(t *testing.T) {
	store := newTestStore(t)

	// A focus asking for 120 minutes is capped to the 20 minute max, so a
	// 30-minute-old focus is expired.
	past := time.Now().Add(-30 * time.Minute)
	blob := fmt.Sprintf("TIMESTAMP: %s\nDURATION: 120\n\nACTIVE FOCUS:\nmarathon", past.Format(consciousTimeFormat))
	require.NoError(t, store.Write(Conscious, blob))

	text, err := store.Read(Conscious)
	require.NoError(t, err)
	require.Equal(t, ConsciousIdle, text)
}

func TestExternalEditInvalidatesCache(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Write(Identity, "original"))

	// Simulate a human editing the file directly.
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "IDENTITY.md"), []byte("edited by hand"), 0o644))

	require.Eventually(t, func() bool {
		text, err := store.Read(Identity)
		return err == nil && text == "edited by hand"
	}, 2*time.Second, 20*time.Millisecond)
}
