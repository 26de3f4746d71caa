package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/memory"
)

type recordingRunner struct {
	mu       sync.Mutex
	sessions []string
	prompts  []string
	err      error
}

func (r *recordingRunner) RunTurn(ctx context.Context, sessionID, prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.prompts = append(r.prompts, prompt)
	return "ok", r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func writeHeartbeatFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHeartbeatParsesFrontMatterAndTasks(t *testing.T) {
	path := writeHeartbeatFile(t, t.TempDir(), `---
enabled: true
interval_seconds: 120
---
# Routine
- check the inbox
- water the plants
* review open tasks
`)
	config, tasks, err := parseHeartbeatFile(path)
	require.NoError(t, err)
	require.True(t, config.Enabled)
	require.Equal(t, 120, config.IntervalSeconds)
	require.Equal(t, []string{"check the inbox", "water the plants", "review open tasks"}, tasks)
}

func TestHeartbeatMissingFileDisabled(t *testing.T) {
	config, tasks, err := parseHeartbeatFile(filepath.Join(t.TempDir(), "nope.md"))
	require.NoError(t, err)
	require.False(t, config.Enabled)
	require.Empty(t, tasks)
}

func TestHeartbeatFiresWhenDueAndIdle(t *testing.T) {
	runner := &recordingRunner{}
	path := writeHeartbeatFile(t, t.TempDir(), "---\nenabled: true\ninterval_seconds: 60\n---\n- say hi\n")

	hb := NewHeartbeat(path, runner, BusyCheckerFunc(func() bool { return false }), slog.Default())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	hb.now = func() time.Time { return now }

	require.True(t, hb.Tick(context.Background()))
	require.Equal(t, []string{HeartbeatSessionID}, runner.sessions)
	require.Contains(t, runner.prompts[0], "say hi")

	// Not due again until the interval elapses.
	require.False(t, hb.Tick(context.Background()))
	now = now.Add(61 * time.Second)
	require.True(t, hb.Tick(context.Background()))
}

func TestHeartbeatPostponedWhileBusy(t *testing.T) {
	runner := &recordingRunner{}
	path := writeHeartbeatFile(t, t.TempDir(), "---\nenabled: true\ninterval_seconds: 60\n---\n- task\n")

	busy := true
	hb := NewHeartbeat(path, runner, BusyCheckerFunc(func() bool { return busy }), slog.Default())

	require.False(t, hb.Tick(context.Background()))
	require.Zero(t, runner.count())

	busy = false
	require.True(t, hb.Tick(context.Background()))
}

func TestHeartbeatDisabledNeverFires(t *testing.T) {
	runner := &recordingRunner{}
	path := writeHeartbeatFile(t, t.TempDir(), "---\nenabled: false\n---\n- task\n")
	hb := NewHeartbeat(path, runner, nil, slog.Default())
	require.False(t, hb.Tick(context.Background()))
	require.Zero(t, runner.count())
}

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSubconsciousEmptyMemoryProposesExperiment(t *testing.T) {
	runner := &recordingRunner{}
	mem := newMemoryStore(t)
	sub := NewSubconscious(SubconsciousConfig{}, mem, runner, slog.Default())

	sub.innovate(context.Background())
	require.Equal(t, []string{SubconsciousSessionID}, runner.sessions)
	require.Contains(t, runner.prompts[0], "subconscious is empty")
}

func TestSubconsciousNonEmptyMemoryActsOnIdea(t *testing.T) {
	runner := &recordingRunner{}
	mem := newMemoryStore(t)
	require.NoError(t, mem.Write(memory.Subconscious, "- cache the weather lookups"))
	sub := NewSubconscious(SubconsciousConfig{}, mem, runner, slog.Default())

	sub.innovate(context.Background())
	require.Contains(t, runner.prompts[0], "cache the weather lookups")
	require.Contains(t, runner.prompts[0], "act on it right now")
}

func TestSubconsciousReflectionReadsLearning(t *testing.T) {
	runner := &recordingRunner{}
	mem := newMemoryStore(t)
	require.NoError(t, mem.Write(memory.Learning, "always verify downloads"))
	sub := NewSubconscious(SubconsciousConfig{}, mem, runner, slog.Default())

	sub.reflect(context.Background())
	require.Contains(t, runner.prompts[0], "always verify downloads")
}

func TestConsciousIdleRunsJobSearch(t *testing.T) {
	runner := &recordingRunner{}
	mem := newMemoryStore(t)
	con := NewConscious(ConsciousConfig{}, mem, runner, slog.Default())

	con.Tick(context.Background())
	require.Equal(t, []string{ConsciousSessionID}, runner.sessions)
	require.Contains(t, runner.prompts[0], "Autonomous job search")
}

func TestConsciousActiveFocusGetsNextStep(t *testing.T) {
	runner := &recordingRunner{}
	mem := newMemoryStore(t)
	require.NoError(t, mem.SetFocus("ship the weekly report", 10))
	con := NewConscious(ConsciousConfig{}, mem, runner, slog.Default())

	con.Tick(context.Background())
	require.Contains(t, runner.prompts[0], "ship the weekly report")
	require.Contains(t, runner.prompts[0], "next immediate step")
}

func TestConsciousExpiredFocusFallsBackToJobSearch(t *testing.T) {
	runner := &recordingRunner{}
	mem := newMemoryStore(t)

	past := time.Now().Add(-30 * time.Minute)
	blob := fmt.Sprintf("TIMESTAMP: %s\nDURATION: 10\n\nACTIVE FOCUS:\nstale task", past.Format("2006-01-02 15:04:05"))
	require.NoError(t, mem.Write(memory.Conscious, blob))

	con := NewConscious(ConsciousConfig{}, mem, runner, slog.Default())
	con.Tick(context.Background())
	require.Contains(t, runner.prompts[0], "Autonomous job search")
}

func TestEngineErrorsNeverPanicTheLoop(t *testing.T) {
	runner := &recordingRunner{err: fmt.Errorf("provider down")}
	mem := newMemoryStore(t)
	con := NewConscious(ConsciousConfig{}, mem, runner, slog.Default())

	require.NotPanics(t, func() { con.Tick(context.Background()) })
	require.Equal(t, 1, runner.count())
}

func TestRandomIntervalBounds(t *testing.T) {
	sub := NewSubconscious(SubconsciousConfig{}, nil, nil, slog.Default())
	for i := 0; i < 100; i++ {
		d := randomInterval(sub.rng, 5*time.Minute, 15*time.Minute)
		require.GreaterOrEqual(t, d, 5*time.Minute)
		require.Less(t, d, 15*time.Minute+time.Nanosecond)
	}
}
