package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/internal/outbound"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// blockingProvider answers "done" after release is closed, letting tests
// hold a sub-agent in the working state.
type blockingProvider struct {
	mu      sync.Mutex
	release chan struct{}
	calls   int
}

func (p *blockingProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	p.calls++
	release := p.release
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, 2)
	go func() {
		defer close(out)
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				out <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
				return
			}
		}
		out <- &agent.CompletionChunk{Text: "done"}
		out <- &agent.CompletionChunk{Done: true}
	}()
	return out, nil
}

func (p *blockingProvider) Name() string          { return "blocking" }
func (p *blockingProvider) Models() []agent.Model { return nil }
func (p *blockingProvider) SupportsTools() bool   { return true }

type capture struct {
	channelType models.ChannelType
	mu          sync.Mutex
	sent        []*models.Message
}

func (c *capture) Type() models.ChannelType { return c.channelType }
func (c *capture) Send(ctx context.Context, msg *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func newSupervisorFixture(t *testing.T, provider agent.LLMProvider) (*Supervisor, *sessions.MemoryStore, *capture) {
	t.Helper()
	store := sessions.NewMemoryStore()
	runtime := agent.NewRuntime(provider, store)

	adapter := &capture{channelType: models.ChannelType("mx")}
	registry := channels.NewRegistry()
	registry.Register(adapter)
	egress := outbound.New(registry, slog.Default())

	return NewSupervisor(runtime, store, egress, "[Nexus]", slog.Default()), store, adapter
}

func TestDelegateRunsAndReports(t *testing.T) {
	provider := &blockingProvider{}
	sup, store, adapter := newSupervisorFixture(t, provider)

	sa, err := sup.Delegate(context.Background(), "u1", "bob", "research X", models.ChannelType("mx"))
	require.NoError(t, err)
	require.Equal(t, StatusWorking, sa.Status)

	sup.Wait()

	got, ok := sup.Get("u1", "bob")
	require.True(t, ok)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "done", got.LastResult)

	// Working history lives under the sub-session, not the parent.
	history, err := store.GetHistory(context.Background(), SubSessionID("u1", "bob"), 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.Equal(t, "research X", history[0].Content)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.sent, 1)
	require.Contains(t, adapter.sent[0].Content, `Sub-agent "bob" finished`)
	require.Equal(t, "u1", adapter.sent[0].Metadata["peer_id"])
}

func TestDelegateBusyRejected(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	sup, _, _ := newSupervisorFixture(t, provider)

	_, err := sup.Delegate(context.Background(), "u1", "bob", "task 1", models.ChannelType("mx"))
	require.NoError(t, err)

	_, err = sup.Delegate(context.Background(), "u1", "bob", "task 2", models.ChannelType("mx"))
	require.Error(t, err)
	var rtErr *agent.RuntimeError
	require.True(t, errors.As(err, &rtErr))
	require.Equal(t, agent.KindResource, rtErr.Kind)

	close(provider.release)
	sup.Wait()
}

func TestPerSessionCapEnforced(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	sup, _, _ := newSupervisorFixture(t, provider)

	for i := 0; i < MaxPerSession; i++ {
		_, err := sup.Delegate(context.Background(), "u1", fmt.Sprintf("agent%d", i), "task", models.ChannelType("mx"))
		require.NoError(t, err)
	}

	_, err := sup.Delegate(context.Background(), "u1", "one-too-many", "task", models.ChannelType("mx"))
	require.Error(t, err)
	require.Len(t, sup.List("u1"), MaxPerSession, "failed delegation creates no sub-agent")

	// A different session has its own budget.
	_, err = sup.Delegate(context.Background(), "u2", "fresh", "task", models.ChannelType("mx"))
	require.NoError(t, err)

	close(provider.release)
	sup.Wait()
}

func TestKillDiscardsInFlightResult(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	sup, _, _ := newSupervisorFixture(t, provider)

	var teardowns []string
	sup.SetResourceReleaser(func(ctx context.Context, parentSessionID string) {
		teardowns = append(teardowns, parentSessionID)
	})

	_, err := sup.Delegate(context.Background(), "u1", "bob", "long task", models.ChannelType("mx"))
	require.NoError(t, err)

	require.NoError(t, sup.Kill(context.Background(), "u1", "bob"))
	require.Equal(t, []string{"u1"}, teardowns)

	got, ok := sup.Get("u1", "bob")
	require.True(t, ok)
	require.Equal(t, StatusTerminated, got.Status)

	// Let the in-flight run finish; its result must not resurrect the
	// terminated agent.
	close(provider.release)
	sup.Wait()

	got, ok = sup.Get("u1", "bob")
	require.True(t, ok)
	require.Equal(t, StatusTerminated, got.Status)
	require.Empty(t, got.LastResult)
}

func TestKillAll(t *testing.T) {
	provider := &blockingProvider{release: make(chan struct{})}
	sup, _, _ := newSupervisorFixture(t, provider)

	for _, name := range []string{"a", "b", "c"} {
		_, err := sup.Delegate(context.Background(), "u1", name, "task", models.ChannelType("mx"))
		require.NoError(t, err)
	}
	require.True(t, sup.AnyBusy())

	require.Equal(t, 3, sup.KillAll(context.Background(), "u1"))
	require.False(t, sup.AnyBusy())

	close(provider.release)
	sup.Wait()
}

func TestMessageAppendsToSubSession(t *testing.T) {
	provider := &blockingProvider{}
	sup, store, _ := newSupervisorFixture(t, provider)

	_, err := sup.Delegate(context.Background(), "u1", "bob", "task", models.ChannelType("mx"))
	require.NoError(t, err)
	sup.Wait()

	require.NoError(t, sup.Message(context.Background(), "u1", "bob", "owner", "hurry up"))

	history, err := store.GetHistory(context.Background(), SubSessionID("u1", "bob"), 0)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, "FROM owner: hurry up", last.Content)

	require.Error(t, sup.Message(context.Background(), "u1", "nobody", "owner", "hi"))
}

func TestMessageVisionRerouted(t *testing.T) {
	provider := &blockingProvider{}
	sup, _, _ := newSupervisorFixture(t, provider)

	var goals []string
	var corrections []bool
	sup.SetVisionSubmit(func(parentSessionID, goal string, isCorrection bool) error {
		require.Equal(t, "u1", parentSessionID)
		goals = append(goals, goal)
		corrections = append(corrections, isCorrection)
		return nil
	})

	require.NoError(t, sup.Message(context.Background(), "u1", "vision", "owner", "click the blue button"))
	require.Equal(t, []string{"click the blue button"}, goals)
	require.Equal(t, []bool{true}, corrections)
}

func TestDelegateReusesCompletedAgent(t *testing.T) {
	provider := &blockingProvider{}
	sup, _, _ := newSupervisorFixture(t, provider)

	first, err := sup.Delegate(context.Background(), "u1", "bob", "task 1", models.ChannelType("mx"))
	require.NoError(t, err)
	sup.Wait()

	second, err := sup.Delegate(context.Background(), "u1", "bob", "task 2", models.ChannelType("mx"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "same named agent is reused")
	sup.Wait()

	got, _ := sup.Get("u1", "bob")
	require.Len(t, got.TaskHistory, 2)

	// Give the async report time to drain before the fixture goes away.
	time.Sleep(10 * time.Millisecond)
}
