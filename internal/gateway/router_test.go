package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
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

// scriptedProvider yields one canned chunk list per Complete call and
// counts invocations.
type scriptedProvider struct {
	mu        sync.Mutex
	responses [][]*agent.CompletionChunk
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var chunks []*agent.CompletionChunk
	if p.calls < len(p.responses) {
		chunks = p.responses[p.calls]
	}
	p.calls++

	out := make(chan *agent.CompletionChunk, len(chunks)+1)
	for _, c := range chunks {
		out <- c
	}
	out <- &agent.CompletionChunk{Done: true}
	close(out)
	return out, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return true }

// captureAdapter records everything egressed on a platform.
type captureAdapter struct {
	channelType models.ChannelType
	mu          sync.Mutex
	sent        []*models.Message
	typing      []bool
}

func (c *captureAdapter) Type() models.ChannelType { return c.channelType }

func (c *captureAdapter) Send(ctx context.Context, msg *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureAdapter) SendTyping(ctx context.Context, peerID string, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, typing)
	return nil
}

func (c *captureAdapter) messages() []*models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Message{}, c.sent...)
}

type routerFixture struct {
	router   *Router
	store    *sessions.MemoryStore
	provider *scriptedProvider
	adapter  *captureAdapter
}

func newRouterFixture(t *testing.T, responses [][]*agent.CompletionChunk) *routerFixture {
	t.Helper()
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{responses: responses}
	runtime := agent.NewRuntime(provider, store)

	adapter := &captureAdapter{channelType: models.ChannelType("mx")}
	registry := channels.NewRegistry()
	registry.Register(adapter)
	egress := outbound.New(registry, slog.Default())

	router := NewRouter(Config{SelfTag: "[LiteClaw]"}, store, runtime, egress, nil, NewPendingQuestions(), slog.Default())
	return &routerFixture{router: router, store: store, provider: provider, adapter: adapter}
}

func TestSimpleTurn(t *testing.T) {
	f := newRouterFixture(t, [][]*agent.CompletionChunk{
		{{Text: "Hi "}, {Text: "there."}},
	})

	status, err := f.router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m1", SenderID: "u1", SenderName: "Uli", Body: "hello",
		Platform: models.ChannelType("mx"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, status)

	history, err := f.store.GetHistory(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "[Uli (u1)]: hello", history[0].Content)
	require.Equal(t, "Hi there.", history[1].Content)

	sent := f.adapter.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "[LiteClaw] Hi there.", sent[0].Content)
	require.Equal(t, "u1", sent[0].Metadata["peer_id"])
}

func TestDuplicateInboundShortCircuits(t *testing.T) {
	f := newRouterFixture(t, [][]*agent.CompletionChunk{
		{{Text: "once"}},
	})
	event := InboundEvent{
		MessageID: "m1", SenderID: "u1", SenderName: "Uli", Body: "hello",
		Platform: models.ChannelType("mx"),
	}

	status, err := f.router.HandleInbound(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, status)

	status, err = f.router.HandleInbound(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, StatusIgnoredDup, status)
	require.Equal(t, 1, f.provider.callCount(), "exactly one engine invocation")
}

func TestSelfTagEchoDropped(t *testing.T) {
	f := newRouterFixture(t, nil)

	status, err := f.router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m2", SenderID: "u1", Body: "[LiteClaw] Hi there.",
		Platform: models.ChannelType("mx"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusIgnoredEcho, status)
	require.Zero(t, f.provider.callCount())
}

func TestWhatsAppAllowlistEnforced(t *testing.T) {
	store := sessions.NewMemoryStore()
	provider := &scriptedProvider{}
	runtime := agent.NewRuntime(provider, store)
	adapter := &captureAdapter{channelType: models.ChannelWhatsApp}
	registry := channels.NewRegistry()
	registry.Register(adapter)
	egress := outbound.New(registry, slog.Default())

	router := NewRouter(Config{
		AllowFrom: map[string][]string{"whatsapp": {"491700000001"}},
	}, store, runtime, egress, nil, nil, slog.Default())

	status, err := router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m1", SenderID: "491799999999@s.whatsapp.net", Body: "hi",
		Platform: models.ChannelWhatsApp,
	})
	require.NoError(t, err)
	require.Equal(t, StatusUnauthorized, status)
	require.Zero(t, provider.callCount())

	status, err = router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m2", SenderID: "491700000001@s.whatsapp.net", SenderName: "Owner", Body: "hi",
		Platform: models.ChannelWhatsApp,
	})
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, status)
	require.Equal(t, 1, provider.callCount())
}

func TestResetCommandClearsHistory(t *testing.T) {
	f := newRouterFixture(t, [][]*agent.CompletionChunk{
		{{Text: "hello!"}},
	})

	_, err := f.router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m1", SenderID: "u1", SenderName: "Uli", Body: "hello",
		Platform: models.ChannelType("mx"),
	})
	require.NoError(t, err)

	status, err := f.router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m2", SenderID: "u1", Body: "/reset",
		Platform: models.ChannelType("mx"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusReset, status)

	history, err := f.store.GetHistory(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Empty(t, history)

	sent := f.adapter.messages()
	require.Contains(t, sent[len(sent)-1].Content, "history cleared")
	require.Equal(t, 1, f.provider.callCount(), "reset never reaches the engine")
}

func TestPendingQuestionAnswerRendezvous(t *testing.T) {
	f := newRouterFixture(t, nil)
	pending := f.router.Pending()

	type askResult struct {
		answer string
		err    error
	}
	results := make(chan askResult, 1)
	go func() {
		answer, err := pending.Ask(context.Background(), "u1", "Which file?", 5*time.Second)
		results <- askResult{answer, err}
	}()

	// Wait for the question to register before routing the reply.
	require.Eventually(t, func() bool {
		_, ok := pending.Question("u1")
		return ok
	}, time.Second, 5*time.Millisecond)

	status, err := f.router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m9", SenderID: "u1", Body: "file.txt",
		Platform: models.ChannelType("mx"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusAnswerDelivered, status)

	res := <-results
	require.NoError(t, res.err)
	require.Equal(t, "file.txt", res.answer)

	// The router never started an engine turn for the answer.
	require.Zero(t, f.provider.callCount())

	sent := f.adapter.messages()
	require.Len(t, sent, 1)
	require.True(t, strings.HasPrefix(sent[0].Content, "[LiteClaw]"))
}

func TestAskTimesOut(t *testing.T) {
	pending := NewPendingQuestions()
	_, err := pending.Ask(context.Background(), "u1", "anyone there?", 30*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not respond")

	// The slot was cleaned up.
	_, ok := pending.Question("u1")
	require.False(t, ok)
}

func TestPendingQuestionLastWriterWins(t *testing.T) {
	pending := NewPendingQuestions()
	pending.Register("u1", "first?")
	pending.Register("u1", "second?")

	question, ok := pending.Question("u1")
	require.True(t, ok)
	require.Equal(t, "second?", question)
}

func TestProcessedMessageSetClearsWholesale(t *testing.T) {
	set := NewProcessedMessageSet(10)
	for i := 0; i < 10; i++ {
		require.False(t, set.Seen(fmt.Sprintf("id-%d", i)))
	}
	require.Equal(t, 10, set.Len())

	// The 11th insert clears the set first.
	require.False(t, set.Seen("id-10"))
	require.Equal(t, 1, set.Len())

	// An id from before the clear is accepted again.
	require.False(t, set.Seen("id-0"))
}

func TestTypingLoopTogglesDuringTurn(t *testing.T) {
	f := newRouterFixture(t, [][]*agent.CompletionChunk{
		{{Text: "ok"}},
	})
	// Shrink the cadence so the test observes multiple pings.
	f.router.cfg.TypingInterval = 10 * time.Millisecond

	_, err := f.router.HandleInbound(context.Background(), InboundEvent{
		MessageID: "m1", SenderID: "u1", SenderName: "U", Body: "hi",
		Platform: models.ChannelType("mx"),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.adapter.mu.Lock()
		defer f.adapter.mu.Unlock()
		if len(f.adapter.typing) == 0 {
			return false
		}
		return f.adapter.typing[len(f.adapter.typing)-1] == false
	}, time.Second, 10*time.Millisecond, "typing loop ends with stop-typing")
}

func TestAllowlistNormalization(t *testing.T) {
	allow := map[string][]string{"whatsapp": {"491700000001"}}
	require.True(t, allowlistMatches(allow, models.ChannelWhatsApp, "491700000001:17@s.whatsapp.net"))
	require.True(t, allowlistMatches(allow, models.ChannelWhatsApp, "491700000001@s.whatsapp.net"))
	require.False(t, allowlistMatches(allow, models.ChannelWhatsApp, "491799999999@s.whatsapp.net"))
}

func TestBuildSystemPromptWithoutMemory(t *testing.T) {
	prompt := BuildSystemPrompt(nil)
	require.Contains(t, prompt, "Operating rules")
}
