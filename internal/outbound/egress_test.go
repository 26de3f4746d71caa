package outbound

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// fakeAdapter records every Send and typing toggle.
type fakeAdapter struct {
	channelType models.ChannelType
	mu          sync.Mutex
	sent        []*models.Message
	typing      []bool
}

func (f *fakeAdapter) Type() models.ChannelType { return f.channelType }

func (f *fakeAdapter) Send(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapter) SendTyping(ctx context.Context, peerID string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func newTestEgress(t *testing.T) (*Egress, *fakeAdapter) {
	t.Helper()
	adapter := &fakeAdapter{channelType: models.ChannelTelegram}
	registry := channels.NewRegistry()
	registry.Register(adapter)
	return New(registry, slog.Default()), adapter
}

func TestEgressSendText(t *testing.T) {
	egress, adapter := newTestEgress(t)

	err := egress.Send(context.Background(), Envelope{
		To:       "chat1",
		Platform: models.ChannelTelegram,
		Message:  "hello there",
	})
	require.NoError(t, err)
	require.Len(t, adapter.sent, 1)
	require.Equal(t, "hello there", adapter.sent[0].Content)
	require.Equal(t, "chat1", adapter.sent[0].Metadata["peer_id"])
}

func TestEgressChunksLongText(t *testing.T) {
	egress, adapter := newTestEgress(t)

	long := strings.Repeat("a paragraph of text.\n\n", 400) // > 4096 chars
	err := egress.Send(context.Background(), Envelope{
		To:       "chat1",
		Platform: models.ChannelTelegram,
		Message:  long,
	})
	require.NoError(t, err)
	require.Greater(t, len(adapter.sent), 1)
	for _, msg := range adapter.sent {
		require.LessOrEqual(t, len(msg.Content), 4096)
	}
}

func TestEgressSendMedia(t *testing.T) {
	egress, adapter := newTestEgress(t)

	err := egress.Send(context.Background(), Envelope{
		To:       "chat1",
		Platform: models.ChannelTelegram,
		MediaURL: "https://example.com/cat.gif",
		Type:     "gif",
		Caption:  "a cat",
	})
	require.NoError(t, err)
	require.Len(t, adapter.sent, 1)
	require.Len(t, adapter.sent[0].Attachments, 1)
	require.Equal(t, "gif", adapter.sent[0].Attachments[0].Type)
	require.Equal(t, "a cat", adapter.sent[0].Content)
}

func TestEgressTyping(t *testing.T) {
	egress, adapter := newTestEgress(t)

	on := true
	require.NoError(t, egress.Send(context.Background(), Envelope{
		To: "chat1", Platform: models.ChannelTelegram, Typing: &on,
	}))
	off := false
	require.NoError(t, egress.Send(context.Background(), Envelope{
		To: "chat1", Platform: models.ChannelTelegram, Typing: &off,
	}))
	require.Equal(t, []bool{true, false}, adapter.typing)
	require.Empty(t, adapter.sent, "typing envelopes never send messages")
}

func TestEgressUnknownPlatform(t *testing.T) {
	egress, _ := newTestEgress(t)

	err := egress.Send(context.Background(), Envelope{
		To:       "u1",
		Platform: models.ChannelDiscord,
		Message:  "hi",
	})
	require.Error(t, err)
}
