// Package outbound implements Channel Egress: the single outbound surface
// tools, sub-agents, the vision worker, and the session router use to push
// text, media, typing indicators, and questions back to the user. It fans
// out to platform adapters through the channel registry and is safe for
// concurrent use.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Envelope is one outbound delivery request. Payload shape decides what
// happens: Typing toggles the indicator, MediaURL attaches media, Message
// carries text. Routing is by Platform.
type Envelope struct {
	To       string             // peer/chat identifier on the platform
	Platform models.ChannelType // which adapter delivers it
	Message  string             // text body, optional
	MediaURL string             // http(s) URL or local path, optional
	Type     string             // media kind hint: image, video, gif, audio, document
	Caption  string             // caption for media, optional
	Typing   *bool              // when set, toggle the typing indicator and do nothing else
}

// Egress routes envelopes to channel adapters.
type Egress struct {
	registry *channels.Registry
	logger   *slog.Logger
}

// New creates an Egress over the given adapter registry.
func New(registry *channels.Registry, logger *slog.Logger) *Egress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Egress{
		registry: registry,
		logger:   logger.With("component", "egress"),
	}
}

// Send routes one envelope. Text longer than the platform limit is split
// into sequential messages; chunk boundaries prefer paragraph and sentence
// breaks.
func (e *Egress) Send(ctx context.Context, env Envelope) error {
	if env.To == "" {
		return fmt.Errorf("egress: recipient is required")
	}
	if env.Platform == "" {
		return fmt.Errorf("egress: platform is required")
	}

	if env.Typing != nil {
		return e.sendTyping(ctx, env)
	}

	adapter, ok := e.registry.GetOutbound(env.Platform)
	if !ok {
		return fmt.Errorf("egress: no outbound adapter for platform %q", env.Platform)
	}

	if env.MediaURL != "" {
		return e.sendMedia(ctx, adapter, env)
	}
	return e.sendText(ctx, adapter, env)
}

func (e *Egress) sendTyping(ctx context.Context, env Envelope) error {
	adapter, ok := e.registry.Get(env.Platform)
	if !ok {
		return fmt.Errorf("egress: no adapter for platform %q", env.Platform)
	}
	typer, ok := adapter.(channels.TypingAdapter)
	if !ok {
		// Platform has no typing concept; not an error.
		return nil
	}
	return typer.SendTyping(ctx, env.To, *env.Typing)
}

func (e *Egress) sendText(ctx context.Context, adapter channels.OutboundAdapter, env Envelope) error {
	if env.Message == "" {
		return nil
	}
	for _, chunk := range channels.ChunkForChannel(env.Platform, env.Message) {
		msg := e.newMessage(env)
		msg.Content = chunk
		if err := adapter.Send(ctx, msg); err != nil {
			return fmt.Errorf("egress: send text via %s: %w", env.Platform, err)
		}
	}
	return nil
}

func (e *Egress) sendMedia(ctx context.Context, adapter channels.OutboundAdapter, env Envelope) error {
	msg := e.newMessage(env)
	msg.Content = env.Caption
	if msg.Content == "" {
		msg.Content = env.Message
	}
	msg.Attachments = []models.Attachment{{
		ID:   uuid.NewString(),
		Type: channels.MediaKind(env.Type, ""),
		URL:  env.MediaURL,
	}}
	if err := adapter.Send(ctx, msg); err != nil {
		return fmt.Errorf("egress: send media via %s: %w", env.Platform, err)
	}
	return nil
}

func (e *Egress) newMessage(env Envelope) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		Channel:   env.Platform,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
		Metadata:  map[string]any{"peer_id": env.To},
	}
}

// SendLogged is Send with the channel-error policy applied: failures are
// logged and swallowed. Daemons (scheduler, reflection loops, sub-agent
// reports) use it where a lost notification must not kill the loop.
func (e *Egress) SendLogged(ctx context.Context, env Envelope) {
	if err := e.Send(ctx, env); err != nil {
		e.logger.Error("egress delivery failed", "platform", env.Platform, "to", env.To, "error", err)
	}
}
