// Package discord provides a Discord channel adapter using discordgo.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config holds Discord adapter configuration.
type Config struct {
	// Enabled controls whether the Discord adapter is active.
	Enabled bool `yaml:"enabled"`

	// Token is the bot token.
	Token string `yaml:"token"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Enabled && c.Token == "" {
		return fmt.Errorf("discord: token is required")
	}
	return nil
}

// Adapter implements the Discord channel adapter.
type Adapter struct {
	*channels.BaseAdapter
	config  Config
	session *discordgo.Session
}

// New creates a Discord adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelDiscord, logger),
		config:      cfg,
	}
}

// Start opens the Discord gateway session.
func (a *Adapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.config.Token)
	if err != nil {
		return channels.ErrAuthentication("failed to create session", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(a.handleMessageCreate)
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Ready) {
		a.SetConnected(true, "")
	})
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		a.SetConnected(false, "gateway disconnected")
	})

	if err := session.Open(); err != nil {
		return channels.ErrConnection("failed to open gateway", err)
	}
	a.session = session
	return nil
}

// Stop closes the gateway session.
func (a *Adapter) Stop(ctx context.Context) error {
	a.SetConnected(false, "")
	a.CloseMessages()
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	fromMe := s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID
	if m.Content == "" {
		return
	}
	a.Emit(channels.InboundMessage{
		MessageID:  m.ID,
		PeerID:     m.ChannelID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		FromMe:     fromMe,
	})
}

// Send delivers a text message and attachments to the channel identified by
// msg.Metadata["peer_id"].
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.session == nil {
		return channels.ErrUnavailable("session not started", nil)
	}
	channelID, _ := msg.Metadata["peer_id"].(string)
	if channelID == "" {
		return channels.ErrInvalidInput("missing peer_id in message metadata", nil)
	}

	if strings.TrimSpace(msg.Content) != "" {
		if _, err := a.session.ChannelMessageSend(channelID, msg.Content); err != nil {
			a.RecordFailed()
			return channels.ErrConnection("failed to send message", err)
		}
		a.RecordSent()
	}

	for _, att := range msg.Attachments {
		if err := a.sendAttachment(ctx, channelID, att); err != nil {
			a.Logger().Error("failed to send attachment", "error", err, "url", att.URL)
		}
	}
	return nil
}

// SendTyping triggers the typing indicator for the channel.
func (a *Adapter) SendTyping(ctx context.Context, peerID string, typing bool) error {
	if a.session == nil || !typing {
		return nil
	}
	return a.session.ChannelTyping(peerID)
}

func (a *Adapter) sendAttachment(ctx context.Context, channelID string, att models.Attachment) error {
	data, mimeType, err := channels.FetchMedia(ctx, att.URL)
	if err != nil {
		return err
	}
	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	_, err = a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: mimeType,
			Reader:      bytes.NewReader(data),
		}},
	})
	if err != nil {
		a.RecordFailed()
		return err
	}
	a.RecordSent()
	return nil
}
