// Package telegram provides a Telegram channel adapter using the
// go-telegram bot library's long-polling mode.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config holds Telegram adapter configuration.
type Config struct {
	// Enabled controls whether the Telegram adapter is active.
	Enabled bool `yaml:"enabled"`

	// Token is the bot API token from @BotFather.
	Token string `yaml:"token"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Enabled && c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	return nil
}

// Adapter implements the Telegram channel adapter.
type Adapter struct {
	*channels.BaseAdapter
	config Config
	bot    *bot.Bot
	cancel context.CancelFunc
}

// New creates a Telegram adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelTelegram, logger),
		config:      cfg,
	}
}

// Start connects the bot and begins long-polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		a.SetConnected(false, err.Error())
		return channels.ErrAuthentication("failed to create bot", err)
	}
	a.bot = b
	a.SetConnected(true, "")

	go b.Start(ctx)
	return nil
}

// Stop halts long-polling.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.SetConnected(false, "")
	a.CloseMessages()
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message

	senderName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if senderName == "" {
		senderName = msg.From.Username
	}

	a.Emit(channels.InboundMessage{
		MessageID:  strconv.Itoa(msg.ID),
		PeerID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderName: senderName,
		Content:    msg.Text,
		FromMe:     false,
	})
}

// Send delivers a text message and attachments to the chat identified by
// msg.Metadata["peer_id"].
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.bot == nil {
		return channels.ErrUnavailable("bot not started", nil)
	}
	chatID, err := chatIDFrom(msg)
	if err != nil {
		return err
	}

	if strings.TrimSpace(msg.Content) != "" {
		sent, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   msg.Content,
		})
		if err != nil {
			a.RecordFailed()
			return channels.ErrConnection("failed to send message", err)
		}
		msg.ChannelID = strconv.Itoa(sent.ID)
		a.RecordSent()
	}

	for _, att := range msg.Attachments {
		if err := a.sendAttachment(ctx, chatID, att); err != nil {
			a.Logger().Error("failed to send attachment", "error", err, "url", att.URL)
		}
	}
	return nil
}

// SendTyping shows the "typing…" chat action. Telegram auto-expires the
// action after a few seconds, so the router re-sends it on its cadence.
func (a *Adapter) SendTyping(ctx context.Context, peerID string, typing bool) error {
	if a.bot == nil || !typing {
		return nil
	}
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return nil
	}
	_, err = a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}

func (a *Adapter) sendAttachment(ctx context.Context, chatID int64, att models.Attachment) error {
	data, mimeType, err := channels.FetchMedia(ctx, att.URL)
	if err != nil {
		return err
	}
	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	upload := &tgmodels.InputFileUpload{Filename: filename, Data: bytes.NewReader(data)}

	switch channels.MediaKind(att.Type, mimeType) {
	case "image", "gif":
		_, err = a.bot.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID, Photo: upload, Caption: att.Filename})
	case "video":
		_, err = a.bot.SendVideo(ctx, &bot.SendVideoParams{ChatID: chatID, Video: upload})
	case "audio":
		_, err = a.bot.SendAudio(ctx, &bot.SendAudioParams{ChatID: chatID, Audio: upload})
	default:
		_, err = a.bot.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID, Document: upload})
	}
	if err != nil {
		a.RecordFailed()
		return err
	}
	a.RecordSent()
	return nil
}

func chatIDFrom(msg *models.Message) (int64, error) {
	peerID, _ := msg.Metadata["peer_id"].(string)
	if peerID == "" {
		return 0, channels.ErrInvalidInput("missing peer_id in message metadata", nil)
	}
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return 0, channels.ErrInvalidInput(fmt.Sprintf("invalid chat ID %q", peerID), err)
	}
	return chatID, nil
}
