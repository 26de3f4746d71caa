// Package whatsapp provides a WhatsApp channel adapter using whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow
)

// Config holds WhatsApp adapter configuration.
type Config struct {
	// Enabled controls whether the WhatsApp adapter is active.
	Enabled bool `yaml:"enabled"`

	// SessionPath is the path to the SQLite database for session persistence.
	SessionPath string `yaml:"session_path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     false,
		SessionPath: "~/.nexus/whatsapp/session.db",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Enabled && c.SessionPath == "" {
		return fmt.Errorf("whatsapp: session_path is required")
	}
	return nil
}

// Adapter implements the WhatsApp channel adapter using whatsmeow.
type Adapter struct {
	*channels.BaseAdapter
	config *Config
	store  *sqlstore.Container
	client *whatsmeow.Client
	cancel context.CancelFunc
}

// New creates a WhatsApp adapter backed by a whatsmeow session store.
func New(cfg *Config, logger *slog.Logger) (*Adapter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	sessionPath := expandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return nil, channels.ErrConfig("failed to create session directory", err)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	container, err := sqlstore.New(initCtx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath), waLog.Noop)
	if err != nil {
		return nil, channels.ErrConnection("failed to create store", err)
	}

	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(models.ChannelWhatsApp, logger),
		config:      cfg,
		store:       container,
	}, nil
}

// Start connects to WhatsApp and begins listening for messages.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	device, err := a.store.GetFirstDevice(ctx)
	if err != nil {
		return channels.ErrConnection("failed to get device", err)
	}
	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		// Not logged in yet: surface pairing codes in the log until the
		// phone scans one.
		qrChan, err := a.client.GetQRChannel(ctx)
		if err != nil {
			return channels.ErrAuthentication("failed to get QR channel", err)
		}
		if err := a.client.Connect(); err != nil {
			return channels.ErrConnection("failed to connect", err)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-qrChan:
					if !ok {
						return
					}
					if evt.Event == "code" {
						a.Logger().Info("scan QR code to login", "code", evt.Code)
					}
				}
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return channels.ErrConnection("failed to connect", err)
	}
	return nil
}

// Stop disconnects from WhatsApp.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.CloseMessages()
	return a.store.Close()
}

// Send delivers a text message and any attachments to the peer identified
// by msg.Metadata["peer_id"] (a JID).
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.client == nil || !a.client.IsConnected() {
		return channels.ErrUnavailable("not connected to WhatsApp", nil)
	}
	jid, err := peerJID(msg)
	if err != nil {
		return err
	}

	if msg.Content != "" {
		waMsg := &waE2E.Message{Conversation: proto.String(msg.Content)}
		if _, err := a.client.SendMessage(ctx, jid, waMsg); err != nil {
			a.RecordFailed()
			return channels.ErrConnection("failed to send message", err)
		}
		a.RecordSent()
	}

	for _, att := range msg.Attachments {
		if err := a.sendAttachment(ctx, jid, att); err != nil {
			a.Logger().Error("failed to send attachment", "error", err, "url", att.URL)
		}
	}
	return nil
}

// SendTyping toggles the composing presence for the peer.
func (a *Adapter) SendTyping(ctx context.Context, peerID string, typing bool) error {
	if a.client == nil || !a.client.IsConnected() {
		return nil
	}
	jid, err := types.ParseJID(peerID)
	if err != nil {
		return nil
	}
	state := types.ChatPresenceComposing
	if !typing {
		state = types.ChatPresencePaused
	}
	return a.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (a *Adapter) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		a.SetConnected(true, "")
	case *events.Disconnected:
		a.SetConnected(false, "disconnected")
	case *events.LoggedOut:
		a.SetConnected(false, "logged out")
	case *events.Message:
		a.handleMessage(e)
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	var content string
	switch {
	case evt.Message.Conversation != nil:
		content = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		content = evt.Message.ExtendedTextMessage.GetText()
	case evt.Message.ImageMessage != nil:
		content = evt.Message.ImageMessage.GetCaption()
	case evt.Message.VideoMessage != nil:
		content = evt.Message.VideoMessage.GetCaption()
	case evt.Message.DocumentMessage != nil:
		content = evt.Message.DocumentMessage.GetCaption()
	}
	if content == "" {
		return
	}

	a.Emit(channels.InboundMessage{
		MessageID:  evt.Info.ID,
		PeerID:     evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Content:    content,
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
	})
}

func (a *Adapter) sendAttachment(ctx context.Context, jid types.JID, att models.Attachment) error {
	data, mimeType, err := channels.FetchMedia(ctx, att.URL)
	if err != nil {
		return channels.ErrConnection("failed to fetch attachment", err)
	}
	if att.MimeType != "" {
		mimeType = att.MimeType
	}

	var uploadType whatsmeow.MediaType
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		uploadType = whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		uploadType = whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		uploadType = whatsmeow.MediaAudio
	default:
		uploadType = whatsmeow.MediaDocument
	}

	uploaded, err := a.client.Upload(ctx, data, uploadType)
	if err != nil {
		return channels.ErrConnection("failed to upload", err)
	}

	var waMsg *waE2E.Message
	switch uploadType {
	case whatsmeow.MediaImage:
		waMsg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
		}}
	case whatsmeow.MediaVideo:
		waMsg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
		}}
	case whatsmeow.MediaAudio:
		waMsg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
		}}
	default:
		filename := att.Filename
		if filename == "" {
			filename = "document"
		}
		waMsg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			FileName:      &filename,
		}}
	}

	if _, err := a.client.SendMessage(ctx, jid, waMsg); err != nil {
		a.RecordFailed()
		return channels.ErrConnection("failed to send attachment message", err)
	}
	a.RecordSent()
	return nil
}

func peerJID(msg *models.Message) (types.JID, error) {
	peerID, _ := msg.Metadata["peer_id"].(string)
	if peerID == "" {
		return types.JID{}, channels.ErrInvalidInput("missing peer_id in message metadata", nil)
	}
	jid, err := types.ParseJID(peerID)
	if err != nil {
		return types.JID{}, channels.ErrInvalidInput(fmt.Sprintf("invalid peer ID %q", peerID), err)
	}
	return jid, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
