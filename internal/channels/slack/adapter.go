// Package slack provides a Slack channel adapter using Socket Mode.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/nexus/internal/channels"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config holds Slack adapter configuration.
type Config struct {
	// Enabled controls whether the Slack adapter is active.
	Enabled bool `yaml:"enabled"`

	// BotToken is the xoxb- bot token.
	BotToken string `yaml:"bot_token"`

	// AppToken is the xapp- app-level token for Socket Mode.
	AppToken string `yaml:"app_token"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.BotToken == "" || c.AppToken == "" {
		return fmt.Errorf("slack: bot_token and app_token are required")
	}
	return nil
}

// Adapter implements the Slack channel adapter.
type Adapter struct {
	*channels.BaseAdapter
	config       Config
	client       *slack.Client
	socketClient *socketmode.Client
	botUserID    string
	cancel       context.CancelFunc
}

// New creates a Slack adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		BaseAdapter:  channels.NewBaseAdapter(models.ChannelSlack, logger),
		config:       cfg,
		client:       client,
		socketClient: socketmode.New(client),
	}
}

// Start connects in Socket Mode and begins consuming events.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if auth, err := a.client.AuthTestContext(ctx); err == nil {
		a.botUserID = auth.UserID
	}

	go a.handleEvents(ctx)
	go func() {
		if err := a.socketClient.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.Logger().Error("socket mode terminated", "error", err)
			a.SetConnected(false, err.Error())
		}
	}()
	return nil
}

// Stop disconnects from Slack.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.SetConnected(false, "")
	a.CloseMessages()
	return nil
}

func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				a.SetConnected(true, "")
			case socketmode.EventTypeConnectionError:
				a.SetConnected(false, "connection error")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				a.socketClient.Ack(*event.Request)
				if apiEvent.Type == slackevents.CallbackEvent {
					if msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
						a.handleMessage(msg)
					}
				}
			}
		}
	}
}

func (a *Adapter) handleMessage(event *slackevents.MessageEvent) {
	// Skip edits, joins, and other subtyped noise.
	if event.SubType != "" || event.Text == "" {
		return
	}
	a.Emit(channels.InboundMessage{
		MessageID:  event.TimeStamp,
		PeerID:     event.Channel,
		SenderName: event.User,
		Content:    event.Text,
		FromMe:     a.botUserID != "" && event.User == a.botUserID,
	})
}

// Send delivers a text message and attachments to the channel identified by
// msg.Metadata["peer_id"].
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	channelID, _ := msg.Metadata["peer_id"].(string)
	if channelID == "" {
		return channels.ErrInvalidInput("missing peer_id in message metadata", nil)
	}

	if strings.TrimSpace(msg.Content) != "" {
		_, _, err := a.client.PostMessageContext(ctx, channelID,
			slack.MsgOptionText(msg.Content, false))
		if err != nil {
			a.RecordFailed()
			return channels.ErrConnection("failed to post message", err)
		}
		a.RecordSent()
	}

	for _, att := range msg.Attachments {
		if err := a.sendAttachment(ctx, channelID, att); err != nil {
			a.Logger().Error("failed to upload attachment", "error", err, "url", att.URL)
		}
	}
	return nil
}

func (a *Adapter) sendAttachment(ctx context.Context, channelID string, att models.Attachment) error {
	data, _, err := channels.FetchMedia(ctx, att.URL)
	if err != nil {
		return err
	}
	filename := att.Filename
	if filename == "" {
		filename = "attachment"
	}
	_, err = a.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:  channelID,
		Filename: filename,
		FileSize: len(data),
		Reader:   bytes.NewReader(data),
	})
	if err != nil {
		a.RecordFailed()
		return err
	}
	a.RecordSent()
	return nil
}
