package channels

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/pkg/models"
)

// inboundBuffer bounds the per-adapter inbound queue. When the Session
// Router falls behind, new messages are dropped rather than blocking the
// adapter's network loop.
const inboundBuffer = 64

// BaseAdapter provides the shared plumbing every concrete adapter embeds:
// inbound emission, connection status, metrics, and a component logger.
type BaseAdapter struct {
	channelType models.ChannelType
	logger      *slog.Logger
	metrics     *Metrics

	mu       sync.RWMutex
	status   Status
	messages chan *models.Message
}

// NewBaseAdapter creates the shared adapter core.
func NewBaseAdapter(channelType models.ChannelType, logger *slog.Logger) *BaseAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseAdapter{
		channelType: channelType,
		logger:      logger.With("channel", string(channelType)),
		metrics:     NewMetrics(channelType),
		messages:    make(chan *models.Message, inboundBuffer),
	}
}

// Type returns the channel type.
func (b *BaseAdapter) Type() models.ChannelType { return b.channelType }

// Logger returns the adapter's component logger.
func (b *BaseAdapter) Logger() *slog.Logger { return b.logger }

// Messages returns the inbound message stream.
func (b *BaseAdapter) Messages() <-chan *models.Message { return b.messages }

// Status returns the current connection status.
func (b *BaseAdapter) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetConnected updates the connection status.
func (b *BaseAdapter) SetConnected(connected bool, errMsg string) {
	b.mu.Lock()
	b.status = Status{Connected: connected, Error: errMsg, LastPing: time.Now().Unix()}
	b.mu.Unlock()
	if connected {
		b.metrics.RecordConnectionOpened()
	} else {
		b.metrics.RecordConnectionClosed()
	}
}

// Metrics returns a snapshot of the adapter's counters.
func (b *BaseAdapter) Metrics() MetricsSnapshot { return b.metrics.Snapshot() }

// RecordSent counts an outbound delivery.
func (b *BaseAdapter) RecordSent() { b.metrics.RecordMessageSent() }

// RecordFailed counts a failed outbound delivery.
func (b *BaseAdapter) RecordFailed() { b.metrics.RecordMessageFailed() }

// InboundMessage is the normalized shape adapters hand to Emit.
type InboundMessage struct {
	MessageID  string
	PeerID     string
	SenderName string
	Content    string
	FromMe     bool
	Timestamp  time.Time
}

// Emit normalizes raw and pushes it onto the inbound stream. It never
// blocks: if the buffer is full the message is dropped and logged.
func (b *BaseAdapter) Emit(raw InboundMessage) {
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now()
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		ChannelID: raw.MessageID,
		Channel:   b.channelType,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   raw.Content,
		CreatedAt: raw.Timestamp,
		Metadata: map[string]any{
			"message_id":  raw.MessageID,
			"peer_id":     raw.PeerID,
			"sender_name": raw.SenderName,
			"from_me":     raw.FromMe,
		},
	}
	select {
	case b.messages <- msg:
		b.metrics.RecordMessageReceived()
	default:
		b.logger.Warn("inbound buffer full, dropping message", "peer_id", raw.PeerID)
	}
}

// CloseMessages closes the inbound stream. Called once from Stop.
func (b *BaseAdapter) CloseMessages() {
	close(b.messages)
}
