package channels

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Metrics tracks per-adapter message and connection counters.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesFailed   atomic.Uint64

	errorsMu     sync.Mutex
	errorsByCode map[ErrorCode]uint64

	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64

	channelType models.ChannelType
	startTime   time.Time
}

// NewMetrics creates a Metrics instance for one adapter.
func NewMetrics(channelType models.ChannelType) *Metrics {
	return &Metrics{
		errorsByCode: make(map[ErrorCode]uint64),
		channelType:  channelType,
		startTime:    time.Now(),
	}
}

// RecordMessageSent increments the sent counter.
func (m *Metrics) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// RecordMessageReceived increments the received counter.
func (m *Metrics) RecordMessageReceived() {
	m.messagesReceived.Add(1)
}

// RecordMessageFailed increments the failed counter.
func (m *Metrics) RecordMessageFailed() {
	m.messagesFailed.Add(1)
}

// RecordError counts an error by code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	m.errorsByCode[code]++
	m.errorsMu.Unlock()
}

// RecordConnectionOpened counts a successful connect.
func (m *Metrics) RecordConnectionOpened() {
	m.connectionsOpened.Add(1)
}

// RecordConnectionClosed counts a disconnect.
func (m *Metrics) RecordConnectionClosed() {
	m.connectionsClosed.Add(1)
}

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.Lock()
	errorsByCode := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, count := range m.errorsByCode {
		errorsByCode[code] = count
	}
	m.errorsMu.Unlock()

	return MetricsSnapshot{
		ChannelType:       m.channelType,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		ErrorsByCode:      errorsByCode,
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot is a point-in-time view of an adapter's counters.
type MetricsSnapshot struct {
	ChannelType       models.ChannelType
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesFailed    uint64
	ErrorsByCode      map[ErrorCode]uint64
	ConnectionsOpened uint64
	ConnectionsClosed uint64
	Uptime            time.Duration
}
