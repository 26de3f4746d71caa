package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/pkg/models"
)

// maxMessagesPerConversation caps how much history one conversation keeps
// in memory; older entries fall off the front once the cap is hit.
const maxMessagesPerConversation = 1000

// ErrSessionNotFound is returned when a session id or key resolves to
// nothing.
var ErrSessionNotFound = errors.New("session not found")

// conversation is one session's record plus its ordered transcript. All
// history invariants live here: appends happen under the store lock, the
// adjacent-duplicate rule is enforced at the single append site, and reads
// hand out copies so callers can't mutate the transcript behind the lock.
type conversation struct {
	session  models.Session
	messages []*models.Message
}

// append applies the history-store append invariant: an entry identical to
// the immediately preceding one across (role, content, tool_call_id, name)
// is dropped silently, making bridge double-delivery and crash-replay
// writes idempotent.
func (c *conversation) append(msg *models.Message) {
	if len(c.messages) > 0 && sameHistoryEntry(c.messages[len(c.messages)-1], msg) {
		return
	}
	c.messages = append(c.messages, copyMessage(msg))
	if overflow := len(c.messages) - maxMessagesPerConversation; overflow > 0 {
		c.messages = c.messages[overflow:]
	}
}

// window returns the most recent limit messages in insertion order
// (limit <= 0 means everything), as copies.
func (c *conversation) window(limit int) []*models.Message {
	start := 0
	if limit > 0 && len(c.messages) > limit {
		start = len(c.messages) - limit
	}
	out := make([]*models.Message, 0, len(c.messages)-start)
	for _, msg := range c.messages[start:] {
		out = append(out, copyMessage(msg))
	}
	return out
}

// sameHistoryEntry is the adjacency-duplicate tuple from the history
// invariants: role, content, tool_call_id, name.
func sameHistoryEntry(prev, next *models.Message) bool {
	if prev == nil || next == nil {
		return false
	}
	return prev.Role == next.Role &&
		prev.Content == next.Content &&
		prev.ToolCallID == next.ToolCallID &&
		prev.Name == next.Name
}

// MemoryStore is the in-memory Store used by tests and storage-less local
// runs. Sessions are created lazily by the router, never expired, and
// `/reset` clears a transcript without touching the session record.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
	idByKey       map[string]string
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*conversation{},
		idByKey:       map[string]string{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	if _, exists := m.conversations[session.ID]; exists {
		return errors.New("session already exists")
	}
	m.conversations[session.ID] = &conversation{session: copySession(session)}
	if session.Key != "" {
		m.idByKey[session.Key] = session.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	session := copySession(&conv.session)
	return &session, nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	m.mu.RLock()
	id, ok := m.idByKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.idByKey[key]; ok {
		if conv, ok := m.conversations[id]; ok {
			session := copySession(&conv.session)
			return &session, nil
		}
	}

	now := time.Now()
	session := models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[session.ID] = &conversation{session: session}
	m.idByKey[key] = session.ID
	out := copySession(&session)
	return &out, nil
}

func (m *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	updated := copySession(session)
	updated.CreatedAt = conv.session.CreatedAt
	updated.UpdatedAt = time.Now()
	if conv.session.Key != "" && conv.session.Key != updated.Key {
		delete(m.idByKey, conv.session.Key)
	}
	conv.session = updated
	if updated.Key != "" {
		m.idByKey[updated.Key] = updated.ID
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrSessionNotFound
	}
	if conv.session.Key != "" {
		delete(m.idByKey, conv.session.Key)
	}
	delete(m.conversations, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Session, 0, len(m.conversations))
	for _, conv := range m.conversations {
		if agentID != "" && conv.session.AgentID != agentID {
			continue
		}
		if opts.Channel != "" && conv.session.Channel != opts.Channel {
			continue
		}
		session := copySession(&conv.session)
		out = append(out, &session)
	}
	// Newest first, matching the SQL store's ordering.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start >= len(out) {
		return []*models.Session{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	conv.append(msg)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[sessionID]
	if !ok {
		return []*models.Message{}, nil
	}
	return conv.window(limit), nil
}

// Reset drops a session's transcript in place. The session record itself
// survives, and per the resolved scope decision this never cascades to
// sub-agents or vision goals — those are tracked by their own managers.
func (m *MemoryStore) Reset(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	conv.messages = nil
	return nil
}

// copySession shallow-copies the record and deep-copies its metadata map,
// the only mutable reference a Session carries.
func copySession(session *models.Session) models.Session {
	out := *session
	if session.Metadata != nil {
		out.Metadata = copyMetadata(session.Metadata)
	}
	return out
}

// copyMessage copies the message and every slice/map hanging off it so a
// caller-held reference can never rewrite stored history.
func copyMessage(msg *models.Message) *models.Message {
	out := *msg
	if msg.Metadata != nil {
		out.Metadata = copyMetadata(msg.Metadata)
	}
	if len(msg.Attachments) > 0 {
		out.Attachments = append([]models.Attachment{}, msg.Attachments...)
	}
	if len(msg.ToolCalls) > 0 {
		out.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	if len(msg.ToolResults) > 0 {
		out.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &out
}

func copyMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		switch v := value.(type) {
		case map[string]any:
			out[key] = copyMetadata(v)
		case []any:
			out[key] = append([]any{}, v...)
		default:
			out[key] = v
		}
	}
	return out
}
