// Package gateway implements the Session Router: it multiplexes normalized
// inbound channel events onto durable sessions, enforces allow-lists and
// duplicate suppression, handles control commands and pending-question
// answers, and streams engine turns back out through Channel Egress.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/outbound"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Status is the router's verdict on one inbound event.
type Status string

const (
	StatusProcessed       Status = "processed"
	StatusIgnoredDup      Status = "ignored_duplicate"
	StatusIgnoredEcho     Status = "ignored_echo"
	StatusUnauthorized    Status = "unauthorized"
	StatusReset           Status = "reset"
	StatusAnswerDelivered Status = "answer_delivered"
)

// InboundEvent is the normalized shape every channel adapter and the HTTP
// front door reduce to.
type InboundEvent struct {
	MessageID  string
	SenderID   string
	SenderName string
	Body       string
	FromMe     bool
	Platform   models.ChannelType
}

// Config holds router tunables.
type Config struct {
	// SelfTag marks outbound text; inbound text containing it is our own
	// bridge echo and is dropped.
	SelfTag string

	// AllowFrom maps channel name (or "default") to allowed sender ids.
	AllowFrom map[string][]string

	// ResetCommand clears the addressed session's history.
	ResetCommand string

	// TypingInterval is the cadence of the typing indicator while a turn
	// streams.
	TypingInterval time.Duration

	// DedupCap bounds the processed-message set.
	DedupCap int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SelfTag == "" {
		out.SelfTag = "[Nexus]"
	}
	if out.ResetCommand == "" {
		out.ResetCommand = "/reset"
	}
	if out.TypingInterval <= 0 {
		out.TypingInterval = 4 * time.Second
	}
	return out
}

// Router wires inbound events to the Conversation Engine.
type Router struct {
	cfg       Config
	store     sessions.Store
	runtime   *agent.Runtime
	egress    *outbound.Egress
	memory    *memory.Store
	pending   *PendingQuestions
	processed *ProcessedMessageSet
	logger    *slog.Logger
	metrics   *observability.Metrics

	// turnLocks serializes engine turns per session; concurrent inbound
	// events for one session queue up here.
	turnMu    sync.Mutex
	turnLocks map[string]*sync.Mutex
}

// NewRouter creates a Router.
func NewRouter(cfg Config, store sessions.Store, runtime *agent.Runtime, egress *outbound.Egress, mem *memory.Store, pending *PendingQuestions, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if pending == nil {
		pending = NewPendingQuestions()
	}
	resolved := cfg.withDefaults()
	return &Router{
		cfg:       resolved,
		store:     store,
		runtime:   runtime,
		egress:    egress,
		memory:    mem,
		pending:   pending,
		processed: NewProcessedMessageSet(resolved.DedupCap),
		logger:    logger.With("component", "router"),
		turnLocks: make(map[string]*sync.Mutex),
	}
}

// SetMetrics attaches the runtime metrics; nil disables counting.
func (r *Router) SetMetrics(metrics *observability.Metrics) { r.metrics = metrics }

// Pending exposes the pending-question mailbox so workers (vision ASK_USER)
// share the router's rendezvous.
func (r *Router) Pending() *PendingQuestions { return r.pending }

// SelfTag returns the configured echo marker.
func (r *Router) SelfTag() string { return r.cfg.SelfTag }

// AllowFrom returns the configured allowlist map.
func (r *Router) AllowFrom() map[string][]string { return r.cfg.AllowFrom }

// HandleInbound runs the routing pipeline for one event: dedup, echo drop,
// authorization, session ensure, control commands, pending-question
// delivery, then a full engine turn. Blocking: callers dispatch it on a
// worker goroutine, never on the ingress loop.
func (r *Router) HandleInbound(ctx context.Context, event InboundEvent) (Status, error) {
	if status, drop := r.precheck(event); drop {
		r.countInbound(event.Platform, status)
		return status, nil
	}
	status, err := r.process(ctx, event)
	r.countInbound(event.Platform, status)
	return status, err
}

func (r *Router) countInbound(platform models.ChannelType, status Status) {
	if r.metrics == nil || status == "" {
		return
	}
	r.metrics.MessagesInbound.WithLabelValues(string(platform), string(status)).Inc()
}

// Dispatch runs the synchronous drop checks, then hands the rest of the
// pipeline to a worker goroutine. The returned bool reports whether a
// worker was started.
func (r *Router) Dispatch(event InboundEvent) (Status, bool) {
	if status, drop := r.precheck(event); drop {
		r.countInbound(event.Platform, status)
		return status, false
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		status, err := r.process(ctx, event)
		if err != nil {
			r.logger.Error("inbound handling failed", "sender", event.SenderID, "error", err)
			return
		}
		r.countInbound(event.Platform, status)
	}()
	return StatusProcessed, true
}

// precheck applies the cheap drop rules. The second return is true when the
// event must not proceed.
func (r *Router) precheck(event InboundEvent) (Status, bool) {
	if r.processed.Seen(event.MessageID) {
		return StatusIgnoredDup, true
	}
	if strings.Contains(event.Body, r.cfg.SelfTag) {
		return StatusIgnoredEcho, true
	}
	if event.Platform == models.ChannelWhatsApp && !allowlistMatches(r.cfg.AllowFrom, event.Platform, event.SenderID) {
		r.logger.Warn("dropping message from unauthorized sender", "sender", event.SenderID, "platform", event.Platform)
		return StatusUnauthorized, true
	}
	return "", false
}

func (r *Router) process(ctx context.Context, event InboundEvent) (Status, error) {
	session, err := r.ensureSession(ctx, event.SenderID, event.Platform)
	if err != nil {
		return "", fmt.Errorf("router: ensure session: %w", err)
	}

	body := strings.TrimSpace(event.Body)
	if body == r.cfg.ResetCommand {
		if err := r.store.Reset(ctx, session.ID); err != nil {
			return "", fmt.Errorf("router: reset session: %w", err)
		}
		r.egress.SendLogged(ctx, outbound.Envelope{
			To:       event.SenderID,
			Platform: event.Platform,
			Message:  r.cfg.SelfTag + " Session history cleared.",
		})
		return StatusReset, nil
	}

	if _, ok := r.pending.Question(session.ID); ok {
		r.pending.Answer(session.ID, body)
		r.egress.SendLogged(ctx, outbound.Envelope{
			To:       event.SenderID,
			Platform: event.Platform,
			Message:  r.cfg.SelfTag + " Got it, passing your answer along.",
		})
		return StatusAnswerDelivered, nil
	}

	prefixed := fmt.Sprintf("[%s (%s)]: %s", event.SenderName, event.SenderID, body)
	reply, err := r.runTurnWithTyping(ctx, session, event.Platform, event.SenderID, prefixed)
	if err != nil {
		return "", err
	}
	if reply != "" {
		r.egress.SendLogged(ctx, outbound.Envelope{
			To:       event.SenderID,
			Platform: event.Platform,
			Message:  r.cfg.SelfTag + " " + reply,
		})
	}
	return StatusProcessed, nil
}

// ensureSession makes sure a session with id = senderID exists.
func (r *Router) ensureSession(ctx context.Context, senderID string, platform models.ChannelType) (*models.Session, error) {
	if session, err := r.store.Get(ctx, senderID); err == nil {
		return session, nil
	}
	session := &models.Session{
		ID:        senderID,
		Channel:   platform,
		ChannelID: senderID,
		Key:       senderID,
	}
	if err := r.store.Create(ctx, session); err != nil {
		// Lost a create race with a concurrent event for the same sender.
		if existing, getErr := r.store.Get(ctx, senderID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

// runTurnWithTyping runs one engine turn while a typing-indicator loop
// pings the channel every TypingInterval until the turn completes.
func (r *Router) runTurnWithTyping(ctx context.Context, session *models.Session, platform models.ChannelType, peerID, userText string) (string, error) {
	typingCtx, stopTyping := context.WithCancel(ctx)
	go r.typingLoop(typingCtx, platform, peerID)
	defer stopTyping()

	return r.RunTurn(ctx, session, platform, userText)
}

func (r *Router) typingLoop(ctx context.Context, platform models.ChannelType, peerID string) {
	on, off := true, false
	ticker := time.NewTicker(r.cfg.TypingInterval)
	defer ticker.Stop()

	r.egress.SendLogged(ctx, outbound.Envelope{To: peerID, Platform: platform, Typing: &on})
	for {
		select {
		case <-ctx.Done():
			// Best effort stop; the parent ctx may already be done.
			r.egress.SendLogged(context.Background(), outbound.Envelope{To: peerID, Platform: platform, Typing: &off})
			return
		case <-ticker.C:
			r.egress.SendLogged(ctx, outbound.Envelope{To: peerID, Platform: platform, Typing: &on})
		}
	}
}

// RunTurn executes one Conversation Engine turn for the session and returns
// the concatenated visible reply. Turns for the same session serialize;
// turns across sessions run concurrently.
func (r *Router) RunTurn(ctx context.Context, session *models.Session, platform models.ChannelType, userText string) (string, error) {
	return r.StreamTurn(ctx, session, platform, userText, nil)
}

// StreamTurn is RunTurn with a per-fragment callback: onText observes every
// visible text chunk as it streams. The return value is still the full
// concatenated reply.
func (r *Router) StreamTurn(ctx context.Context, session *models.Session, platform models.ChannelType, userText string, onText func(string)) (string, error) {
	unlock := r.lockSession(session.ID)
	defer unlock()

	ctx = agent.WithSystemPrompt(ctx, BuildSystemPrompt(r.memory))

	msg := &models.Message{
		Role:    models.RoleUser,
		Content: userText,
		Channel: platform,
	}
	chunks, err := r.runtime.Process(ctx, session, msg)
	if err != nil {
		return "", fmt.Errorf("router: start turn: %w", err)
	}

	var reply strings.Builder
	var turnErr error
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			turnErr = chunk.Error
		case chunk.Text != "":
			reply.WriteString(chunk.Text)
			if onText != nil {
				onText(chunk.Text)
			}
		case len(chunk.Artifacts) > 0:
			r.deliverArtifacts(ctx, session.ID, platform, chunk.Artifacts)
		}
	}
	if turnErr != nil && reply.Len() == 0 {
		return "", turnErr
	}
	return reply.String(), nil
}

// deliverArtifacts pushes tool-produced media (vision screenshots, files)
// out on the originating channel.
func (r *Router) deliverArtifacts(ctx context.Context, peerID string, platform models.ChannelType, artifacts []agent.Artifact) {
	for _, artifact := range artifacts {
		if artifact.URL == "" {
			continue
		}
		r.egress.SendLogged(ctx, outbound.Envelope{
			To:       peerID,
			Platform: platform,
			MediaURL: artifact.URL,
			Type:     artifact.Type,
		})
	}
}

func (r *Router) lockSession(sessionID string) func() {
	r.turnMu.Lock()
	lock, ok := r.turnLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.turnLocks[sessionID] = lock
	}
	r.turnMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ConsumeAdapters drains a registry-aggregated inbound stream, dispatching
// each event onto its own worker goroutine so one slow turn never blocks
// the ingress loop.
func (r *Router) ConsumeAdapters(ctx context.Context, inbound <-chan *models.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			event := eventFromMessage(msg)
			go func() {
				if _, err := r.HandleInbound(ctx, event); err != nil {
					r.logger.Error("inbound handling failed", "sender", event.SenderID, "error", err)
				}
			}()
		}
	}
}

func eventFromMessage(msg *models.Message) InboundEvent {
	event := InboundEvent{
		Body:     msg.Content,
		Platform: msg.Channel,
	}
	if msg.Metadata != nil {
		event.MessageID, _ = msg.Metadata["message_id"].(string)
		event.SenderID, _ = msg.Metadata["peer_id"].(string)
		event.SenderName, _ = msg.Metadata["sender_name"].(string)
		event.FromMe, _ = msg.Metadata["from_me"].(bool)
	}
	if event.MessageID == "" {
		event.MessageID = msg.ChannelID
	}
	return event
}
