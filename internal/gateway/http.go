package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Server is the HTTP front door: chat, session management, the normalized
// messenger webhook, and cron job administration.
type Server struct {
	router    *Router
	store     sessions.Store
	scheduler *cron.Scheduler
	logger    *slog.Logger
	http      *http.Server
	upgrader  websocket.Upgrader
}

// NewServer creates the HTTP surface on addr.
func NewServer(addr string, router *Router, store sessions.Store, scheduler *cron.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    router,
		store:     store,
		scheduler: scheduler,
		logger:    logger.With("component", "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /session/create", s.handleSessionCreate)
	mux.HandleFunc("GET /sessions/list", s.handleSessionsList)
	mux.HandleFunc("POST /whatsapp/incoming", s.handleWhatsAppIncoming)
	mux.HandleFunc("POST /cron/jobs", s.handleCronCreate)
	mux.HandleFunc("GET /cron/jobs", s.handleCronList)
	mux.HandleFunc("DELETE /cron/jobs/{id}", s.handleCronDelete)
	mux.HandleFunc("POST /cron/webhook/{id}", s.handleCronWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "api_" + uuid.NewString()[:8]
	}

	session, err := s.ensureAPISession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Stream && websocket.IsWebSocketUpgrade(r) {
		s.streamChatWS(w, r, session, req.Message)
		return
	}
	if req.Stream {
		s.streamChatChunked(w, r, session, req.Message)
		return
	}

	reply, err := s.router.RunTurn(r.Context(), session, models.ChannelAPI, req.Message)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": reply, "session_id": session.ID})
}

// streamChatChunked streams the reply as it is generated over a chunked
// text/plain response.
func (s *Server) streamChatChunked(w http.ResponseWriter, r *http.Request, session *models.Session, message string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	_, err := s.router.StreamTurn(r.Context(), session, models.ChannelAPI, message, func(text string) {
		fmt.Fprint(w, text)
		flusher.Flush()
	})
	if err != nil {
		fmt.Fprintf(w, "\n[error] %v", err)
		flusher.Flush()
	}
}

// streamChatWS streams text chunks as websocket text messages, closing with
// an empty terminal frame.
func (s *Server) streamChatWS(w http.ResponseWriter, r *http.Request, session *models.Session, message string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, err = s.router.StreamTurn(r.Context(), session, models.ChannelAPI, message, func(text string) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(text))
	})
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("[error] %v", err)))
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) ensureAPISession(ctx context.Context, sessionID string) (*models.Session, error) {
	if session, err := s.store.Get(ctx, sessionID); err == nil {
		return session, nil
	}
	session := &models.Session{
		ID:        sessionID,
		Channel:   models.ChannelAPI,
		ChannelID: sessionID,
		Key:       sessionID,
	}
	if err := s.store.Create(ctx, session); err != nil {
		if existing, getErr := s.store.Get(ctx, sessionID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

type sessionCreateRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if _, err := s.store.Get(r.Context(), sessionID); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "status": "exists"})
		return
	}
	session := &models.Session{
		ID:        sessionID,
		Channel:   models.ChannelAPI,
		ChannelID: sessionID,
		Key:       sessionID,
	}
	if err := s.store.Create(r.Context(), session); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sessionID, "status": "created"})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context(), "", sessions.ListOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, session := range list {
		out = append(out, map[string]any{
			"session_id": session.ID,
			"created_at": session.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type whatsappIncomingRequest struct {
	MessageID  string `json:"message_id,omitempty"`
	From       string `json:"from"`
	Body       string `json:"body"`
	SenderName string `json:"senderName"`
	FromMe     bool   `json:"fromMe"`
	Platform   string `json:"platform,omitempty"`
}

func (s *Server) handleWhatsAppIncoming(w http.ResponseWriter, r *http.Request) {
	var req whatsappIncomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.From == "" {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}
	platform := models.ChannelType(req.Platform)
	if platform == "" {
		platform = models.ChannelWhatsApp
	}
	event := InboundEvent{
		MessageID:  req.MessageID,
		SenderID:   req.From,
		SenderName: req.SenderName,
		Body:       req.Body,
		FromMe:     req.FromMe,
		Platform:   platform,
	}

	// Dedup, echo, and auth verdicts are synchronous; the engine turn runs
	// on a worker goroutine so the ingress loop stays free.
	status, dispatched := s.router.Dispatch(event)
	if !dispatched {
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": status})
}

type cronCreateRequest struct {
	Name          string `json:"name"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Task          string `json:"task"`
}

func (s *Server) handleCronCreate(w http.ResponseWriter, r *http.Request) {
	var req cronCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind, ok := cron.ParseKind(req.ScheduleType)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown schedule_type %q", req.ScheduleType))
		return
	}
	job, err := s.scheduler.Create(r.Context(), req.Name, kind, req.ScheduleValue, req.Task)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Jobs())
}

func (s *Server) handleCronDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (s *Server) handleCronWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Fire on a detached context; a webhook caller shouldn't hold the
	// connection open for a whole engine turn.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.scheduler.Trigger(ctx, id); err != nil {
			s.logger.Warn("webhook trigger failed", "id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered", "id": id})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
