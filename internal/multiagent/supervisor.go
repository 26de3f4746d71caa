package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/outbound"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Supervisor owns every sub-agent in the process, keyed by parent session
// and name.
type Supervisor struct {
	runtime *agent.Runtime
	store   sessions.Store
	egress  *outbound.Egress
	logger  *slog.Logger
	selfTag string

	// visionSubmit, when set, reroutes message() calls addressed to the
	// reserved "vision" name into the Vision Worker's goal queue.
	visionSubmit func(parentSessionID, goal string, isCorrection bool) error

	// releaseResources, when set, is the best-effort browser/vision
	// teardown hook invoked on kill.
	releaseResources func(ctx context.Context, parentSessionID string)

	mu     sync.Mutex
	agents map[string]map[string]*SubAgent // parentSessionID -> name -> agent
	wg     sync.WaitGroup
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(runtime *agent.Runtime, store sessions.Store, egress *outbound.Egress, selfTag string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		runtime: runtime,
		store:   store,
		egress:  egress,
		logger:  logger.With("component", "supervisor"),
		selfTag: selfTag,
		agents:  make(map[string]map[string]*SubAgent),
	}
}

// SetVisionSubmit wires the Vision Worker hook for messages addressed to
// the reserved "vision" name.
func (s *Supervisor) SetVisionSubmit(fn func(parentSessionID, goal string, isCorrection bool) error) {
	s.mu.Lock()
	s.visionSubmit = fn
	s.mu.Unlock()
}

// SetResourceReleaser wires the best-effort teardown hook invoked on kill.
func (s *Supervisor) SetResourceReleaser(fn func(ctx context.Context, parentSessionID string)) {
	s.mu.Lock()
	s.releaseResources = fn
	s.mu.Unlock()
}

// Delegate hands a task to the named sub-agent within the parent session,
// creating it if the per-session cap allows. A busy agent rejects the
// delegation.
func (s *Supervisor) Delegate(ctx context.Context, parentSessionID, name, task string, platform models.ChannelType) (*SubAgent, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("supervisor: sub-agent name is required")
	}
	if task == "" {
		return nil, fmt.Errorf("supervisor: task is required")
	}

	s.mu.Lock()
	pool := s.agents[parentSessionID]
	if pool == nil {
		pool = make(map[string]*SubAgent)
		s.agents[parentSessionID] = pool
	}
	sa, exists := pool[name]
	if exists && sa.Status == StatusWorking {
		s.mu.Unlock()
		return nil, agent.NewResourceExhaustion(fmt.Sprintf("sub-agent %q is busy with: %s", name, sa.CurrentTask))
	}
	if !exists {
		live := 0
		for _, other := range pool {
			if other.Status != StatusTerminated {
				live++
			}
		}
		if live >= MaxPerSession {
			s.mu.Unlock()
			return nil, agent.NewResourceExhaustion(fmt.Sprintf("sub-agent limit reached (%d per session); kill one first", MaxPerSession))
		}
		sa = &SubAgent{
			ID:              uuid.NewString(),
			Name:            name,
			ParentSessionID: parentSessionID,
			Platform:        platform,
			Status:          StatusIdle,
			CreatedAt:       time.Now(),
		}
		pool[name] = sa
	}
	sa.Status = StatusWorking
	sa.Platform = platform
	sa.CurrentTask = task
	sa.TaskHistory = append(sa.TaskHistory, task)
	generation := sa.generation
	snapshot := sa.snapshot()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(parentSessionID, name, task, platform, generation)

	return snapshot, nil
}

// run executes one delegated task to completion on a background worker.
func (s *Supervisor) run(parentSessionID, name, task string, platform models.ChannelType, generation uint64) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	session, err := s.ensureSubSession(ctx, parentSessionID, name)
	if err != nil {
		s.complete(ctx, parentSessionID, name, generation, "", err)
		return
	}

	msg := &models.Message{
		Role:    models.RoleUser,
		Content: task,
		Channel: platform,
	}
	chunks, err := s.runtime.Process(ctx, session, msg)
	if err != nil {
		s.complete(ctx, parentSessionID, name, generation, "", err)
		return
	}

	var result strings.Builder
	var runErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			runErr = chunk.Error
		}
		if chunk.Text != "" {
			result.WriteString(chunk.Text)
		}
	}
	if runErr != nil && result.Len() == 0 {
		s.complete(ctx, parentSessionID, name, generation, "", runErr)
		return
	}
	s.complete(ctx, parentSessionID, name, generation, result.String(), nil)
}

func (s *Supervisor) ensureSubSession(ctx context.Context, parentSessionID, name string) (*models.Session, error) {
	subID := SubSessionID(parentSessionID, name)
	if session, err := s.store.Get(ctx, subID); err == nil {
		return session, nil
	}
	session := &models.Session{
		ID:              subID,
		ParentSessionID: parentSessionID,
		Key:             subID,
	}
	if err := s.store.Create(ctx, session); err != nil {
		if existing, getErr := s.store.Get(ctx, subID); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("supervisor: create sub-session: %w", err)
	}
	return session, nil
}

// complete records the task outcome and reports back to the parent channel.
// A worker whose generation no longer matches was killed mid-run; its
// result is discarded.
func (s *Supervisor) complete(ctx context.Context, parentSessionID, name string, generation uint64, result string, err error) {
	s.mu.Lock()
	sa, ok := s.lookupLocked(parentSessionID, name)
	if !ok || sa.generation != generation {
		s.mu.Unlock()
		return
	}
	sa.CompletedAt = time.Now()
	sa.CurrentTask = ""
	if err != nil {
		sa.Status = StatusFailed
		sa.LastError = err.Error()
	} else {
		sa.Status = StatusCompleted
		sa.LastResult = result
	}
	platform := sa.Platform
	s.mu.Unlock()

	report := fmt.Sprintf("%s Sub-agent %q finished: %s", s.selfTag, name, summarize(result, 600))
	if err != nil {
		report = fmt.Sprintf("%s Sub-agent %q failed: %v", s.selfTag, name, err)
	}
	s.egress.SendLogged(ctx, outbound.Envelope{
		To:       parentSessionID,
		Platform: platform,
		Message:  report,
	})
}

// Message appends a synthetic "FROM sender: text" user message into the
// sub-agent's working history. The reserved name "vision" is passed to the
// Vision Worker as a correction: it joins the correction queue while a goal
// is running and is queued as a new goal otherwise.
func (s *Supervisor) Message(ctx context.Context, parentSessionID, name, sender, text string) error {
	name = strings.ToLower(strings.TrimSpace(name))

	if name == VisionName {
		s.mu.Lock()
		submit := s.visionSubmit
		s.mu.Unlock()
		if submit == nil {
			return fmt.Errorf("supervisor: vision worker not available")
		}
		return submit(parentSessionID, text, true)
	}

	s.mu.Lock()
	_, ok := s.lookupLocked(parentSessionID, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no sub-agent named %q", name)
	}

	session, err := s.ensureSubSession(ctx, parentSessionID, name)
	if err != nil {
		return err
	}
	msg := &models.Message{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("FROM %s: %s", sender, text),
	}
	return s.store.AppendMessage(ctx, session.ID, msg)
}

// Kill marks the named sub-agent terminated and requests best-effort
// teardown of browser/vision resources tied to the session. An in-flight
// turn is allowed to finish; its result is discarded.
func (s *Supervisor) Kill(ctx context.Context, parentSessionID, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	sa, ok := s.lookupLocked(parentSessionID, name)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: no sub-agent named %q", name)
	}
	sa.Status = StatusTerminated
	sa.CurrentTask = ""
	sa.generation++
	release := s.releaseResources
	s.mu.Unlock()

	if release != nil {
		release(ctx, parentSessionID)
	}
	return nil
}

// KillAll terminates every sub-agent in the session.
func (s *Supervisor) KillAll(ctx context.Context, parentSessionID string) int {
	s.mu.Lock()
	pool := s.agents[parentSessionID]
	count := 0
	for _, sa := range pool {
		if sa.Status != StatusTerminated {
			sa.Status = StatusTerminated
			sa.CurrentTask = ""
			sa.generation++
			count++
		}
	}
	release := s.releaseResources
	s.mu.Unlock()

	if release != nil {
		release(ctx, parentSessionID)
	}
	return count
}

// List returns snapshots of every sub-agent in the session.
func (s *Supervisor) List(parentSessionID string) []*SubAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := s.agents[parentSessionID]
	out := make([]*SubAgent, 0, len(pool))
	for _, sa := range pool {
		out = append(out, sa.snapshot())
	}
	return out
}

// Get returns a snapshot of one named sub-agent.
func (s *Supervisor) Get(parentSessionID, name string) (*SubAgent, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.lookupLocked(parentSessionID, name)
	if !ok {
		return nil, false
	}
	return sa.snapshot(), true
}

// AnyBusy reports whether any sub-agent in any session is working. The
// Heartbeat reflection loop gates on it.
func (s *Supervisor) AnyBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pool := range s.agents {
		for _, sa := range pool {
			if sa.Status == StatusWorking {
				return true
			}
		}
	}
	return false
}

// Wait blocks until every worker goroutine has exited. Test helper.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) lookupLocked(parentSessionID, name string) (*SubAgent, bool) {
	pool := s.agents[parentSessionID]
	if pool == nil {
		return nil, false
	}
	sa, ok := pool[name]
	return sa, ok
}

func summarize(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no output)"
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
