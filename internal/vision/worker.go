package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/gateway"
	"github.com/haasonsaas/nexus/internal/outbound"
	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	// baseMaxSteps is the initial per-goal step budget; every five executed
	// steps raise it by checkpointStepRaise.
	baseMaxSteps        = 15
	checkpointInterval  = 5
	checkpointStepRaise = 5

	// actionPause separates executed actions so the UI can settle.
	actionPause = 1500 * time.Millisecond

	// notchPause separates discrete wheel notches.
	notchPause = 100 * time.Millisecond

	// idleSleep is how long the worker dozes between empty-queue checks.
	idleSleep = time.Second
)

const plannerSystemPrompt = `You are an advanced Vision Agent capable of controlling a computer to achieve a goal.
You operate in a Plan-Work-Loop cycle: analyze the screen, plan the next 1-5 actions, execute them, then re-evaluate.

### Coordinate System
- The screen uses a normalized coordinate system from 0 to 1000.
- Top-Left is (0, 0). Bottom-Right is (1000, 1000).
- When you need to click something, return its bounding box: [ymin, xmin, ymax, xmax].

### Available Actions
CLICK, DOUBLE_CLICK, RIGHT_CLICK (bbox), TYPE (text), HOTKEY (keys, e.g. ["ctrl","v"]),
SCROLL (direction "up"|"down", amount), MOVE_TO (point [x, y]), WAIT (duration seconds),
ASK_USER (question), FINISH (reason).

### Response Format (Strict JSON)
Return a raw JSON array of action objects, each with a "thought" field. No markdown fences.`

// goalItem is one queued task with its originating session for reporting.
type goalItem struct {
	Text      string
	SessionID string
	Platform  models.ChannelType
}

// Worker is the process-wide singleton screen-control agent. Goals are
// strictly FIFO; feedback is drained at the top of every perceive/plan
// cycle and never applied mid-action.
type Worker struct {
	screen        Screen
	provider      agent.LLMProvider
	model         string
	egress        *outbound.Egress
	pending       *gateway.PendingQuestions
	logger        *slog.Logger
	selfTag       string
	screenshotDir string

	// sleep is swappable for tests.
	sleep func(time.Duration)

	mu            sync.Mutex
	started       bool
	busy          bool
	currentGoal   string
	goalQueue     []goalItem
	feedbackQueue []string
	wake          chan struct{}
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewWorker creates the singleton worker. It does not touch the screen
// until the first goal arrives.
func NewWorker(screen Screen, provider agent.LLMProvider, model string, egress *outbound.Egress, pending *gateway.PendingQuestions, selfTag, screenshotDir string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		screen:        screen,
		provider:      provider,
		model:         model,
		egress:        egress,
		pending:       pending,
		logger:        logger.With("component", "vision"),
		selfTag:       selfTag,
		screenshotDir: screenshotDir,
		sleep:         time.Sleep,
		wake:          make(chan struct{}, 1),
	}
}

// Start launches the worker loop. It runs until ctx is cancelled; goals
// submitted while no goal is active wake it immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("vision: worker already started")
	}
	w.started = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(runCtx)
	return nil
}

// Stop tears the worker down. Only called on process shutdown.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.started = false
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.screen.Close()
}

// Submit enqueues a goal. While a goal is running, isCorrection routes the
// text to the feedback queue (applied at the next cycle boundary); plain
// submissions append to the FIFO goal queue.
func (w *Worker) Submit(goal, sessionID string, platform models.ChannelType, isCorrection bool) error {
	if strings.TrimSpace(goal) == "" {
		return fmt.Errorf("vision: goal is required")
	}
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return fmt.Errorf("vision: worker not running")
	}
	if isCorrection && w.busy {
		w.feedbackQueue = append(w.feedbackQueue, goal)
		w.mu.Unlock()
		w.logger.Info("correction queued", "feedback", goal)
		return nil
	}
	w.goalQueue = append(w.goalQueue, goalItem{Text: goal, SessionID: sessionID, Platform: platform})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Busy reports whether a goal is being worked on right now.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// QueueLen returns the number of queued (not yet started) goals.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.goalQueue)
}

// CurrentGoal returns the goal being worked on, if any.
func (w *Worker) CurrentGoal() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentGoal, w.busy
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		item, ok := w.popGoal()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
				continue
			case <-time.After(idleSleep):
				continue
			}
		}

		w.setBusy(item.Text, true)
		w.runGoal(ctx, item)
		w.setBusy("", false)

		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) popGoal() (goalItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.goalQueue) == 0 {
		return goalItem{}, false
	}
	item := w.goalQueue[0]
	w.goalQueue = w.goalQueue[1:]
	return item, true
}

func (w *Worker) setBusy(goal string, busy bool) {
	w.mu.Lock()
	w.currentGoal = goal
	w.busy = busy
	if !busy {
		// Stale corrections never leak into the next goal.
		w.feedbackQueue = nil
	}
	w.mu.Unlock()
}

// drainFeedback consumes all queued corrections into one block.
func (w *Worker) drainFeedback() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.feedbackQueue) == 0 {
		return ""
	}
	block := "\n[USER CORRECTION]: " + strings.Join(w.feedbackQueue, "\n- ")
	w.feedbackQueue = nil
	return block
}

// runGoal runs one goal to success, error, or step exhaustion.
func (w *Worker) runGoal(ctx context.Context, item goalItem) {
	w.logger.Info("starting goal", "goal", item.Text)

	stepCount := 0
	maxSteps := baseMaxSteps
	var history []string
	var checkpointNote string

	for stepCount < maxSteps {
		if ctx.Err() != nil {
			return
		}

		screenshot, err := w.screen.Capture(ctx)
		if err != nil {
			w.notify(ctx, item, fmt.Sprintf("❌ Error in vision cycle: %v", err))
			return
		}
		width, height, err := w.screen.Size(ctx)
		if err != nil {
			w.notify(ctx, item, fmt.Sprintf("❌ Error reading screen size: %v", err))
			return
		}

		feedback := w.drainFeedback()
		plan, err := w.plan(ctx, item.Text, history, feedback, checkpointNote, screenshot)
		checkpointNote = ""
		if err != nil {
			w.logger.Warn("planning failed, retrying", "error", err)
			w.sleep(2 * time.Second)
			continue
		}

		for _, action := range plan {
			if stepCount >= maxSteps {
				break
			}
			stepCount++

			result, finished := w.execute(ctx, action, item, screenshot, width, height)
			if finished {
				reason := action.Reason
				if reason == "" {
					reason = "Done"
				}
				w.notify(ctx, item, fmt.Sprintf("✅ Goal completed: %s\nResult: %s", item.Text, reason))
				return
			}

			history = append(history, fmt.Sprintf("Step %d: %s -> %s => %s", stepCount, action.Thought, action.Action, result))
			w.logger.Info("executed action", "step", stepCount, "action", string(action.Action), "result", result)

			// Every five executed steps the budget grows and the planner is
			// told to take stock.
			if stepCount%checkpointInterval == 0 {
				maxSteps += checkpointStepRaise
				checkpointNote = "\n[CHECKPOINT]: Reflect on progress, re-plan, and adjust the approach if stuck."
			}

			w.sleep(actionPause)
		}
	}

	w.notify(ctx, item, fmt.Sprintf("⚠️ Goal %q stopped (max steps reached).", item.Text))
}

// plan asks the vision LLM for the next action list. The screenshot rides
// along as a data-URL image attachment.
func (w *Worker) plan(ctx context.Context, goal string, history []string, feedback, checkpointNote string, screenshot []byte) ([]Action, error) {
	userContent := fmt.Sprintf("GOAL: %s\n\nHistory: %s%s%s", goal, strings.Join(history, "\n"), feedback, checkpointNote)

	req := &agent.CompletionRequest{
		Model:  w.model,
		System: plannerSystemPrompt,
		Messages: []agent.CompletionMessage{{
			Role:    "user",
			Content: userContent,
			Attachments: []models.Attachment{{
				Type:     "image",
				URL:      "data:image/png;base64," + base64.StdEncoding.EncodeToString(screenshot),
				MimeType: "image/png",
			}},
		}},
	}

	chunks, err := w.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision: open planner stream: %w", err)
	}
	var content strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, fmt.Errorf("vision: planner stream: %w", chunk.Error)
		}
		content.WriteString(chunk.Text)
	}
	return ParsePlan(content.String())
}

// execute performs one action. The second return is true for FINISH.
func (w *Worker) execute(ctx context.Context, action Action, item goalItem, screenshot []byte, width, height int) (string, bool) {
	switch action.Action {
	case ActionClick, ActionDoubleClick, ActionRightClick:
		x, y, err := bboxCenter(action.BBox, width, height)
		if err != nil {
			return fmt.Sprintf("Error: %s missing bbox: %v", action.Action, err), false
		}
		if err := w.screen.MoveTo(ctx, x, y, 500*time.Millisecond); err != nil {
			return "Error: move failed: " + err.Error(), false
		}
		button := "left"
		if action.Action == ActionRightClick {
			button = "right"
		}
		if err := w.screen.Click(ctx, button, action.Action == ActionDoubleClick); err != nil {
			return "Error: click failed: " + err.Error(), false
		}
		return fmt.Sprintf("%s at (%.0f, %.0f)", action.Action, x, y), false

	case ActionTypeText:
		if err := w.screen.Type(ctx, action.Text); err != nil {
			return "Error: type failed: " + err.Error(), false
		}
		return fmt.Sprintf("Typed: %q", action.Text), false

	case ActionHotkey:
		if err := w.screen.Hotkey(ctx, action.Keys); err != nil {
			return "Error: hotkey failed: " + err.Error(), false
		}
		return fmt.Sprintf("Keys pressed: %v", action.Keys), false

	case ActionScroll:
		amount := action.Amount
		if amount <= 0 {
			amount = 3
		}
		delta := wheelNotch
		if action.Direction != "down" {
			delta = -wheelNotch
		}
		for i := 0; i < amount; i++ {
			if err := w.screen.Wheel(ctx, delta); err != nil {
				return "Error: scroll failed: " + err.Error(), false
			}
			w.sleep(notchPause)
		}
		return fmt.Sprintf("Scrolled %s by %d notches", action.Direction, amount), false

	case ActionMoveTo:
		if len(action.Point) != 2 {
			return "Error: MOVE_TO missing point", false
		}
		x := action.Point[0] / 1000 * float64(width)
		y := action.Point[1] / 1000 * float64(height)
		if err := w.screen.MoveTo(ctx, x, y, 500*time.Millisecond); err != nil {
			return "Error: move failed: " + err.Error(), false
		}
		return fmt.Sprintf("Moved cursor to (%.0f, %.0f)", x, y), false

	case ActionWait:
		duration := action.Duration
		if duration <= 0 {
			duration = 1
		}
		w.sleep(time.Duration(duration * float64(time.Second)))
		return fmt.Sprintf("Waited %.1fs", duration), false

	case ActionAskUser:
		question := action.Question
		if question == "" {
			question = "Help needed."
		}
		return w.askUser(ctx, item, question, screenshot), false

	case ActionFinish:
		return "FINISH", true

	default:
		return fmt.Sprintf("Unknown action: %s", action.Action), false
	}
}

// askUser sends the current screenshot with the question, registers a
// pending question for the originating session, and blocks until the
// user's next inbound message answers it or the wait times out.
func (w *Worker) askUser(ctx context.Context, item goalItem, question string, screenshot []byte) string {
	path, err := w.saveScreenshot(screenshot)
	if err == nil {
		w.egress.SendLogged(ctx, outbound.Envelope{
			To:       item.SessionID,
			Platform: item.Platform,
			MediaURL: path,
			Type:     "image",
			Caption:  fmt.Sprintf("%s 📸 I need help with this: %s", w.selfTag, question),
		})
	} else {
		w.egress.SendLogged(ctx, outbound.Envelope{
			To:       item.SessionID,
			Platform: item.Platform,
			Message:  fmt.Sprintf("%s I need help: %s", w.selfTag, question),
		})
	}

	answer, err := w.pending.Ask(ctx, item.SessionID, question, gateway.DefaultAskTimeout)
	if err != nil {
		return "User did not respond: " + err.Error()
	}
	return "User responded: " + answer
}

func (w *Worker) saveScreenshot(screenshot []byte) (string, error) {
	if w.screenshotDir == "" {
		return "", fmt.Errorf("no screenshot dir configured")
	}
	if err := os.MkdirAll(w.screenshotDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(w.screenshotDir, fmt.Sprintf("vision_%s.png", uuid.NewString()[:8]))
	if err := os.WriteFile(path, screenshot, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// notify reports goal progress to the originating session.
func (w *Worker) notify(ctx context.Context, item goalItem, message string) {
	if len(message) > 1500 {
		message = message[:1500] + "...[truncated]"
	}
	w.egress.SendLogged(ctx, outbound.Envelope{
		To:       item.SessionID,
		Platform: item.Platform,
		Message:  fmt.Sprintf("%s 👁️ %s", w.selfTag, message),
	})
}
