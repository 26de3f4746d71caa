package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// HeartbeatSessionID is the Heartbeat loop's dedicated session.
const HeartbeatSessionID = "reflect_heartbeat"

// heartbeatCheckInterval is how often the markdown file is re-read while
// waiting for the configured interval to elapse (or while disabled).
const heartbeatCheckInterval = 30 * time.Second

var bulletPattern = regexp.MustCompile(`(?m)^[\-\*]\s+(.+)$`)

// heartbeatFrontMatter is the YAML header of the heartbeat file.
type heartbeatFrontMatter struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// Heartbeat re-reads a user-editable markdown file on every tick: front
// matter carries {enabled, interval_seconds}, the body is a bulleted task
// list. When enabled, the interval has elapsed, and no sub-agent or vision
// worker is busy, the tasks are handed to the engine as one prompt.
type Heartbeat struct {
	FilePath string
	Runner   TurnRunner
	Busy     BusyChecker
	Logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	lastRun time.Time
}

// NewHeartbeat creates the Heartbeat loop.
func NewHeartbeat(filePath string, runner TurnRunner, busy BusyChecker, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		FilePath: filePath,
		Runner:   runner,
		Busy:     busy,
		Logger:   logger.With("component", "heartbeat"),
		now:      time.Now,
	}
}

// Run loops until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	h.Logger.Info("heartbeat started", "file", h.FilePath)
	for {
		h.Tick(ctx)
		if !sleepCtx(ctx, heartbeatCheckInterval) {
			return
		}
	}
}

// Tick runs one check cycle: parse the file, apply the gating rules, and
// fire the engine if due. Returns true when an engine turn ran.
func (h *Heartbeat) Tick(ctx context.Context) bool {
	config, tasks, err := parseHeartbeatFile(h.FilePath)
	if err != nil {
		h.Logger.Warn("heartbeat file unreadable", "error", err)
		return false
	}
	if !config.Enabled || len(tasks) == 0 {
		return false
	}

	interval := time.Duration(config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 4 * time.Minute
	}

	h.mu.Lock()
	due := h.now().Sub(h.lastRun) >= interval
	h.mu.Unlock()
	if !due {
		return false
	}

	if h.Busy != nil && h.Busy.AnyBusy() {
		h.Logger.Info("heartbeat postponed, workers busy")
		return false
	}

	h.mu.Lock()
	h.lastRun = h.now()
	h.mu.Unlock()

	prompt := heartbeatPrompt(tasks)
	runSafely(ctx, h.Runner, HeartbeatSessionID, prompt, h.Logger)
	return true
}

func heartbeatPrompt(tasks []string) string {
	var b strings.Builder
	b.WriteString("[HEARTBEAT]\nThese are your recurring responsibilities. Work through them now, briefly, and report anything noteworthy:\n")
	for _, task := range tasks {
		fmt.Fprintf(&b, "- %s\n", task)
	}
	return b.String()
}

// parseHeartbeatFile splits the file into YAML front matter (between ---
// lines) and a bulleted task list in the body. A missing file reads as
// disabled.
func parseHeartbeatFile(path string) (heartbeatFrontMatter, []string, error) {
	config := heartbeatFrontMatter{IntervalSeconds: 240}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil, nil
		}
		return config, nil, err
	}

	content := string(raw)
	parts := strings.SplitN(content, "---", 3)
	body := content
	if len(parts) >= 3 {
		if err := yaml.Unmarshal([]byte(parts[1]), &config); err != nil {
			return config, nil, fmt.Errorf("heartbeat front matter: %w", err)
		}
		body = parts[2]
	}

	var tasks []string
	for _, match := range bulletPattern.FindAllStringSubmatch(body, -1) {
		if task := strings.TrimSpace(match[1]); task != "" {
			tasks = append(tasks, task)
		}
	}
	return config, tasks, nil
}
