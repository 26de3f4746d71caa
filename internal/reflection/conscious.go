package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/haasonsaas/nexus/internal/memory"
)

// ConsciousSessionID is the Conscious loop's dedicated session.
const ConsciousSessionID = "reflect_conscious"

// ConsciousConfig tunes the focus-check cadence.
type ConsciousConfig struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

func (c ConsciousConfig) withDefaults() ConsciousConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = 2 * time.Minute
	}
	if c.MaxInterval <= c.MinInterval {
		c.MaxInterval = 5 * time.Minute
	}
	return c
}

// Conscious is the short-horizon background worker. On each tick it reads
// the Conscious focus blob — the memory store expires stale focuses on
// read — and either hunts for a new task (idle) or pushes the current
// focus forward one concrete step.
type Conscious struct {
	Config ConsciousConfig
	Memory *memory.Store
	Runner TurnRunner
	Logger *slog.Logger

	rng *rand.Rand
}

// NewConscious creates the Conscious loop.
func NewConscious(cfg ConsciousConfig, mem *memory.Store, runner TurnRunner, logger *slog.Logger) *Conscious {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conscious{
		Config: cfg.withDefaults(),
		Memory: mem,
		Runner: runner,
		Logger: logger.With("component", "conscious"),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Run loops until ctx is cancelled.
func (c *Conscious) Run(ctx context.Context) {
	c.Logger.Info("conscious worker started")
	for {
		wait := randomInterval(c.rng, c.Config.MinInterval, c.Config.MaxInterval)
		if !sleepCtx(ctx, wait) {
			return
		}
		c.Tick(ctx)
	}
}

// Tick runs one focus check.
func (c *Conscious) Tick(ctx context.Context) {
	focus, err := c.Memory.Read(memory.Conscious)
	if err != nil {
		c.Logger.Warn("conscious memory unreadable", "error", err)
		return
	}

	var prompt string
	if focus == memory.ConsciousIdle {
		prompt = "[CONSCIOUS WORKER: HIGH PRECISION MODE]\n" +
			"You have no active focus. Autonomous job search: scan your responsibilities, pending work, " +
			"and the user's interests; pick one concrete task, set it as your conscious focus, and start on it now."
	} else {
		prompt = fmt.Sprintf("[CONSCIOUS WORKER: HIGH PRECISION MODE]\n"+
			"Your active focus:\n---\n%s\n---\n"+
			"Execute the next immediate step on this focus. Keep the step small and verifiable; "+
			"update or clear the focus when it moves or completes.", focus)
	}

	runSafely(ctx, c.Runner, ConsciousSessionID, prompt, c.Logger)
}
