package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/haasonsaas/nexus/internal/memory"
)

// SubconsciousSessionID is the Subconscious loop's dedicated session.
const SubconsciousSessionID = "reflect_subconscious"

// SubconsciousConfig tunes the surfacing cadence.
type SubconsciousConfig struct {
	// MinInterval / MaxInterval bound the random wait between surfacings.
	MinInterval time.Duration
	MaxInterval time.Duration
}

func (c SubconsciousConfig) withDefaults() SubconsciousConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Minute
	}
	if c.MaxInterval <= c.MinInterval {
		c.MaxInterval = 15 * time.Minute
	}
	return c
}

// Subconscious surfaces on a random interval. Each surfacing either acts on
// the subconscious memory (innovation) or reviews recent work into the
// learning memory (reflection), chosen by coin flip.
type Subconscious struct {
	Config SubconsciousConfig
	Memory *memory.Store
	Runner TurnRunner
	Logger *slog.Logger

	rng *rand.Rand
}

// NewSubconscious creates the Subconscious loop.
func NewSubconscious(cfg SubconsciousConfig, mem *memory.Store, runner TurnRunner, logger *slog.Logger) *Subconscious {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subconscious{
		Config: cfg.withDefaults(),
		Memory: mem,
		Runner: runner,
		Logger: logger.With("component", "subconscious"),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Run loops until ctx is cancelled.
func (s *Subconscious) Run(ctx context.Context) {
	s.Logger.Info("subconscious started")
	for {
		wait := randomInterval(s.rng, s.Config.MinInterval, s.Config.MaxInterval)
		s.Logger.Info("next surfacing scheduled", "in", wait)
		if !sleepCtx(ctx, wait) {
			return
		}
		s.Surface(ctx)
	}
}

// Surface runs one surfacing: innovation or reflection.
func (s *Subconscious) Surface(ctx context.Context) {
	if s.rng.Float64() > 0.5 {
		s.innovate(ctx)
	} else {
		s.reflect(ctx)
	}
}

func (s *Subconscious) innovate(ctx context.Context) {
	blob, err := s.Memory.Read(memory.Subconscious)
	if err != nil {
		s.Logger.Warn("subconscious memory unreadable", "error", err)
		return
	}

	var prompt string
	if blob == "" {
		prompt = "[SUBCONSCIOUS SURFACING]\n" +
			"Your subconscious is empty. It's time to innovate. " +
			"Propose and immediately execute one small experiment or optimization on the host computer " +
			"that could help the user or improve your efficiency. Update your subconscious memory with the result."
	} else {
		prompt = fmt.Sprintf("[SUBCONSCIOUS SURFACING]\n"+
			"Based on your current subconscious memory:\n---\n%s\n---\n"+
			"Choose one listed innovation, lesson, or experiment and act on it right now. "+
			"Complete the task and update your subconscious with new findings.", blob)
	}

	s.Logger.Info("an idea has surfaced")
	runSafely(ctx, s.Runner, SubconsciousSessionID, prompt, s.Logger)
}

func (s *Subconscious) reflect(ctx context.Context) {
	learning, err := s.Memory.Read(memory.Learning)
	if err != nil {
		s.Logger.Warn("learning memory unreadable", "error", err)
		return
	}

	prompt := fmt.Sprintf("[THINKING MODE: SELF-REFLECTION]\n"+
		"Review your recent interactions and tasks. Identify new best practices, workflow optimizations, "+
		"or lessons learned, and update your learning memory.\n\n"+
		"Current learning memory for context:\n---\n%s\n---\n"+
		"Your goal is to evolve: think about how to improve your own efficiency and reliability on this computer.", learning)

	s.Logger.Info("reflecting on recent work")
	runSafely(ctx, s.Runner, SubconsciousSessionID, prompt, s.Logger)
}
