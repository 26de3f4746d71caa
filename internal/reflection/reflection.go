// Package reflection hosts the three self-triggered loops — Heartbeat,
// Subconscious, and Conscious — that inject synthetic prompts into the
// Conversation Engine on cadence. Each loop owns a dedicated session id so
// its context never mixes with user conversations, and none of them ever
// crash the process: engine errors are logged and the loop sleeps on.
package reflection

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// TurnRunner executes one engine turn under the loop's dedicated session.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, prompt string) (string, error)
}

// TurnRunnerFunc adapts a function to a TurnRunner.
type TurnRunnerFunc func(ctx context.Context, sessionID, prompt string) (string, error)

// RunTurn executes the turn runner function.
func (f TurnRunnerFunc) RunTurn(ctx context.Context, sessionID, prompt string) (string, error) {
	return f(ctx, sessionID, prompt)
}

// BusyChecker reports whether background workers are occupied. Heartbeat
// postpones its tick while anything is working.
type BusyChecker interface {
	AnyBusy() bool
}

// BusyCheckerFunc adapts a function to a BusyChecker.
type BusyCheckerFunc func() bool

// AnyBusy executes the busy checker function.
func (f BusyCheckerFunc) AnyBusy() bool { return f() }

// randomInterval picks a duration uniformly in [min, max).
func randomInterval(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int64N(int64(max-min)))
}

// sleepCtx waits for d or until ctx is done; returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runSafely invokes one engine turn, logging instead of propagating errors.
func runSafely(ctx context.Context, runner TurnRunner, sessionID, prompt string, logger *slog.Logger) {
	if _, err := runner.RunTurn(ctx, sessionID, prompt); err != nil {
		logger.Warn("reflection turn failed", "session", sessionID, "error", err)
	}
}
