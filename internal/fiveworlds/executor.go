// Package fiveworlds implements spec.md §4.5's Five-Worlds Executor: a
// single scheduler task is attempted N times concurrently, each attempt
// ("world") in its own isolated worktree, and the task's outcome is decided
// by how many worlds succeeded rather than by picking a single winner.
//
// Grounded on the teacher's wave-execution pattern in
// internal/orchestrator/runner.go (errgroup.WithContext + SetLimit over a
// batch of concurrent backend invocations); the fan-in here differs from the
// teacher's per-task completion tracking by aggregating a confidence ratio
// across all N worlds instead of completing each task independently.
package fiveworlds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskforge/orchestrator/internal/backend"
	"github.com/taskforge/orchestrator/internal/scheduler"
)

// Config configures a single Execute call. Corresponds to spec.md §6.5's
// Executor options.
type Config struct {
	NumWorlds        int           // default 5
	SuccessThreshold float64       // default 0.8
	Timeout          time.Duration // default 600s
	LogDir           string
}

// DefaultConfig returns spec.md §4.5's stated defaults (N=5, τ=0.8).
func DefaultConfig() Config {
	return Config{
		NumWorlds:        5,
		SuccessThreshold: 0.8,
		Timeout:          600 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.NumWorlds <= 0 {
		c.NumWorlds = DefaultConfig().NumWorlds
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig().Timeout
	}
	return c
}

// WorldResult is the outcome of a single world, per the DATA MODEL table.
type WorldResult struct {
	WorldID   int
	Success   bool
	Message   string
	SessionID string
}

// ExecutionResult is the aggregate outcome across all worlds.
type ExecutionResult struct {
	Success          bool
	Confidence       float64
	SuccessfulWorlds int
	TotalWorlds      int
	WorldResults     []WorldResult
}

// BackendFactory creates the backend adapter for a single world, bound to
// that world's isolated worktree path.
type BackendFactory func(worldID int, workDir string) (backend.Backend, error)

// Execute fans out task to len(worktrees) concurrent worlds (one backend
// invocation per worktree), waits for all to finish or cfg.Timeout, and
// fans in by computing confidence = successful/N and success = confidence
// >= threshold. worktrees must have exactly cfg.NumWorlds entries after
// defaulting; callers are expected to have already reserved that many
// worktrees via worktree.WorktreeManager.
func Execute(ctx context.Context, task *scheduler.Task, worktrees []string, factory BackendFactory, cfg Config) (*ExecutionResult, error) {
	cfg = cfg.withDefaults()

	if len(worktrees) != cfg.NumWorlds {
		return nil, fmt.Errorf("fiveworlds: expected %d worktrees, got %d", cfg.NumWorlds, len(worktrees))
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	results := make([]WorldResult, cfg.NumWorlds)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(deadlineCtx)
	for i, wtPath := range worktrees {
		worldID := i
		workDir := wtPath
		g.Go(func() error {
			r := runWorld(gctx, worldID, task, workDir, factory)
			mu.Lock()
			results[worldID] = r
			mu.Unlock()
			return nil // individual world failure never aborts the group
		})
	}

	// errgroup.Wait only returns a non-nil error if a Go func returned one;
	// none does, so Wait returns nil here and a cancelled or expired
	// context shows up as failed WorldResults rather than as an error.
	if err := g.Wait(); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Any slot still holding the zero WorldResult counts as a failure at
	// the deadline boundary per spec.md §4.5's edge case.
	for i := range results {
		if results[i] == (WorldResult{}) {
			results[i] = WorldResult{WorldID: i, Success: false, Message: "did not complete before deadline"}
		}
	}

	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}

	confidence := float64(successful) / float64(cfg.NumWorlds)
	return &ExecutionResult{
		Success:          confidence >= cfg.SuccessThreshold,
		Confidence:       confidence,
		SuccessfulWorlds: successful,
		TotalWorlds:      cfg.NumWorlds,
		WorldResults:     results,
	}, nil
}

// runWorld executes a single world's backend invocation, mapping a timeout
// or any backend error to a failed WorldResult rather than propagating it,
// so one world's failure never aborts the others.
func runWorld(ctx context.Context, worldID int, task *scheduler.Task, workDir string, factory BackendFactory) WorldResult {
	b, err := factory(worldID, workDir)
	if err != nil {
		return WorldResult{WorldID: worldID, Success: false, Message: fmt.Sprintf("backend init failed: %v", err)}
	}
	defer b.Close()

	resp, err := b.Send(ctx, backend.Message{Content: task.Prompt, Role: "user"})
	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "timed out: " + msg
		}
		return WorldResult{WorldID: worldID, Success: false, Message: msg, SessionID: b.SessionID()}
	}

	return WorldResult{WorldID: worldID, Success: true, Message: resp.Content, SessionID: resp.SessionID}
}
