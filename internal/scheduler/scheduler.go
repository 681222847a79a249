package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidDAG is returned by NewScheduler when the supplied DAG fails
// validation (cycle or dangling dependency), and by DAG.AddTask for a
// duplicate id.
var ErrInvalidDAG = errors.New("invalid DAG")

// TaskRunner executes a single task to completion. Implementations are
// expected to mark the task Running/Completed/Failed on the DAG themselves
// (mirroring the teacher's Executor.ExecuteTask) and return the terminal
// error, if any. RunTask must honor ctx cancellation.
type TaskRunner interface {
	RunTask(ctx context.Context, task *Task) error
}

// ConcurrencyLimiter reports the current per-level parallelism cap. A
// static int satisfies this trivially; feedback.ScalingController satisfies
// it dynamically (§4.6.3).
type ConcurrencyLimiter interface {
	Limit() int
}

// StaticLimit is a ConcurrencyLimiter that never changes.
type StaticLimit int

func (s StaticLimit) Limit() int { return int(s) }

// Result is the scheduler's aggregate outcome, keyed by task id.
type Result struct {
	Completed []string
	Failed    map[string]error
	Skipped   []string
}

// Scheduler drives a validated DAG to completion using the level-parallel
// algorithm of spec.md §4.4. The in-flight/ready/completed state is owned
// exclusively by Run's goroutine; worker goroutines communicate back only
// through the completion channel (spec.md §9 "message passing" design
// note), so no additional locking is needed around that state.
type Scheduler struct {
	dag     *DAG
	runner  TaskRunner
	limiter ConcurrencyLimiter

	mu       sync.Mutex // guards inFlight only
	inFlight map[string]bool
}

// NewScheduler validates dag and returns a Scheduler bound to it. limiter
// may be nil, in which case a StaticLimit(4) is used (the teacher's
// ParallelRunnerConfig.ConcurrencyLimit default).
func NewScheduler(dag *DAG, runner TaskRunner, limiter ConcurrencyLimiter) (*Scheduler, error) {
	if _, err := dag.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDAG, err)
	}
	if limiter == nil {
		limiter = StaticLimit(4)
	}
	return &Scheduler{
		dag:      dag,
		runner:   runner,
		limiter:  limiter,
		inFlight: make(map[string]bool),
	}, nil
}

type completion struct {
	taskID string
	err    error
}

// Run executes the DAG to completion. Returns success (nil error) once
// every task has reached a terminal state (Completed/Failed-resolved/
// Skipped); returns a non-nil error wrapping the first unrecoverable
// TaskFailed when a task's FailureMode is FailHard.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	result := &Result{Failed: make(map[string]error)}
	completions := make(chan completion)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ready := s.readySorted()

		s.mu.Lock()
		inFlightCount := len(s.inFlight)
		s.mu.Unlock()

		if len(ready) == 0 && inFlightCount == 0 {
			break // nothing ready, nothing running: done
		}

		limit := s.limiter.Limit()
		if limit <= 0 {
			limit = 1
		}

		launched := 0
		for _, task := range ready {
			if inFlightCount+launched >= limit {
				break
			}
			s.launch(ctx, task, completions)
			launched++
		}

		// Wait for at least one completion before recomputing ready. This
		// blocks correctly even when launched==0 (cap saturated by
		// already-running work): inFlightCount > 0 guarantees a future send.
		c := <-completions
		s.mu.Lock()
		delete(s.inFlight, c.taskID)
		s.mu.Unlock()

		if c.err != nil {
			task, _ := s.dag.Get(c.taskID)
			result.Failed[c.taskID] = c.err
			if task != nil && task.FailureMode == FailHard {
				// Drain remaining in-flight work before aborting, so we
				// never leak goroutines writing to completions.
				s.drainRemaining(completions)
				return result, fmt.Errorf("task %q failed: %w", c.taskID, &TaskFailedError{TaskID: c.taskID, Reason: c.err})
			}
		} else {
			result.Completed = append(result.Completed, c.taskID)
		}
	}

	for _, t := range s.dag.Tasks() {
		if t.Status == TaskSkipped {
			result.Skipped = append(result.Skipped, t.ID)
		}
	}

	return result, nil
}

// launch marks a task Running and spawns its execution in a goroutine that
// reports back on completions exactly once.
func (s *Scheduler) launch(ctx context.Context, task *Task, completions chan completion) {
	s.mu.Lock()
	s.inFlight[task.ID] = true
	s.mu.Unlock()

	_ = s.dag.MarkRunning(task.ID)

	go func(t *Task) {
		err := s.runner.RunTask(ctx, t)
		if err != nil {
			_ = s.dag.MarkFailed(t.ID, err)
		} else {
			current, _ := s.dag.Get(t.ID)
			result := ""
			if current != nil {
				result = current.Result
			}
			_ = s.dag.MarkCompleted(t.ID, result)
		}
		completions <- completion{taskID: t.ID, err: err}
	}(task)
}

// drainRemaining waits for all still-running goroutines to report back so
// Run can return without leaking them, after a FailHard abort.
func (s *Scheduler) drainRemaining(completions chan completion) {
	for {
		s.mu.Lock()
		n := len(s.inFlight)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		c := <-completions
		s.mu.Lock()
		delete(s.inFlight, c.taskID)
		s.mu.Unlock()
	}
}

// readySorted returns the DAG's eligible tasks minus those already
// in-flight, deterministically ordered by ascending (priority, id) per
// spec.md §4.4 tie-breaking rule.
func (s *Scheduler) readySorted() []*Task {
	eligible := s.dag.Eligible()

	s.mu.Lock()
	filtered := eligible[:0:0]
	for _, t := range eligible {
		if !s.inFlight[t.ID] {
			filtered = append(filtered, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Priority != filtered[j].Priority {
			return filtered[i].Priority < filtered[j].Priority
		}
		return filtered[i].ID < filtered[j].ID
	})
	return filtered
}

// TaskFailedError wraps a single task's terminal failure reason.
type TaskFailedError struct {
	TaskID string
	Reason error
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.TaskID, e.Reason)
}

func (e *TaskFailedError) Unwrap() error { return e.Reason }
