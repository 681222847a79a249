package orchestrator

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskforge/orchestrator/internal/backend"
	"github.com/taskforge/orchestrator/internal/breaker"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
	"github.com/taskforge/orchestrator/internal/fiveworlds"
	"github.com/taskforge/orchestrator/internal/hooks"
	"github.com/taskforge/orchestrator/internal/persistence"
	"github.com/taskforge/orchestrator/internal/scheduler"
	"github.com/taskforge/orchestrator/internal/worktree"
)

// TaskResult represents the outcome of a task execution.
type TaskResult struct {
	TaskID      string
	Success     bool
	Confidence  float64
	MergeResult *worktree.MergeResult
	Error       error
}

// BackendFactory creates backend instances for a single world.
// Parameters: agentRole, workDir (that world's worktree path).
// Returns: Backend instance or error.
type BackendFactory func(agentRole string, workDir string) (backend.Backend, error)

// ParallelRunnerConfig configures the parallel runner.
type ParallelRunnerConfig struct {
	IssueNumber      int                        // GitHub issue number tasks are executed against
	ConcurrencyLimit int                        // Max concurrent tasks (default 4)
	MergeStrategy    worktree.MergeStrategy     // Merge strategy for worktrees
	WorktreeManager  *worktree.WorktreeManager  // Worktree manager instance
	QAChannel        *QAChannel                 // Optional Q&A channel (nil disables)
	ProcessManager   *backend.ProcessManager    // Process manager for backend creation
	BackendConfigs   map[string]backend.Config  // Maps agentRole to base backend config
	BackendFactory   BackendFactory             // Optional factory for testing (overrides BackendConfigs)
	EventBus         *events.EventBus           // Optional event bus (nil disables event publishing)
	Store            persistence.Store          // Optional persistence store (nil disables)
	FiveWorlds       fiveworlds.Config          // Five-Worlds Executor tuning (defaults applied if zero)
	Breakers         *breaker.Registry          // Optional circuit breakers guarding backend creation (nil disables)
	Hooks            *hooks.Dispatcher          // Optional hook dispatcher (nil disables)
	Workflows        map[string]config.WorkflowConfig // Optional named workflows driving reactive follow-up tasks (nil disables)
}

// ParallelRunner executes DAG tasks concurrently, each task attempted across
// N isolated worktrees ("worlds") via the Five-Worlds Executor rather than a
// single attempt per task.
type ParallelRunner struct {
	config          ParallelRunnerConfig
	dag             *scheduler.DAG
	lockMgr         *scheduler.ResourceLockManager
	mu              sync.Mutex
	mergeMu         sync.Mutex // Serializes git merge operations to prevent index.lock conflicts
	activeWorktrees map[string][]*worktree.WorktreeState
	results         []TaskResult
	sessions        map[string]string // Maps taskID -> sessionID for resume support
}

// NewParallelRunner creates a new parallel runner.
func NewParallelRunner(cfg ParallelRunnerConfig, dag *scheduler.DAG, lockMgr *scheduler.ResourceLockManager) *ParallelRunner {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 4
	}

	return &ParallelRunner{
		config:          cfg,
		dag:             dag,
		lockMgr:         lockMgr,
		activeWorktrees: make(map[string][]*worktree.WorktreeState),
		results:         []TaskResult{},
		sessions:        make(map[string]string),
	}
}

// publish publishes an event to the event bus if configured.
func (r *ParallelRunner) publish(topic string, event events.Event) {
	if r.config.EventBus != nil {
		r.config.EventBus.Publish(topic, event)
	}
}

// checkpoint calls the given function with the store if configured.
// Errors are logged but do not halt execution.
func (r *ParallelRunner) checkpoint(fn func(persistence.Store) error) {
	if r.config.Store != nil {
		if err := fn(r.config.Store); err != nil {
			log.Printf("WARNING: checkpoint failed: %v", err)
		}
	}
}

// notify fires an orchestrator-event hook if a dispatcher is configured.
func (r *ParallelRunner) notify(eventType string, params map[string]string) {
	if r.config.Hooks != nil {
		r.config.Hooks.NotifyOrchestratorEvent(eventType, params)
	}
}

// Run executes all eligible tasks concurrently with bounded concurrency.
func (r *ParallelRunner) Run(ctx context.Context) ([]TaskResult, error) {
	// Persist full DAG structure to store at the start
	if r.config.Store != nil {
		for _, task := range r.dag.Tasks() {
			if err := r.config.Store.SaveTask(ctx, task); err != nil {
				log.Printf("WARNING: failed to persist task %q: %v", task.ID, err)
			}
		}
	}

	// Clean stale worktrees from prior crashes
	if err := r.config.WorktreeManager.Prune(); err != nil {
		log.Printf("WARNING: failed to prune stale worktrees: %v", err)
	}

	// Start QA channel with a dedicated context so we can stop it when Run exits
	var qaCancel context.CancelFunc
	if r.config.QAChannel != nil {
		var qaCtx context.Context
		qaCtx, qaCancel = context.WithCancel(ctx)
		r.config.QAChannel.Start(qaCtx)
		defer func() {
			qaCancel()
			r.config.QAChannel.Stop()
		}()
	}

	// Cleanup active worktrees on exit (catches shutdown/panic paths)
	defer r.cleanupAllWorktrees()

	// Main execution loop
	for {
		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			return r.results, err
		}

		// Get eligible tasks
		eligible := r.dag.Eligible()

		// Check if we're done
		running := r.countRunningTasks()
		if len(eligible) == 0 && running == 0 {
			// No eligible tasks and nothing running - we're done
			break
		}

		// If no eligible tasks but some are running, wait briefly before rechecking
		if len(eligible) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Execute wave of tasks with bounded concurrency
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.ConcurrencyLimit)

		for _, task := range eligible {
			// Capture task for closure
			t := task
			g.Go(func() error {
				return r.executeTask(gctx, t)
			})
		}

		// Wait for wave to complete
		if err := g.Wait(); err != nil {
			// Context cancellation or unrecoverable error
			if ctx.Err() != nil {
				return r.results, ctx.Err()
			}
			// Task errors are tracked in DAG, not returned here
		}

		// Publish progress after wave completes
		r.publishProgress()
	}

	return r.results, nil
}

// countRunningTasks returns the number of tasks currently running.
func (r *ParallelRunner) countRunningTasks() int {
	count := 0
	for _, task := range r.dag.Tasks() {
		if task.Status == scheduler.TaskRunning {
			count++
		}
	}
	return count
}

var nonWorldSuffixChars = regexp.MustCompile(`[^a-z0-9]+`)

// worldSuffix builds a worktree suffix for taskID's world-th attempt,
// kebab-cased and truncated to fit worktree.BranchName's 30-character limit
// with room left for the "-wN" marker.
func worldSuffix(taskID string, world int) string {
	marker := "-w" + strconv.Itoa(world)
	maxBase := 30 - len(marker)
	if maxBase < 0 {
		maxBase = 0
	}

	base := nonWorldSuffixChars.ReplaceAllString(strings.ToLower(taskID), "-")
	base = strings.Trim(base, "-")
	if len(base) > maxBase {
		base = strings.Trim(base[:maxBase], "-")
	}
	if base == "" {
		base = "t"
	}
	return base + marker
}

// executeTask runs a single DAG task through the Five-Worlds Executor: N
// isolated worktrees are created, each attempts the task concurrently, and
// the task's outcome is decided by spec.md §4.5's confidence threshold
// rather than by a single attempt succeeding or failing.
func (r *ParallelRunner) executeTask(ctx context.Context, task *scheduler.Task) error {
	startTime := time.Now()

	// Check context early
	if err := ctx.Err(); err != nil {
		markErr := fmt.Errorf("context cancelled before execution: %w", err)
		_ = r.dag.MarkFailed(task.ID, markErr)
		return nil // Return nil to not abort errgroup
	}

	// Mark task as running
	if err := r.dag.MarkRunning(task.ID); err != nil {
		log.Printf("ERROR: failed to mark task %q as running: %v", task.ID, err)
		return nil
	}

	// Checkpoint: task status changed to Running
	r.checkpoint(func(s persistence.Store) error {
		return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskRunning, "", nil)
	})

	// Publish TaskStarted event
	r.publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		Name:      task.Name,
		AgentRole: task.AgentRole,
		Timestamp: time.Now(),
	})

	cfg := r.config.FiveWorlds
	numWorlds := cfg.NumWorlds
	if numWorlds <= 0 {
		numWorlds = fiveworlds.DefaultConfig().NumWorlds
	}

	// Reserve one worktree per world up front; spec.md §4.2's Create is
	// idempotent on (issueNumber, suffix), so each world gets its own
	// worktree even though they all share the same issue.
	worldStates := make([]*worktree.WorktreeState, 0, numWorlds)
	worldPaths := make([]string, 0, numWorlds)
	for world := 0; world < numWorlds; world++ {
		suffix := worldSuffix(task.ID, world)
		state, err := r.config.WorktreeManager.Create(r.config.IssueNumber, suffix)
		if err != nil {
			r.forceCleanupAll(worldStates)
			taskErr := fmt.Errorf("failed to create worktree for world %d: %w", world, err)
			_ = r.dag.MarkFailed(task.ID, taskErr)
			r.checkpoint(func(s persistence.Store) error {
				return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskFailed, "", taskErr)
			})
			r.recordResult(TaskResult{TaskID: task.ID, Success: false, Error: taskErr})
			return nil
		}
		worldStates = append(worldStates, state)
		worldPaths = append(worldPaths, state.Path)
	}

	r.mu.Lock()
	r.activeWorktrees[task.ID] = worldStates
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.activeWorktrees, task.ID)
		r.mu.Unlock()
	}()

	// Acquire file locks for the duration of all N worlds' execution.
	r.lockMgr.LockAll(task.WritesFiles)
	defer r.lockMgr.UnlockAll(task.WritesFiles)

	r.notify("five_worlds_started", map[string]string{
		"task_id":    task.ID,
		"num_worlds": strconv.Itoa(numWorlds),
	})

	factory := func(world int, workDir string) (backend.Backend, error) {
		return r.createBackend(task.AgentRole, workDir)
	}

	result, err := fiveworlds.Execute(ctx, task, worldPaths, factory, cfg)
	if err != nil {
		r.forceCleanupAll(worldStates)
		taskErr := fmt.Errorf("five-worlds execution aborted: %w", err)
		_ = r.dag.MarkFailed(task.ID, taskErr)
		r.checkpoint(func(s persistence.Store) error {
			return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskFailed, "", taskErr)
		})
		r.publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Err:       taskErr,
			Duration:  time.Since(startTime),
			Timestamp: time.Now(),
		})
		r.recordResult(TaskResult{TaskID: task.ID, Success: false, Error: taskErr})
		return nil
	}

	r.notify("five_worlds_completed", map[string]string{
		"task_id":    task.ID,
		"confidence": strconv.FormatFloat(result.Confidence, 'f', 2, 64),
		"successful": strconv.Itoa(result.SuccessfulWorlds),
		"total":      strconv.Itoa(result.TotalWorlds),
	})

	if !result.Success {
		// Confidence below threshold: none of the N worlds' work is kept.
		r.forceCleanupAll(worldStates)
		taskErr := fmt.Errorf("confidence %.2f below threshold (%d/%d worlds succeeded)",
			result.Confidence, result.SuccessfulWorlds, result.TotalWorlds)
		_ = r.dag.MarkFailed(task.ID, taskErr)
		r.checkpoint(func(s persistence.Store) error {
			return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskFailed, "", taskErr)
		})
		r.publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Err:       taskErr,
			Duration:  time.Since(startTime),
			Timestamp: time.Now(),
		})
		r.recordResult(TaskResult{TaskID: task.ID, Success: false, Confidence: result.Confidence, Error: taskErr})
		return nil
	}

	// Pick the first successful world as the winner. The executor itself
	// makes no such choice (spec.md §4.5); losing worlds' worktrees are
	// force-cleaned immediately since they are never merged.
	winnerIdx, winner := firstSuccessful(result.WorldResults)
	winnerState := worldStates[winnerIdx]

	var losers []*worktree.WorktreeState
	for i, s := range worldStates {
		if i != winnerIdx {
			losers = append(losers, s)
		}
	}
	r.forceCleanupAll(losers)

	r.notify("world_winner_selected", map[string]string{
		"task_id":  task.ID,
		"world_id": strconv.Itoa(winner.WorldID),
	})

	// Mark task completed
	_ = r.dag.MarkCompleted(task.ID, winner.Message)

	// Reactively spawn any workflow follow-up steps (e.g. coder -> reviewer)
	// now that this task's result is available; Run's main loop will pick
	// them up as newly eligible once their dependency is satisfied.
	r.spawnFollowUps(ctx, task)

	// Checkpoint: save conversation, session, and completed status
	r.checkpoint(func(s persistence.Store) error {
		if err := s.SaveMessage(ctx, task.ID, "user", task.Prompt); err != nil {
			return err
		}
		if err := s.SaveMessage(ctx, task.ID, "assistant", winner.Message); err != nil {
			return err
		}
		if err := s.SaveSession(ctx, task.ID, winner.SessionID, r.backendType(task)); err != nil {
			return err
		}
		return s.UpdateTaskStatus(ctx, task.ID, scheduler.TaskCompleted, winner.Message, nil)
	})

	// Publish TaskCompleted event
	r.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:        task.ID,
		Result:    winner.Message,
		Duration:  time.Since(startTime),
		Timestamp: time.Now(),
	})

	// Merge the winning worktree back to main (serialized to prevent git
	// index.lock conflicts)
	r.mergeMu.Lock()
	mergeResult, err := r.config.WorktreeManager.Merge(winnerState, r.config.MergeStrategy)
	r.mergeMu.Unlock()

	r.publish(events.TopicTask, events.TaskMergedEvent{
		ID:     task.ID,
		Merged: mergeResult != nil && mergeResult.Merged,
		ConflictFiles: func() []string {
			if mergeResult != nil {
				return mergeResult.ConflictFiles
			}
			return []string{}
		}(),
		Timestamp: time.Now(),
	})

	if err != nil {
		log.Printf("ERROR: unexpected error during merge operation for task %q: %v", task.ID, err)
		_ = r.config.WorktreeManager.ForceCleanup(winnerState)
		r.recordResult(TaskResult{
			TaskID:      task.ID,
			Success:     false,
			Confidence:  result.Confidence,
			MergeResult: mergeResult,
			Error:       err,
		})
		return nil
	}

	if !mergeResult.Merged {
		// Merge conflict - work succeeded but merge failed; keep the branch
		// for inspection rather than force-deleting it.
		log.Printf("WARNING: merge conflict for task %q: %v", task.ID, mergeResult.Error)
		_ = r.config.WorktreeManager.Cleanup(winnerState)
		r.recordResult(TaskResult{
			TaskID:      task.ID,
			Success:     true,
			Confidence:  result.Confidence,
			MergeResult: mergeResult,
			Error:       mergeResult.Error,
		})
		return nil
	}

	if err := r.config.WorktreeManager.Cleanup(winnerState); err != nil {
		log.Printf("WARNING: failed to cleanup worktree for task %q: %v", task.ID, err)
	}

	r.recordResult(TaskResult{
		TaskID:      task.ID,
		Success:     true,
		Confidence:  result.Confidence,
		MergeResult: mergeResult,
		Error:       nil,
	})

	return nil
}

// spawnFollowUps checks whether task's agent role is a step in any configured
// workflow and, if so, adds the next step's task to the DAG. Run's main loop
// picks the new task up as newly eligible once its dependency is satisfied.
func (r *ParallelRunner) spawnFollowUps(ctx context.Context, task *scheduler.Task) {
	if len(r.config.Workflows) == 0 {
		return
	}

	wm := scheduler.NewWorkflowManager(r.dag, r.config.Workflows)
	followUps, err := wm.OnTaskCompleted(task)
	if err != nil {
		log.Printf("WARNING: workflow follow-up failed for task %q: %v", task.ID, err)
		return
	}

	for _, ft := range followUps {
		r.checkpoint(func(s persistence.Store) error {
			return s.SaveTask(ctx, ft)
		})
		r.notify("workflow_followup_added", map[string]string{
			"task_id":    ft.ID,
			"agent_role": ft.AgentRole,
			"depends_on": task.ID,
		})
	}
}

// firstSuccessful returns the index into results (aligned with worldStates)
// and the WorldResult of the lowest-numbered successful world.
func firstSuccessful(results []fiveworlds.WorldResult) (int, fiveworlds.WorldResult) {
	for i, r := range results {
		if r.Success {
			return i, r
		}
	}
	// Execute guarantees Success implies at least one successful world; this
	// is unreachable when called after result.Success == true.
	return 0, fiveworlds.WorldResult{}
}

// forceCleanupAll force-cleans every given worktree, logging but not
// aborting on a per-worktree error.
func (r *ParallelRunner) forceCleanupAll(states []*worktree.WorktreeState) {
	for _, s := range states {
		if s == nil {
			continue
		}
		if err := r.config.WorktreeManager.ForceCleanup(s); err != nil {
			log.Printf("ERROR: failed to force cleanup worktree %q: %v", s.Path, err)
		}
	}
}

// createBackend creates a backend instance for the given agent role with
// worktree WorkDir, guarded by a named circuit breaker when one is
// configured -- repeated backend spawn failures for an agent role trip the
// breaker and fail fast instead of retrying a broken subprocess N times per
// task.
func (r *ParallelRunner) createBackend(agentRole string, workDir string) (backend.Backend, error) {
	build := func() (backend.Backend, error) {
		if r.config.BackendFactory != nil {
			return r.config.BackendFactory(agentRole, workDir)
		}

		baseCfg, ok := r.config.BackendConfigs[agentRole]
		if !ok {
			return nil, fmt.Errorf("no backend config for agent role %q", agentRole)
		}

		cfg := baseCfg
		cfg.WorkDir = workDir

		return backend.New(cfg, r.config.ProcessManager)
	}

	if r.config.Breakers == nil {
		return build()
	}

	b := r.config.Breakers.Get(agentRole)
	result, err := b.Execute(func() (interface{}, error) {
		return build()
	})
	if err != nil {
		return nil, err
	}
	return result.(backend.Backend), nil
}

// recordResult appends a task result in a thread-safe manner.
func (r *ParallelRunner) recordResult(result TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

// cleanupAllWorktrees force-cleans every worktree still tracked as active
// across all tasks (catches shutdown/panic paths where executeTask never
// reached its own cleanup).
func (r *ParallelRunner) cleanupAllWorktrees() {
	r.mu.Lock()
	var all []*worktree.WorktreeState
	for _, states := range r.activeWorktrees {
		all = append(all, states...)
	}
	r.mu.Unlock()

	r.forceCleanupAll(all)
}

// publishProgress computes current DAG progress and publishes a DAGProgressEvent.
func (r *ParallelRunner) publishProgress() {
	tasks := r.dag.Tasks()
	var total, completed, running, failed, pending int
	total = len(tasks)

	for _, t := range tasks {
		switch t.Status {
		case scheduler.TaskCompleted:
			completed++
		case scheduler.TaskRunning:
			running++
		case scheduler.TaskFailed:
			failed++
		default:
			pending++
		}
	}

	r.publish(events.TopicDAG, events.DAGProgressEvent{
		Total:     total,
		Completed: completed,
		Running:   running,
		Failed:    failed,
		Pending:   pending,
		Timestamp: time.Now(),
	})
}

// backendType looks up the backend type from config for a given task.
// Returns "unknown" if not found.
func (r *ParallelRunner) backendType(task *scheduler.Task) string {
	if cfg, ok := r.config.BackendConfigs[task.AgentRole]; ok {
		return cfg.Type
	}
	return "unknown"
}

// Resume reconstructs the DAG from the persisted store and continues execution.
// Completed and Failed tasks are skipped; only Pending and eligible tasks are executed.
func (r *ParallelRunner) Resume(ctx context.Context) ([]TaskResult, error) {
	if r.config.Store == nil {
		return nil, fmt.Errorf("cannot resume: no Store configured")
	}

	// Load all tasks from store
	tasks, err := r.config.Store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks from store: %w", err)
	}

	// Create a new DAG and add each task
	dag := scheduler.NewDAG()
	for _, task := range tasks {
		if err := dag.AddTask(task); err != nil {
			return nil, fmt.Errorf("failed to add task %q to DAG: %w", task.ID, err)
		}
	}

	// Validate DAG (cycle detection)
	if _, err := dag.Validate(); err != nil {
		return nil, fmt.Errorf("DAG validation failed: %w", err)
	}

	// Set reconstructed DAG
	r.dag = dag

	// Load persisted sessions for resume support
	for _, task := range tasks {
		sessionID, _, err := r.config.Store.GetSession(ctx, task.ID)
		if err == nil {
			r.sessions[task.ID] = sessionID
		}
		// Ignore errors - not all tasks will have sessions
	}

	// Run the DAG - eligible() will skip Completed/Failed tasks
	return r.Run(ctx)
}
