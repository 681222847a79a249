package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/orchestrator/internal/backend"
	"github.com/taskforge/orchestrator/internal/breaker"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
	"github.com/taskforge/orchestrator/internal/feedback"
	"github.com/taskforge/orchestrator/internal/fiveworlds"
	"github.com/taskforge/orchestrator/internal/hooks"
	"github.com/taskforge/orchestrator/internal/idempotency"
	"github.com/taskforge/orchestrator/internal/orchestrator"
	"github.com/taskforge/orchestrator/internal/persistence"
	"github.com/taskforge/orchestrator/internal/scheduler"
	"github.com/taskforge/orchestrator/internal/worktree"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var repoPath string
	var workflow string

	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Decomposes a GitHub issue into a DAG and executes it across isolated worktrees",
	}
	root.PersistentFlags().StringVar(&repoPath, "repo", ".", "path to the target git repository")
	root.PersistentFlags().StringVar(&workflow, "workflow", "standard", "named workflow to decompose the issue into")

	root.AddCommand(newRunCmd(&repoPath, &workflow))
	root.AddCommand(newResumeCmd(&repoPath))
	root.AddCommand(newCleanupCmd(&repoPath))
	root.AddCommand(newLoopCmd(&repoPath, &workflow))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newRunCmd(repoPath, workflow *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <issue-number> <description>",
		Short: "Decompose a GitHub issue into a DAG and execute it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueNumber, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("issue number must be an integer: %w", err)
			}
			description := args[1]

			app, err := newApp(*repoPath)
			if err != nil {
				return err
			}
			defer app.close()

			wf, ok := app.cfg.Workflows[*workflow]
			if !ok {
				return fmt.Errorf("unknown workflow %q", *workflow)
			}

			dag, err := scheduler.DecomposeSteps(issueNumber, description, wf)
			if err != nil {
				return err
			}

			runner := orchestrator.NewParallelRunner(app.runnerConfig(issueNumber), dag, scheduler.NewResourceLockManager())
			return app.withIssueClaim(issueNumber, func() error {
				return runAndReport(cmd, app, runner.Run)
			})
		},
	}
}

func newResumeCmd(repoPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <issue-number>",
		Short: "Resume a previously persisted DAG, skipping already-completed tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueNumber, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("issue number must be an integer: %w", err)
			}

			app, err := newApp(*repoPath)
			if err != nil {
				return err
			}
			defer app.close()

			runner := orchestrator.NewParallelRunner(app.runnerConfig(issueNumber), scheduler.NewDAG(), scheduler.NewResourceLockManager())
			return app.withIssueClaim(issueNumber, func() error {
				return runAndReport(cmd, app, runner.Resume)
			})
		},
	}
}

// newLoopCmd wires feedback.Controller around repeated full DAG passes: each
// iteration re-decomposes the issue and runs it to completion, scores the
// pass by the fraction of tasks that succeeded, and keeps iterating until
// the score converges, retries are exhausted, or the iteration cap is hit.
func newLoopCmd(repoPath, workflow *string) *cobra.Command {
	return &cobra.Command{
		Use:   "loop <issue-number> <description>",
		Short: "Repeat full DAG passes over an issue until the outcome converges",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueNumber, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("issue number must be an integer: %w", err)
			}
			description := args[1]

			app, err := newApp(*repoPath)
			if err != nil {
				return err
			}
			defer app.close()

			wf, ok := app.cfg.Workflows[*workflow]
			if !ok {
				return fmt.Errorf("unknown workflow %q", *workflow)
			}

			return app.withIssueClaim(issueNumber, func() error {
				return runLoop(cmd, app, issueNumber, description, wf)
			})
		},
	}
}

func runLoop(cmd *cobra.Command, a *app, issueNumber int, description string, wf config.WorkflowConfig) error {
	loopCfg := feedback.Config{
		ConvergenceThreshold:           a.cfg.Feedback.ConvergenceThreshold,
		MinIterationsBeforeConvergence: a.cfg.Feedback.MinIterationsBeforeConvergence,
		AutoRefinementEnabled:          a.cfg.Feedback.AutoRefinementEnabled,
		IterationTimeout:               time.Duration(a.cfg.Feedback.IterationTimeoutSeconds) * time.Second,
		MaxRetries:                     a.cfg.Feedback.MaxRetries,
		IterationDelay:                 time.Duration(a.cfg.Feedback.IterationDelaySeconds) * time.Second,
	}
	if a.cfg.Feedback.MaxIterations > 0 {
		max := a.cfg.Feedback.MaxIterations
		loopCfg.MaxIterations = &max
	}

	controller := feedback.NewController(loopCfg, feedback.NoopRefiner{}, func(ev feedback.LoopEvent) {
		fmt.Fprintf(cmd.OutOrStdout(), "loop[%s] iteration=%d kind=%s score=%.1f\n", ev.GoalID, ev.Iteration, ev.Kind, ev.Score)
	})

	// Each pass's own failure count and heap usage feed back into the next
	// pass's concurrency limit, so a run that's thrashing (lots of failed
	// tasks piling up, heap climbing) backs off instead of hammering the
	// same broken agent N iterations in a row.
	scalingCfg := feedback.DefaultScalingConfig()
	scalingCfg.MinLimit = a.cfg.Feedback.ScalingMinLimit
	scalingCfg.LowMemoryPct = a.cfg.Feedback.ScalingLowMemoryPct
	scalingCfg.HighMemoryPct = a.cfg.Feedback.ScalingHighMemoryPct
	scalingCfg.LowQueueDepth = a.cfg.Feedback.ScalingLowQueueDepth
	scalingCfg.HighQueueDepth = a.cfg.Feedback.ScalingHighQueueDepth
	scalingCfg.Cooldown = time.Duration(a.cfg.Feedback.ScalingCooldownSeconds) * time.Second
	scalingCfg.MaxLimit = a.cfg.Scheduler.MaxConcurrency
	if !a.cfg.Scheduler.DynamicScalingEnabled {
		// Freeze the controller at the static limit: Observe can never
		// move limit when MinLimit==MaxLimit.
		scalingCfg.MinLimit = scalingCfg.MaxLimit
	}
	scaler := feedback.NewScalingController(
		scalingCfg,
		a.cfg.Scheduler.MaxConcurrency,
		func(ev feedback.ScaleEvent) {
			fmt.Fprintf(cmd.OutOrStdout(), "loop: concurrency %s %d -> %d\n", ev.Kind, ev.OldLimit, ev.NewLimit)
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	goalID := fmt.Sprintf("issue-%d", issueNumber)
	fl, err := controller.Run(ctx, goalID, func(ctx context.Context, goal string, iteration int) (float64, error) {
		dag, derr := scheduler.DecomposeSteps(issueNumber, description, wf)
		if derr != nil {
			return 0, derr
		}
		runnerCfg := a.runnerConfig(issueNumber)
		runnerCfg.ConcurrencyLimit = scaler.Limit()
		runner := orchestrator.NewParallelRunner(runnerCfg, dag, scheduler.NewResourceLockManager())
		results, rerr := runner.Run(ctx)
		if rerr != nil {
			return 0, rerr
		}
		reportResults(cmd, results)

		failed := 0
		stepCtx := &persistence.StepContext{WorkflowID: goalID, CurrentStep: fmt.Sprintf("iteration-%d", iteration)}
		var completedSteps, failedSteps []string
		for _, r := range results {
			if r.Success {
				completedSteps = append(completedSteps, r.TaskID)
			} else {
				failed++
				failedSteps = append(failedSteps, r.TaskID)
			}
			errMsg := ""
			if r.Error != nil {
				errMsg = r.Error.Error()
			}
			stepCtx.SetOutput(r.TaskID, persistence.StepOutput{Success: r.Success, Error: errMsg})
		}
		if err := a.workflowLog.SaveContext(stepCtx); err != nil {
			log.Printf("WARNING: failed to persist loop iteration %d step context: %v", iteration, err)
		}

		status := persistence.WorkflowRunning
		if failed == 0 && len(results) > 0 {
			status = persistence.WorkflowCompleted
		} else if failed > 0 && len(results) == failed {
			status = persistence.WorkflowFailed
		}
		now := time.Now()
		if err := a.workflowLog.SaveExecution(&persistence.ExecutionState{
			WorkflowID:     goalID,
			CurrentStep:    fmt.Sprintf("iteration-%d", iteration),
			CompletedSteps: completedSteps,
			FailedSteps:    failedSteps,
			Status:         status,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			log.Printf("WARNING: failed to persist loop iteration %d execution state: %v", iteration, err)
		}

		scaler.Observe(feedback.PressureSample{MemoryUsedPct: heapUsedPct(), QueueDepth: failed})

		if len(results) == 0 {
			return 0, nil
		}
		succeeded := len(results) - failed
		return 100 * float64(succeeded) / float64(len(results)), nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "loop finished: status=%s iterations=%d duration=%s\n", fl.Status, fl.Iterations, fl.TotalDuration)
	return nil
}

// heapUsedPct approximates spec.md §4.6.3's "memory usage" pressure signal
// from the Go runtime's own heap statistics: bytes in use versus bytes
// obtained from the OS.
func heapUsedPct() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapSys == 0 {
		return 0
	}
	return 100 * float64(stats.HeapInuse) / float64(stats.HeapSys)
}

func newCleanupCmd(repoPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep orphaned, stuck, and idle worktrees per the default cleanup policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*repoPath)
			if err != nil {
				return err
			}
			defer app.close()

			if force {
				if err := app.worktrees.Prune(); err != nil {
					return fmt.Errorf("pruning stale git worktree records: %w", err)
				}
			}

			policy := worktree.DefaultCleanupPolicy()
			report, err := app.worktrees.RunCleanup(policy, func(string) bool { return false })
			if err != nil {
				return fmt.Errorf("running cleanup sweep: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleanup: orphaned=%d stuck=%d idle=%d excess=%d errors=%d\n",
				len(report.RemovedOrphaned), len(report.RemovedStuck), len(report.RemovedIdle), len(report.RemovedExcess), len(report.Errors))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "prune", false, "also prune stale git worktree administrative files before sweeping")

	return cmd
}

// app bundles the core subsystems a run/resume invocation needs, wired from
// loaded configuration the way the teacher's main.go wired the TUI model.
type app struct {
	cfg         *config.OrchestratorConfig
	procs       *backend.ProcessManager
	store       persistence.Store
	worktrees   *worktree.WorktreeManager
	breakers    *breaker.Registry
	dispatcher  *hooks.Dispatcher
	bus         *events.EventBus
	issueKeys   *idempotency.Keys
	workflowLog *persistence.WorkflowStore
	repoPath    string
}

// withIssueClaim runs fn while holding an exclusive, process-wide claim on
// issueNumber, so two commands (e.g. a stray concurrent "run" and "loop")
// can never drive the same issue's worktrees at once within one process.
// The claim is released once fn returns, whether it errors or not.
func (a *app) withIssueClaim(issueNumber int, fn func() error) error {
	key := fmt.Sprintf("issue-%d", issueNumber)
	if err := a.issueKeys.Claim(key); err != nil {
		return fmt.Errorf("issue %d already has a run in progress: %w", issueNumber, err)
	}
	defer a.issueKeys.Release(key)
	return fn()
}

func newApp(repoPath string) (*app, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".orchestrator", "config.json")
	projectPath := filepath.Join(repoPath, ".orchestrator", "config.json")

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()
	dbPath := filepath.Join(repoPath, ".orchestrator", "state.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	store, err := persistence.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	states, err := worktree.NewStateStore(repoPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening worktree state store: %w", err)
	}

	workflowLog, err := persistence.NewWorkflowStore(filepath.Join(repoPath, ".orchestrator", "workflow.db"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening workflow execution log: %w", err)
	}

	wtMgr := worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath:       repoPath,
		BaseBranch:     "main",
		WorktreeDir:    cfg.Worktree.BaseDir,
		MaxConcurrency: cfg.Worktree.MaxConcurrentOps,
	}, states)

	procs := backend.NewProcessManager()

	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		HalfOpenTrial:    cfg.Breaker.HalfOpenTrial,
	}, nil)

	dispatcher := hooks.NewDispatcher(filepath.Join(repoPath, ".orchestrator", "hooks"), procs)
	bus := events.NewEventBus()

	return &app{
		cfg:         cfg,
		procs:       procs,
		store:       store,
		worktrees:   wtMgr,
		breakers:    registry,
		dispatcher:  dispatcher,
		bus:         bus,
		issueKeys:   idempotency.NewKeys(),
		workflowLog: workflowLog,
		repoPath:    repoPath,
	}, nil
}

func (a *app) close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		log.Printf("error closing state store: %v", err)
	}
	if err := a.workflowLog.Close(); err != nil {
		log.Printf("error closing workflow execution log: %v", err)
	}
}

// runnerConfig builds a ParallelRunnerConfig from loaded configuration for a
// single issue's DAG execution.
func (a *app) runnerConfig(issueNumber int) orchestrator.ParallelRunnerConfig {
	backendConfigs := make(map[string]backend.Config, len(a.cfg.Agents))
	for role, agent := range a.cfg.Agents {
		provider := a.cfg.Providers[agent.Provider]
		backendConfigs[role] = backend.Config{
			Type:         provider.Type,
			Model:        agent.Model,
			SystemPrompt: agent.SystemPrompt,
			IssueNumber:  issueNumber,
		}
	}

	return orchestrator.ParallelRunnerConfig{
		IssueNumber:      issueNumber,
		ConcurrencyLimit: a.cfg.Scheduler.MaxConcurrency,
		MergeStrategy:    worktree.MergeOrt,
		WorktreeManager:  a.worktrees,
		ProcessManager:   a.procs,
		BackendConfigs:   backendConfigs,
		EventBus:         a.bus,
		Store:            a.store,
		Breakers:         a.breakers,
		Hooks:            a.dispatcher,
		Workflows:        a.cfg.Workflows,
		FiveWorlds: fiveworlds.Config{
			NumWorlds:        a.cfg.Executor.NumWorlds,
			SuccessThreshold: a.cfg.Executor.SuccessThreshold,
			Timeout:          time.Duration(a.cfg.Executor.TimeoutSeconds) * time.Second,
		},
	}
}

// runAndReport executes runFn under a signal-aware context, killing tracked
// subprocesses and cleaning up worktrees on interrupt, then prints a summary
// of per-task results.
func runAndReport(cmd *cobra.Command, a *app, runFn func(ctx context.Context) ([]orchestrator.TaskResult, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resultsCh := make(chan []orchestrator.TaskResult, 1)
	errCh := make(chan error, 1)

	go func() {
		results, err := runFn(ctx)
		resultsCh <- results
		errCh <- err
	}()

	select {
	case err := <-errCh:
		results := <-resultsCh
		reportResults(cmd, results)
		return err
	case <-ctx.Done():
		stop()
		log.Println("shutdown signal received, killing tracked subprocesses...")
		if err := a.procs.KillAll(); err != nil {
			log.Printf("error killing subprocesses: %v", err)
		}

		select {
		case err := <-errCh:
			results := <-resultsCh
			reportResults(cmd, results)
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("shutdown timed out waiting for in-flight tasks")
		}
	}
}

func reportResults(cmd *cobra.Command, results []orchestrator.TaskResult) {
	out := cmd.OutOrStdout()
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED"
		}
		fmt.Fprintf(out, "%-20s %-7s confidence=%.2f", r.TaskID, status, r.Confidence)
		if r.Error != nil {
			fmt.Fprintf(out, " error=%v", r.Error)
		}
		fmt.Fprintln(out)
	}
}
