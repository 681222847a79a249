package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskforge/orchestrator/internal/backend"
	"github.com/taskforge/orchestrator/internal/breaker"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
	"github.com/taskforge/orchestrator/internal/fiveworlds"
	"github.com/taskforge/orchestrator/internal/persistence"
	"github.com/taskforge/orchestrator/internal/scheduler"
	"github.com/taskforge/orchestrator/internal/worktree"
)

// singleWorld is used by every test that isn't specifically exercising the
// Five-Worlds fan-out, so a task still resolves in one backend call.
func singleWorld() fiveworlds.Config {
	return fiveworlds.Config{NumWorlds: 1, SuccessThreshold: 0.8, Timeout: 30 * time.Second}
}

// newTestWorktreeManager builds a WorktreeManager rooted at repoPath for tests.
func newTestWorktreeManager(t *testing.T, repoPath string) *worktree.WorktreeManager {
	t.Helper()
	states, err := worktree.NewStateStore(repoPath)
	if err != nil {
		t.Fatalf("failed to create state store: %v", err)
	}
	return worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath: repoPath, BaseBranch: "main",
	}, states)
}

// setupTestRepo creates a temp git repository for testing.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()

	cmd := exec.Command("git", "init")
	cmd.Dir = tmpDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init failed: %v (output: %s)", err, string(output))
	}

	cmd = exec.Command("git", "checkout", "-b", "main")
	cmd.Dir = tmpDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git checkout -b main failed: %v (output: %s)", err, string(output))
	}

	readmePath := filepath.Join(tmpDir, "README.md")
	if err := os.WriteFile(readmePath, []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write README: %v", err)
	}

	cmd = exec.Command("git", "add", "README.md")
	cmd.Dir = tmpDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add failed: %v (output: %s)", err, string(output))
	}

	cmd = exec.Command("git", "commit", "-m", "Initial commit")
	cmd.Dir = tmpDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit failed: %v (output: %s)", err, string(output))
	}

	return tmpDir
}

// mockBackend is a test implementation of backend.Backend.
type mockBackend struct {
	mu        sync.Mutex
	workDir   string
	sendCount int
	delay     time.Duration
	onSend    func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error)
	qaChannel *QAChannel
	closed    bool
}

func (m *mockBackend) Send(ctx context.Context, msg backend.Message) (backend.Response, error) {
	m.mu.Lock()
	m.sendCount++
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if m.onSend != nil {
		return m.onSend(ctx, msg, m.workDir)
	}

	return backend.Response{
		Content:   fmt.Sprintf("Completed: %s", msg.Content),
		SessionID: "mock-session",
	}, nil
}

func (m *mockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockBackend) SessionID() string { return "mock-session" }

// mockBackendFactory tracks backend creation for testing. Backends are keyed
// by their worktree path rather than by task ID, since with the Five-Worlds
// Executor a single task's worktree path is no longer a function of its ID
// alone (it also carries a world suffix).
type mockBackendFactory struct {
	mu          sync.Mutex
	backends    map[string]*mockBackend
	delay       time.Duration
	onSend      func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error)
	failAlways  bool
	createCalls int32
}

func newMockBackendFactory() *mockBackendFactory {
	return &mockBackendFactory{
		backends: make(map[string]*mockBackend),
	}
}

func (f *mockBackendFactory) factory(agentRole string, workDir string) (backend.Backend, error) {
	atomic.AddInt32(&f.createCalls, 1)

	if f.failAlways {
		return nil, fmt.Errorf("simulated backend creation failure")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	mb := &mockBackend{
		workDir: workDir,
		delay:   f.delay,
		onSend:  f.onSend,
	}

	f.backends[workDir] = mb
	return mb, nil
}

// TestParallelExecution_TwoIndependentTasks verifies two independent tasks execute and merge.
func TestParallelExecution_TwoIndependentTasks(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	taskA := &scheduler.Task{
		ID: "task-a", Name: "Task A", AgentRole: "coder",
		Prompt: "Write fileA.txt", DependsOn: []string{}, WritesFiles: []string{"fileA.txt"},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}
	taskB := &scheduler.Task{
		ID: "task-b", Name: "Task B", AgentRole: "coder",
		Prompt: "Write fileB.txt", DependsOn: []string{}, WritesFiles: []string{"fileB.txt"},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}

	if err := dag.AddTask(taskA); err != nil {
		t.Fatalf("failed to add task A: %v", err)
	}
	if err := dag.AddTask(taskB); err != nil {
		t.Fatalf("failed to add task B: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		var filename string
		switch {
		case strings.Contains(msg.Content, "fileA"):
			filename = "fileA.txt"
		case strings.Contains(msg.Content, "fileB"):
			filename = "fileB.txt"
		default:
			return backend.Response{}, fmt.Errorf("unknown task")
		}

		filePath := filepath.Join(workDir, filename)
		if err := os.WriteFile(filePath, []byte(filename+" content\n"), 0644); err != nil {
			return backend.Response{}, err
		}

		addCmd := exec.Command("git", "add", filename)
		addCmd.Dir = workDir
		if output, err := addCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git add failed: %v (output: %s)", err, string(output))
		}

		commitCmd := exec.Command("git", "commit", "-m", "Add "+filename)
		commitCmd.Dir = workDir
		if output, err := commitCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git commit failed: %v (output: %s)", err, string(output))
		}

		return backend.Response{Content: fmt.Sprintf("Created %s", filename), SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     1,
		WorktreeManager: wtMgr,
		MergeStrategy:   worktree.MergeOrt,
		BackendFactory:  factory.factory,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	for _, result := range results {
		if !result.Success {
			t.Errorf("task %q failed: %v", result.TaskID, result.Error)
		}
		if result.MergeResult == nil || !result.MergeResult.Merged {
			t.Errorf("task %q not merged", result.TaskID)
		}
	}

	fileA := filepath.Join(repoPath, "fileA.txt")
	fileB := filepath.Join(repoPath, "fileB.txt")
	if _, err := os.Stat(fileA); os.IsNotExist(err) {
		t.Error("fileA.txt does not exist in main")
	}
	if _, err := os.Stat(fileB); os.IsNotExist(err) {
		t.Error("fileB.txt does not exist in main")
	}

	verifyWorktreesCleanedUp(t, repoPath)
}

// TestBoundedConcurrency verifies max concurrent tasks never exceeds limit.
func TestBoundedConcurrency(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	for i := 1; i <= 4; i++ {
		task := &scheduler.Task{
			ID: fmt.Sprintf("task-%d", i), Name: fmt.Sprintf("Task %d", i), AgentRole: "coder",
			Prompt: fmt.Sprintf("Work %d", i), DependsOn: []string{}, WritesFiles: []string{},
			Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
		}
		if err := dag.AddTask(task); err != nil {
			t.Fatalf("failed to add task: %v", err)
		}
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32

	factory := newMockBackendFactory()
	factory.delay = 100 * time.Millisecond
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		current := concurrent.Add(1)
		defer concurrent.Add(-1)

		for {
			max := maxConcurrent.Load()
			if current <= max || maxConcurrent.CompareAndSwap(max, current) {
				break
			}
		}

		time.Sleep(100 * time.Millisecond)
		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:      2,
		ConcurrencyLimit: 2,
		WorktreeManager:  wtMgr,
		BackendFactory:   factory.factory,
		FiveWorlds:       singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 4 {
		t.Errorf("expected 4 results, got %d", len(results))
	}

	if max := maxConcurrent.Load(); max > 2 {
		t.Errorf("max concurrent was %d, expected <= 2", max)
	}
}

// TestDAGWaves verifies wave ordering - dependent tasks wait for dependencies.
func TestDAGWaves(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	taskA := &scheduler.Task{
		ID: "task-a", Name: "Task A", AgentRole: "coder",
		Prompt: "task-a", DependsOn: []string{}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}
	taskB := &scheduler.Task{
		ID: "task-b", Name: "Task B", AgentRole: "coder",
		Prompt: "task-b", DependsOn: []string{"task-a"}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}

	if err := dag.AddTask(taskA); err != nil {
		t.Fatalf("failed to add task A: %v", err)
	}
	if err := dag.AddTask(taskB); err != nil {
		t.Fatalf("failed to add task B: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	var order []string
	var mu sync.Mutex

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		mu.Lock()
		order = append(order, msg.Content)
		mu.Unlock()
		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     3,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}

	if len(order) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(order))
	}
	if order[0] != "task-a" {
		t.Errorf("expected task-a first, got %s", order[0])
	}
	if order[1] != "task-b" {
		t.Errorf("expected task-b second, got %s", order[1])
	}
}

// TestMergeConflict_DoesNotBlockOthers verifies one task's merge conflict doesn't block others.
func TestMergeConflict_DoesNotBlockOthers(t *testing.T) {
	repoPath := setupTestRepo(t)

	sharedFile := filepath.Join(repoPath, "shared.txt")
	if err := os.WriteFile(sharedFile, []byte("original\n"), 0644); err != nil {
		t.Fatalf("failed to write shared file: %v", err)
	}

	cmd := exec.Command("git", "add", "shared.txt")
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add failed: %v (output: %s)", err, string(output))
	}

	cmd = exec.Command("git", "commit", "-m", "Add shared.txt")
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit failed: %v (output: %s)", err, string(output))
	}

	dag := scheduler.NewDAG()
	for _, task := range []*scheduler.Task{
		{ID: "writer-a", Name: "Writer A", AgentRole: "coder", Prompt: "write-a", DependsOn: []string{}, WritesFiles: []string{}, Status: scheduler.TaskPending, FailureMode: scheduler.FailHard},
		{ID: "writer-b", Name: "Writer B", AgentRole: "coder", Prompt: "write-b", DependsOn: []string{}, WritesFiles: []string{}, Status: scheduler.TaskPending, FailureMode: scheduler.FailHard},
		{ID: "clean-task", Name: "Clean Task", AgentRole: "coder", Prompt: "write-clean", DependsOn: []string{}, WritesFiles: []string{}, Status: scheduler.TaskPending, FailureMode: scheduler.FailHard},
	} {
		if err := dag.AddTask(task); err != nil {
			t.Fatalf("failed to add task: %v", err)
		}
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		var filename, content string
		switch {
		case strings.Contains(msg.Content, "write-a"):
			filename, content = "shared.txt", "version A\n"
		case strings.Contains(msg.Content, "write-b"):
			filename, content = "shared.txt", "version B\n"
		default:
			filename, content = "unique.txt", "unique content\n"
		}

		filePath := filepath.Join(workDir, filename)
		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			return backend.Response{}, err
		}

		addCmd := exec.Command("git", "add", filename)
		addCmd.Dir = workDir
		if output, err := addCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git add failed: %v (output: %s)", err, string(output))
		}

		commitCmd := exec.Command("git", "commit", "-m", "Modify "+filename)
		commitCmd.Dir = workDir
		if output, err := commitCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git commit failed: %v (output: %s)", err, string(output))
		}

		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:      4,
		ConcurrencyLimit: 4,
		WorktreeManager:  wtMgr,
		MergeStrategy:    worktree.MergeOrt,
		BackendFactory:   factory.factory,
		FiveWorlds:       singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	mergedCount := 0
	conflictCount := 0

	for _, result := range results {
		if result.TaskID == "clean-task" {
			if !result.Success || result.MergeResult == nil || !result.MergeResult.Merged {
				t.Errorf("clean-task should have succeeded and merged")
			}
			mergedCount++
		}
		if result.TaskID == "writer-a" || result.TaskID == "writer-b" {
			if result.MergeResult != nil && result.MergeResult.Merged {
				mergedCount++
			} else {
				conflictCount++
			}
		}
	}

	if mergedCount < 2 {
		t.Errorf("expected at least 2 merged tasks (1 writer + clean), got %d", mergedCount)
	}
	if conflictCount < 1 {
		t.Errorf("expected at least 1 conflict (second writer), got %d", conflictCount)
	}

	t.Logf("Results: %d merged, %d conflicted", mergedCount, conflictCount)
}

// TestQAChannel_IntegratedWithRunner verifies QA channel works during task execution.
func TestQAChannel_IntegratedWithRunner(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	task := &scheduler.Task{
		ID: "task-qa", Name: "QA Task", AgentRole: "coder",
		Prompt: "Ask question", DependsOn: []string{}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}

	if err := dag.AddTask(task); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	answerCalled := atomic.Bool{}
	qaChannel := NewQAChannel(8, func(ctx context.Context, taskID string, question string) (string, error) {
		answerCalled.Store(true)
		return "Answer: " + question, nil
	})

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		time.Sleep(10 * time.Millisecond)
		answer, err := qaChannel.Ask(ctx, "task-qa", "What should I do?")
		if err != nil {
			return backend.Response{}, err
		}
		return backend.Response{Content: fmt.Sprintf("Got answer: %s", answer), SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     5,
		WorktreeManager: wtMgr,
		QAChannel:       qaChannel,
		BackendFactory:  factory.factory,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Success {
		t.Errorf("task failed: %v", results[0].Error)
	}
	if !answerCalled.Load() {
		t.Error("answer function was not called")
	}
}

// TestCleanupOnContextCancel verifies worktrees are cleaned up on context cancellation.
func TestCleanupOnContextCancel(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	for i := 1; i <= 2; i++ {
		task := &scheduler.Task{
			ID: fmt.Sprintf("task-%d", i), Name: fmt.Sprintf("Task %d", i), AgentRole: "coder",
			Prompt: "Slow work", DependsOn: []string{}, WritesFiles: []string{},
			Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
		}
		if err := dag.AddTask(task); err != nil {
			t.Fatalf("failed to add task: %v", err)
		}
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.delay = 200 * time.Millisecond

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     6,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := runner.Run(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	t.Logf("Completed %d tasks before cancellation", len(results))
	verifyWorktreesCleanedUp(t, repoPath)
}

// TestPruneOnStartup verifies Run completes without error when a stale,
// unregistered directory sits under .worktrees at startup.
func TestPruneOnStartup(t *testing.T) {
	repoPath := setupTestRepo(t)

	worktreeDir := filepath.Join(repoPath, ".worktrees", "stale-task")
	if err := os.MkdirAll(worktreeDir, 0755); err != nil {
		t.Fatalf("failed to create stale worktree dir: %v", err)
	}

	dag := scheduler.NewDAG()
	lockMgr := scheduler.NewResourceLockManager()

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()

	cfg := ParallelRunnerConfig{
		IssueNumber:     7,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	if _, err := runner.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

// Helper: verify worktrees are cleaned up
func verifyWorktreesCleanedUp(t *testing.T, repoPath string) {
	t.Helper()

	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to list worktrees: %v (output: %s)", err, string(output))
	}

	lines := strings.Split(string(output), "\n")
	worktreeCount := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "worktree ") {
			worktreeCount++
		}
	}

	if worktreeCount != 1 {
		t.Errorf("expected 1 worktree (main), got %d", worktreeCount)
		t.Logf("Worktree list output:\n%s", string(output))
	}
}

// TestEventBusIntegration verifies event bus integration with ParallelRunner.
func TestEventBusIntegration(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	taskA := &scheduler.Task{
		ID: "task-a", Name: "Task A", AgentRole: "coder",
		Prompt: "Work A", DependsOn: []string{}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}
	taskB := &scheduler.Task{
		ID: "task-b", Name: "Task B", AgentRole: "coder",
		Prompt: "Work B", DependsOn: []string{"task-a"}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}

	if err := dag.AddTask(taskA); err != nil {
		t.Fatalf("failed to add task A: %v", err)
	}
	if err := dag.AddTask(taskB); err != nil {
		t.Fatalf("failed to add task B: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	eventBus := events.NewEventBus()
	defer eventBus.Close()

	taskCh := eventBus.Subscribe(events.TopicTask, 100)
	dagCh := eventBus.Subscribe(events.TopicDAG, 100)

	receivedEvents := make([]events.Event, 0)
	var eventsMu sync.Mutex

	done := make(chan bool)
	go func() {
		for {
			select {
			case event, ok := <-taskCh:
				if !ok {
					return
				}
				eventsMu.Lock()
				receivedEvents = append(receivedEvents, event)
				eventsMu.Unlock()
			case event, ok := <-dagCh:
				if !ok {
					return
				}
				eventsMu.Lock()
				receivedEvents = append(receivedEvents, event)
				eventsMu.Unlock()
			case <-done:
				return
			}
		}
	}()
	defer func() { done <- true }()

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     8,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		EventBus:        eventBus,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}

	time.Sleep(50 * time.Millisecond)

	eventsMu.Lock()
	defer eventsMu.Unlock()

	taskStartedCount := 0
	taskCompletedCount := 0
	dagProgressCount := 0

	for _, event := range receivedEvents {
		switch event.EventType() {
		case events.EventTypeTaskStarted:
			taskStartedCount++
			if e, ok := event.(events.TaskStartedEvent); ok && e.Timestamp.IsZero() {
				t.Error("TaskStartedEvent has zero timestamp")
			}
		case events.EventTypeTaskCompleted:
			taskCompletedCount++
			if e, ok := event.(events.TaskCompletedEvent); ok && e.Timestamp.IsZero() {
				t.Error("TaskCompletedEvent has zero timestamp")
			}
		case events.EventTypeDAGProgress:
			dagProgressCount++
			if e, ok := event.(events.DAGProgressEvent); ok && e.Timestamp.IsZero() {
				t.Error("DAGProgressEvent has zero timestamp")
			}
		}
	}

	if taskStartedCount < 2 {
		t.Errorf("expected at least 2 TaskStarted events, got %d", taskStartedCount)
	}
	if taskCompletedCount < 2 {
		t.Errorf("expected at least 2 TaskCompleted events, got %d", taskCompletedCount)
	}
	if dagProgressCount < 1 {
		t.Errorf("expected at least 1 DAGProgress event, got %d", dagProgressCount)
	}
}

// testStoreForRunner creates an in-memory persistence Store for testing.
func testStoreForRunner(t *testing.T) persistence.Store {
	t.Helper()

	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("failed to create memory store: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

// TestCheckpointOnTaskCompletion verifies task state is checkpointed on completion.
func TestCheckpointOnTaskCompletion(t *testing.T) {
	repoPath := setupTestRepo(t)
	store := testStoreForRunner(t)

	dag := scheduler.NewDAG()
	task := &scheduler.Task{
		ID: "task-1", Name: "Task 1", AgentRole: "coder",
		Prompt: "Do work", DependsOn: []string{}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}

	if err := dag.AddTask(task); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		return backend.Response{Content: "Task completed successfully", SessionID: "test-session-123"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     9,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		Store:           store,
		BackendConfigs: map[string]backend.Config{
			"coder": {Type: "claude"},
		},
		FiveWorlds: singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Success {
		t.Errorf("task failed: %v", results[0].Error)
	}

	persistedTask, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task from store: %v", err)
	}
	if persistedTask.Status != scheduler.TaskCompleted {
		t.Errorf("expected status TaskCompleted, got %v", persistedTask.Status)
	}
	if persistedTask.Result != "Task completed successfully" {
		t.Errorf("expected result to match response content, got %q", persistedTask.Result)
	}

	sessionID, backendType, err := store.GetSession(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if sessionID != "test-session-123" {
		t.Errorf("expected session ID 'test-session-123', got %q", sessionID)
	}
	if backendType != "claude" {
		t.Errorf("expected backend type 'claude', got %q", backendType)
	}

	history, err := store.GetHistory(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages in history, got %d", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "Do work" {
		t.Errorf("first message should be user prompt, got role=%q content=%q", history[0].Role, history[0].Content)
	}
	if history[1].Role != "assistant" || history[1].Content != "Task completed successfully" {
		t.Errorf("second message should be assistant response, got role=%q content=%q", history[1].Role, history[1].Content)
	}
}

// TestCheckpointOnTaskFailure verifies task state is checkpointed on failure.
func TestCheckpointOnTaskFailure(t *testing.T) {
	repoPath := setupTestRepo(t)
	store := testStoreForRunner(t)

	dag := scheduler.NewDAG()
	task := &scheduler.Task{
		ID: "task-fail", Name: "Task Fail", AgentRole: "coder",
		Prompt: "Do work", DependsOn: []string{}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}

	if err := dag.AddTask(task); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		return backend.Response{}, fmt.Errorf("simulated backend error")
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     10,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		Store:           store,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Success {
		t.Error("expected task to fail")
	}

	persistedTask, err := store.GetTask(ctx, "task-fail")
	if err != nil {
		t.Fatalf("failed to get task from store: %v", err)
	}
	if persistedTask.Status != scheduler.TaskFailed {
		t.Errorf("expected status TaskFailed, got %v", persistedTask.Status)
	}
	if persistedTask.Error == nil {
		t.Error("expected error to be persisted")
	}
	if !strings.Contains(persistedTask.Error.Error(), "confidence") {
		t.Errorf("expected error to describe a confidence shortfall, got %q", persistedTask.Error.Error())
	}
}

// TestCheckpointNilStoreNoError verifies nil Store is handled gracefully.
func TestCheckpointNilStoreNoError(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	task := &scheduler.Task{
		ID: "task-no-store", Name: "Task No Store", AgentRole: "coder",
		Prompt: "Do work", DependsOn: []string{}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}

	if err := dag.AddTask(task); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     11,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		Store:           nil,
		FiveWorlds:      singleWorld(),
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Success {
		t.Errorf("task failed: %v", results[0].Error)
	}
}

// TestResumeSkipsCompletedTasks verifies Resume skips completed tasks and only executes pending ones.
func TestResumeSkipsCompletedTasks(t *testing.T) {
	repoPath := setupTestRepo(t)
	store := testStoreForRunner(t)
	ctx := context.Background()

	task1 := &scheduler.Task{ID: "task-1", Name: "Task 1", AgentRole: "coder", Prompt: "Work 1", DependsOn: []string{}, WritesFiles: []string{}, Status: scheduler.TaskCompleted, FailureMode: scheduler.FailHard, Result: "Result 1"}
	task2 := &scheduler.Task{ID: "task-2", Name: "Task 2", AgentRole: "coder", Prompt: "Work 2", DependsOn: []string{}, WritesFiles: []string{}, Status: scheduler.TaskCompleted, FailureMode: scheduler.FailHard, Result: "Result 2"}
	task3 := &scheduler.Task{ID: "task-3", Name: "Task 3", AgentRole: "coder", Prompt: "task-3", DependsOn: []string{"task-1", "task-2"}, WritesFiles: []string{}, Status: scheduler.TaskPending, FailureMode: scheduler.FailHard}

	if err := store.SaveTask(ctx, task1); err != nil {
		t.Fatalf("failed to save task-1: %v", err)
	}
	if err := store.SaveTask(ctx, task2); err != nil {
		t.Fatalf("failed to save task-2: %v", err)
	}
	if err := store.SaveTask(ctx, task3); err != nil {
		t.Fatalf("failed to save task-3: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	var executedTasks []string
	var mu sync.Mutex

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		mu.Lock()
		executedTasks = append(executedTasks, msg.Content)
		mu.Unlock()
		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     12,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		Store:           store,
		FiveWorlds:      singleWorld(),
	}

	dag := scheduler.NewDAG()
	runner := NewParallelRunner(cfg, dag, lockMgr)

	results, err := runner.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(executedTasks) != 1 {
		t.Errorf("expected 1 task executed, got %d: %v", len(executedTasks), executedTasks)
	}
	if len(executedTasks) > 0 && executedTasks[0] != "task-3" {
		t.Errorf("expected task-3 to be executed, got %q", executedTasks[0])
	}

	persistedTask3, err := store.GetTask(ctx, "task-3")
	if err != nil {
		t.Fatalf("failed to get task-3 from store: %v", err)
	}
	if persistedTask3.Status != scheduler.TaskCompleted {
		t.Errorf("expected task-3 to be completed, got status %v", persistedTask3.Status)
	}

	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
}

// TestResumeRestoresSessionID verifies session IDs are persisted and retrievable.
func TestResumeRestoresSessionID(t *testing.T) {
	repoPath := setupTestRepo(t)
	store := testStoreForRunner(t)
	ctx := context.Background()

	task1 := &scheduler.Task{ID: "task-1", Name: "Task 1", AgentRole: "coder", Prompt: "Work 1", DependsOn: []string{}, WritesFiles: []string{}, Status: scheduler.TaskCompleted, FailureMode: scheduler.FailHard, Result: "Result 1"}
	task2 := &scheduler.Task{ID: "task-2", Name: "Task 2", AgentRole: "coder", Prompt: "Work 2", DependsOn: []string{"task-1"}, WritesFiles: []string{}, Status: scheduler.TaskPending, FailureMode: scheduler.FailHard}

	if err := store.SaveTask(ctx, task1); err != nil {
		t.Fatalf("failed to save task-1: %v", err)
	}
	if err := store.SaveTask(ctx, task2); err != nil {
		t.Fatalf("failed to save task-2: %v", err)
	}
	if err := store.SaveSession(ctx, "task-1", "session-abc-123", "claude"); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     13,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		Store:           store,
		FiveWorlds:      singleWorld(),
	}

	dag := scheduler.NewDAG()
	runner := NewParallelRunner(cfg, dag, lockMgr)

	results, err := runner.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	if sessionID, ok := runner.sessions["task-1"]; !ok {
		t.Error("expected task-1 session to be loaded")
	} else if sessionID != "session-abc-123" {
		t.Errorf("expected session ID 'session-abc-123', got %q", sessionID)
	}

	sessionID, backendType, err := store.GetSession(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to retrieve session: %v", err)
	}
	if sessionID != "session-abc-123" {
		t.Errorf("expected session ID 'session-abc-123', got %q", sessionID)
	}
	if backendType != "claude" {
		t.Errorf("expected backend type 'claude', got %q", backendType)
	}
}

// TestFiveWorlds_MajorityFailureFailsTaskAndCleansUpAllWorlds verifies that
// when fewer worlds succeed than the confidence threshold requires, the task
// is marked failed and every world's worktree (not just the losers) is
// force-cleaned -- there is no winner to keep.
func TestFiveWorlds_MajorityFailureFailsTaskAndCleansUpAllWorlds(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	task := &scheduler.Task{
		ID: "task-flaky", Name: "Flaky Task", AgentRole: "coder",
		Prompt: "attempt", DependsOn: []string{}, WritesFiles: []string{},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}
	if err := dag.AddTask(task); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		// Every world fails: confidence 0 < any positive threshold.
		return backend.Response{}, fmt.Errorf("world failed")
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     20,
		WorktreeManager: wtMgr,
		BackendFactory:  factory.factory,
		FiveWorlds:      fiveworlds.Config{NumWorlds: 3, SuccessThreshold: 0.5, Timeout: 10 * time.Second},
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Success {
		t.Error("expected task to fail when all worlds fail")
	}
	if results[0].Confidence != 0 {
		t.Errorf("expected confidence 0, got %v", results[0].Confidence)
	}

	verifyWorktreesCleanedUp(t, repoPath)
}

// TestFiveWorlds_ThresholdMetKeepsOneWinnerAndMerges verifies that when
// enough worlds succeed to clear the threshold, exactly one winning world's
// worktree survives long enough to merge and every other world is cleaned up.
func TestFiveWorlds_ThresholdMetKeepsOneWinnerAndMerges(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	task := &scheduler.Task{
		ID: "task-mostly-ok", Name: "Mostly OK Task", AgentRole: "coder",
		Prompt: "attempt", DependsOn: []string{}, WritesFiles: []string{"result.txt"},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}
	if err := dag.AddTask(task); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	var calls atomic.Int32
	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		n := calls.Add(1)
		if n == 1 {
			// First world to run fails; the rest succeed and write a file.
			return backend.Response{}, fmt.Errorf("transient failure")
		}

		filePath := filepath.Join(workDir, "result.txt")
		if err := os.WriteFile(filePath, []byte("ok\n"), 0644); err != nil {
			return backend.Response{}, err
		}
		addCmd := exec.Command("git", "add", "result.txt")
		addCmd.Dir = workDir
		if output, err := addCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git add failed: %v (output: %s)", err, string(output))
		}
		commitCmd := exec.Command("git", "commit", "-m", "write result")
		commitCmd.Dir = workDir
		if output, err := commitCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git commit failed: %v (output: %s)", err, string(output))
		}
		return backend.Response{Content: "ok", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     21,
		WorktreeManager: wtMgr,
		MergeStrategy:   worktree.MergeOrt,
		BackendFactory:  factory.factory,
		FiveWorlds:      fiveworlds.Config{NumWorlds: 3, SuccessThreshold: 0.5, Timeout: 10 * time.Second},
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	ctx := context.Background()
	results, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].Success {
		t.Errorf("expected task to succeed, got error: %v", results[0].Error)
	}
	if results[0].MergeResult == nil || !results[0].MergeResult.Merged {
		t.Error("expected winning world's worktree to be merged")
	}

	resultFile := filepath.Join(repoPath, "result.txt")
	if _, err := os.Stat(resultFile); os.IsNotExist(err) {
		t.Error("result.txt does not exist in main after merge")
	}

	verifyWorktreesCleanedUp(t, repoPath)
}

// TestCreateBackend_BreakerOpensAfterRepeatedFailures verifies the circuit
// breaker guards backend creation: once tripped, further creation attempts
// fail fast with an OpenError instead of invoking the factory again.
func TestCreateBackend_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	factory := newMockBackendFactory()
	factory.failAlways = true

	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Minute, HalfOpenTrial: 1}, nil)

	runner := &ParallelRunner{
		config: ParallelRunnerConfig{
			BackendFactory: factory.factory,
			Breakers:       registry,
		},
	}

	for i := 0; i < 2; i++ {
		if _, err := runner.createBackend("coder", "/tmp/whatever"); err == nil {
			t.Fatalf("expected attempt %d to fail", i)
		}
	}

	callsBeforeOpen := atomic.LoadInt32(&factory.createCalls)

	if _, err := runner.createBackend("coder", "/tmp/whatever"); err == nil {
		t.Fatal("expected breaker-open error")
	} else if !strings.Contains(err.Error(), "circuit breaker") {
		t.Errorf("expected a circuit breaker error, got %v", err)
	}

	if atomic.LoadInt32(&factory.createCalls) != callsBeforeOpen {
		t.Error("factory was invoked again after the breaker opened")
	}
}

// TestWorkflowFollowUp_ReactivelySpawnsAndRunsNextStep exercises the
// scheduler.WorkflowManager wiring: a single "coder" task completing should
// spawn a "reviewer" follow-up task that Run picks up in a later wave.
func TestWorkflowFollowUp_ReactivelySpawnsAndRunsNextStep(t *testing.T) {
	repoPath := setupTestRepo(t)

	dag := scheduler.NewDAG()
	coderTask := &scheduler.Task{
		ID: "issue-1-coder", Name: "Write the fix", AgentRole: "coder",
		Prompt: "Write fix.txt", DependsOn: []string{}, WritesFiles: []string{"fix.txt"},
		Status: scheduler.TaskPending, FailureMode: scheduler.FailHard,
	}
	if err := dag.AddTask(coderTask); err != nil {
		t.Fatalf("failed to add coder task: %v", err)
	}

	wtMgr := newTestWorktreeManager(t, repoPath)

	factory := newMockBackendFactory()
	factory.onSend = func(ctx context.Context, msg backend.Message, workDir string) (backend.Response, error) {
		filePath := filepath.Join(workDir, "fix.txt")
		if err := os.WriteFile(filePath, []byte("fix\n"), 0644); err != nil {
			return backend.Response{}, err
		}
		addCmd := exec.Command("git", "add", "fix.txt")
		addCmd.Dir = workDir
		if output, err := addCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git add failed: %v (output: %s)", err, string(output))
		}
		commitCmd := exec.Command("git", "commit", "-m", "Apply fix")
		commitCmd.Dir = workDir
		if output, err := commitCmd.CombinedOutput(); err != nil {
			return backend.Response{}, fmt.Errorf("git commit failed: %v (output: %s)", err, string(output))
		}
		return backend.Response{Content: "done", SessionID: "mock"}, nil
	}

	lockMgr := scheduler.NewResourceLockManager()
	cfg := ParallelRunnerConfig{
		IssueNumber:     1,
		WorktreeManager: wtMgr,
		MergeStrategy:   worktree.MergeOrt,
		BackendFactory:  factory.factory,
		FiveWorlds:      singleWorld(),
		Workflows: map[string]config.WorkflowConfig{
			"standard": {Steps: []config.WorkflowStepConfig{
				{Agent: "coder"},
				{Agent: "reviewer"},
			}},
		},
	}

	runner := NewParallelRunner(cfg, dag, lockMgr)

	results, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results (coder + spawned reviewer), got %d", len(results))
	}

	var sawReviewer bool
	for _, result := range results {
		if !result.Success {
			t.Errorf("task %q failed: %v", result.TaskID, result.Error)
		}
		if result.TaskID == "issue-1-coder-reviewer" {
			sawReviewer = true
		}
	}
	if !sawReviewer {
		t.Error("expected a reviewer follow-up task spawned from the coder task's completion")
	}

	reviewerTask, ok := dag.Get("issue-1-coder-reviewer")
	if !ok {
		t.Fatal("reviewer follow-up task not found in DAG")
	}
	if reviewerTask.Status != scheduler.TaskCompleted {
		t.Errorf("expected reviewer follow-up to complete, got status %v", reviewerTask.Status)
	}
}
