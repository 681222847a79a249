package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingRunner completes every task immediately, recording the order in
// which tasks were started so tests can assert on level-parallel ordering.
type recordingRunner struct {
	mu      sync.Mutex
	started []string
	failIDs map[string]bool
}

func (r *recordingRunner) RunTask(_ context.Context, task *Task) error {
	r.mu.Lock()
	r.started = append(r.started, task.ID)
	shouldFail := r.failIDs[task.ID]
	r.mu.Unlock()

	if shouldFail {
		return errors.New("synthetic failure")
	}
	task.Result = "ok"
	return nil
}

func TestScheduler_LinearChain(t *testing.T) {
	dag := NewDAG()
	_ = dag.AddTask(&Task{ID: "a", Status: TaskPending})
	_ = dag.AddTask(&Task{ID: "b", DependsOn: []string{"a"}, Status: TaskPending})
	_ = dag.AddTask(&Task{ID: "c", DependsOn: []string{"b"}, Status: TaskPending})

	runner := &recordingRunner{failIDs: map[string]bool{}}
	sched, err := NewScheduler(dag, runner, StaticLimit(4))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	result, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Completed) != 3 {
		t.Fatalf("expected 3 completed tasks, got %d: %v", len(result.Completed), result.Completed)
	}
	if got := runner.started; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected strict order [a b c], got %v", got)
	}
}

func TestScheduler_DiamondRunsSiblingsConcurrently(t *testing.T) {
	dag := NewDAG()
	_ = dag.AddTask(&Task{ID: "a", Status: TaskPending})
	_ = dag.AddTask(&Task{ID: "b", DependsOn: []string{"a"}, Status: TaskPending})
	_ = dag.AddTask(&Task{ID: "c", DependsOn: []string{"a"}, Status: TaskPending})
	_ = dag.AddTask(&Task{ID: "d", DependsOn: []string{"b", "c"}, Status: TaskPending})

	// barrier requires both b and c to arrive before either is released,
	// which deadlocks (and fails the test via context timeout) unless the
	// scheduler actually runs siblings concurrently.
	var arrived atomic.Int32
	barrier := make(chan struct{})
	var once sync.Once

	blocking := taskRunnerFunc(func(ctx context.Context, task *Task) error {
		if task.ID == "b" || task.ID == "c" {
			if arrived.Add(1) == 2 {
				once.Do(func() { close(barrier) })
			}
			select {
			case <-barrier:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		task.Result = "ok"
		return nil
	})

	sched, err := NewScheduler(dag, blocking, StaticLimit(4))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := sched.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Completed) != 4 {
		t.Fatalf("expected 4 completed, got %d: %v", len(result.Completed), result.Completed)
	}
}

func TestScheduler_FailHardBlocksDependents(t *testing.T) {
	dag := NewDAG()
	_ = dag.AddTask(&Task{ID: "a", Status: TaskPending, FailureMode: FailHard})
	_ = dag.AddTask(&Task{ID: "b", DependsOn: []string{"a"}, Status: TaskPending})

	runner := &recordingRunner{failIDs: map[string]bool{"a": true}}
	sched, err := NewScheduler(dag, runner, StaticLimit(4))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	result, err := sched.Run(context.Background())
	if err == nil {
		t.Fatal("expected error from FailHard task, got nil")
	}
	var tfe *TaskFailedError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected *TaskFailedError, got %T: %v", err, err)
	}
	if len(result.Completed) != 0 {
		t.Errorf("expected b to never run, but Completed = %v", result.Completed)
	}
}

func TestScheduler_FailSoftAllowsDependents(t *testing.T) {
	dag := NewDAG()
	_ = dag.AddTask(&Task{ID: "a", Status: TaskPending, FailureMode: FailSoft})
	_ = dag.AddTask(&Task{ID: "b", DependsOn: []string{"a"}, Status: TaskPending})

	runner := &recordingRunner{failIDs: map[string]bool{"a": true}}
	sched, err := NewScheduler(dag, runner, StaticLimit(4))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	result, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Completed) != 1 || result.Completed[0] != "b" {
		t.Errorf("expected b to complete despite a's soft failure, got %v", result.Completed)
	}
	if _, failed := result.Failed["a"]; !failed {
		t.Error("expected a recorded in Failed")
	}
}

func TestScheduler_ConcurrencyCapRespected(t *testing.T) {
	dag := NewDAG()
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = dag.AddTask(&Task{ID: id, Status: TaskPending})
	}

	var inFlight, maxObserved atomic.Int32
	runner := taskRunnerFunc(func(_ context.Context, task *Task) error {
		n := inFlight.Add(1)
		for {
			cur := maxObserved.Load()
			if n <= cur || maxObserved.CompareAndSwap(cur, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		task.Result = "ok"
		return nil
	})

	sched, err := NewScheduler(dag, runner, StaticLimit(2))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if maxObserved.Load() > 2 {
		t.Errorf("observed %d concurrent tasks, cap was 2", maxObserved.Load())
	}
}

// taskRunnerFunc adapts a function to the TaskRunner interface.
type taskRunnerFunc func(ctx context.Context, task *Task) error

func (f taskRunnerFunc) RunTask(ctx context.Context, task *Task) error { return f(ctx, task) }
