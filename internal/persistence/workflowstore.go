package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// WorkflowStatus is the lifecycle state of a DAG execution run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// StepOutput is the recorded outcome of one task's execution within a run.
type StepOutput struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// StepContext accumulates the outputs and metadata visible to later steps of
// a run as earlier steps complete.
type StepContext struct {
	WorkflowID  string                 `json:"workflow_id"`
	CurrentStep string                 `json:"current_step"`
	Outputs     map[string]StepOutput  `json:"outputs"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// SetOutput records step's output, overwriting any previous result for the
// same step ID.
func (c *StepContext) SetOutput(stepID string, output StepOutput) {
	if c.Outputs == nil {
		c.Outputs = make(map[string]StepOutput)
	}
	c.Outputs[stepID] = output
}

// GetOutput returns a previously recorded step output, if any.
func (c *StepContext) GetOutput(stepID string) (StepOutput, bool) {
	out, ok := c.Outputs[stepID]
	return out, ok
}

// ExecutionState is the durable record of a single DAG execution run:
// which steps have completed or failed, and the run's overall status.
type ExecutionState struct {
	WorkflowID     string            `json:"workflow_id"`
	SessionID      string            `json:"session_id"`
	CurrentStep    string            `json:"current_step,omitempty"`
	CompletedSteps []string          `json:"completed_steps"`
	FailedSteps    []string          `json:"failed_steps"`
	StepResults    map[string]string `json:"step_results"`
	Status         WorkflowStatus    `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

var (
	bucketExecutions = []byte("executions")
	bucketContexts   = []byte("contexts")
	bucketSteps      = []byte("steps")
)

// WorkflowStore persists DAG execution state across restarts using an
// embedded bbolt database -- one bucket per concern (execution records,
// step contexts, per-step outputs) instead of the single keyspace the
// original source's sled-backed store used, since bbolt buckets give each
// concern its own prefix-free namespace natively.
type WorkflowStore struct {
	db *bbolt.DB
}

// NewWorkflowStore opens (creating if necessary) a bbolt database at path
// and ensures all required buckets exist.
func NewWorkflowStore(path string) (*WorkflowStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open workflow store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketExecutions, bucketContexts, bucketSteps} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &WorkflowStore{db: db}, nil
}

// Close closes the underlying database.
func (s *WorkflowStore) Close() error {
	return s.db.Close()
}

// SaveExecution writes state under the execution:<id> key.
func (s *WorkflowStore) SaveExecution(state *ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal execution state: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put(executionKey(state.WorkflowID), data)
	})
}

// LoadExecution reads the execution state for workflowID. Returns
// (nil, nil) if no state has been saved yet.
func (s *WorkflowStore) LoadExecution(workflowID string) (*ExecutionState, error) {
	var state *ExecutionState

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get(executionKey(workflowID))
		if data == nil {
			return nil
		}
		state = &ExecutionState{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, fmt.Errorf("load execution state: %w", err)
	}

	return state, nil
}

// DeleteExecution removes the execution:<id> record only, leaving the
// run's step context and step outputs intact.
func (s *WorkflowStore) DeleteExecution(workflowID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).Delete(executionKey(workflowID))
	})
}

// ListActive returns every execution state whose status is Running or
// Paused.
func (s *WorkflowStore) ListActive() ([]*ExecutionState, error) {
	return s.listByFilter(func(state *ExecutionState) bool {
		return state.Status == WorkflowRunning || state.Status == WorkflowPaused
	})
}

// ListByStatus returns every execution state matching status exactly.
func (s *WorkflowStore) ListByStatus(status WorkflowStatus) ([]*ExecutionState, error) {
	return s.listByFilter(func(state *ExecutionState) bool {
		return state.Status == status
	})
}

func (s *WorkflowStore) listByFilter(keep func(*ExecutionState) bool) ([]*ExecutionState, error) {
	var states []*ExecutionState

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var state ExecutionState
			if err := json.Unmarshal(v, &state); err != nil {
				return nil // skip malformed entries rather than fail the whole scan
			}
			if keep(&state) {
				states = append(states, &state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	return states, nil
}

// SaveContext writes the run's step context under <workflow_id>:context.
func (s *WorkflowStore) SaveContext(ctx *StepContext) error {
	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("marshal step context: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContexts).Put(contextKey(ctx.WorkflowID), data)
	})
}

// LoadContext reads the step context for workflowID. Returns (nil, nil)
// if none has been saved.
func (s *WorkflowStore) LoadContext(workflowID string) (*StepContext, error) {
	var ctx *StepContext

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketContexts).Get(contextKey(workflowID))
		if data == nil {
			return nil
		}
		ctx = &StepContext{}
		return json.Unmarshal(data, ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("load step context: %w", err)
	}

	return ctx, nil
}

// SaveStep writes a single step's output under <workflow_id>:<step_id>,
// independent of the aggregated StepContext -- this lets a caller persist
// a step's result the moment it finishes, before the whole context is
// recomputed.
func (s *WorkflowStore) SaveStep(workflowID, stepID string, output StepOutput) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSteps).Put(stepKey(workflowID, stepID), data)
	})
}

// LoadStep reads a single step's output. Returns (StepOutput{}, false, nil)
// if none has been saved.
func (s *WorkflowStore) LoadStep(workflowID, stepID string) (StepOutput, bool, error) {
	var output StepOutput
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSteps).Get(stepKey(workflowID, stepID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &output)
	})
	if err != nil {
		return StepOutput{}, false, fmt.Errorf("load step output: %w", err)
	}

	return output, found, nil
}

// ClearWorkflow removes every key associated with workflowID: its step
// context, every per-step output, AND its execution record. The original
// source's clear_workflow only swept the "<id>:" prefix (context + steps)
// and left the "execution:<id>" record behind -- a cleared workflow would
// still show up in ListActive/ListByStatus forever. This clears all three
// bucket entries in one transaction so clearing a workflow actually removes
// it.
func (s *WorkflowStore) ClearWorkflow(workflowID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketContexts).Delete(contextKey(workflowID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketExecutions).Delete(executionKey(workflowID)); err != nil {
			return err
		}

		stepsBucket := tx.Bucket(bucketSteps)
		prefix := []byte(workflowID + ":")
		cursor := stepsBucket.Cursor()

		var staleKeys [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			staleKeys = append(staleKeys, append([]byte(nil), k...))
		}
		for _, k := range staleKeys {
			if err := stepsBucket.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

func executionKey(workflowID string) []byte {
	return []byte("execution:" + workflowID)
}

func contextKey(workflowID string) []byte {
	return []byte(workflowID + ":context")
}

func stepKey(workflowID, stepID string) []byte {
	return []byte(workflowID + ":" + stepID)
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
