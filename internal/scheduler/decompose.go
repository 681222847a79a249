package scheduler

import (
	"context"
	"fmt"

	"github.com/taskforge/orchestrator/internal/config"
)

// IssueAnalyzer turns an issue number and description into a DAG of tasks
// ready for a Scheduler. Implementations typically call out to an LLM to
// decompose the issue into a dependency graph; DecomposeSteps below is the
// deterministic, non-LLM default used standalone and as a test fixture.
type IssueAnalyzer interface {
	Analyze(ctx context.Context, issueNumber int, description string) (*DAG, error)
}

// StepDecomposer is the default IssueAnalyzer. It builds a linear-chain DAG
// from a static config.WorkflowConfig: step i+1 depends on step i, mirroring
// the teacher's WorkflowManager step model (internal/scheduler/workflow.go)
// but run up-front rather than reactively on each task completion.
type StepDecomposer struct {
	Workflow config.WorkflowConfig
	Agents   map[string]config.AgentConfig
}

// NewStepDecomposer constructs a StepDecomposer bound to a workflow and the
// agent roster it references. Analyze does not read the roster: task prompts
// carry only the role name and the issue description.
func NewStepDecomposer(workflow config.WorkflowConfig, agents map[string]config.AgentConfig) *StepDecomposer {
	return &StepDecomposer{Workflow: workflow, Agents: agents}
}

// Analyze builds the linear chain. Task IDs are "issue-<n>-step-<i>"; the
// first step has no dependencies, every later step depends solely on its
// immediate predecessor (the teacher's workflow steps are always linear,
// never branching).
func (s *StepDecomposer) Analyze(_ context.Context, issueNumber int, description string) (*DAG, error) {
	return DecomposeSteps(issueNumber, description, s.Workflow)
}

// DecomposeSteps builds a linear-chain DAG from workflow for the given
// issue. It performs no I/O and no LLM call, so it is safe to use as a test
// fixture or as the default analyzer when no smarter one is configured.
func DecomposeSteps(issueNumber int, description string, workflow config.WorkflowConfig) (*DAG, error) {
	if len(workflow.Steps) == 0 {
		return nil, fmt.Errorf("workflow has no steps to decompose issue #%d into", issueNumber)
	}

	dag := NewDAG()
	var previousID string

	for i, step := range workflow.Steps {
		taskID := fmt.Sprintf("issue-%d-step-%d", issueNumber, i)

		var dependsOn []string
		if previousID != "" {
			dependsOn = []string{previousID}
		}

		task := &Task{
			ID:          taskID,
			Name:        fmt.Sprintf("issue #%d: %s", issueNumber, step.Agent),
			AgentRole:   step.Agent,
			Prompt:      stepPrompt(issueNumber, description, step.Agent, i, len(workflow.Steps)),
			DependsOn:   dependsOn,
			Status:      TaskPending,
			FailureMode: defaultFailureMode(step.Agent),
		}

		if err := dag.AddTask(task); err != nil {
			return nil, fmt.Errorf("decomposing issue #%d: %w", issueNumber, err)
		}
		previousID = taskID
	}

	if _, err := dag.Validate(); err != nil {
		return nil, fmt.Errorf("decomposed DAG for issue #%d is invalid: %w", issueNumber, err)
	}

	return dag, nil
}

func stepPrompt(issueNumber int, description, agentRole string, index, total int) string {
	return fmt.Sprintf("Issue #%d (step %d/%d, role %q):\n%s", issueNumber, index+1, total, agentRole, description)
}

// defaultFailureMode mirrors the teacher's WorkflowManager.determineFailureMode
// heuristic: test steps are load-bearing (FailHard), everything else is
// allowed to proceed past a failure (FailSoft).
func defaultFailureMode(agentRole string) FailureMode {
	if agentRole == "tester" || agentRole == "test" {
		return FailHard
	}
	return FailSoft
}
