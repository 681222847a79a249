package feedback

import (
	"context"
	"fmt"
)

// GoalRefiner implements spec.md §4.6.2's auto-refinement: when enabled and
// the latest iteration regresses, the controller asks the refiner to mutate
// the goal before the next attempt. The refined goal supersedes the
// previous one; an empty return leaves the goal unchanged.
type GoalRefiner interface {
	Refine(ctx context.Context, currentGoal string, convergenceMetrics []float64) (refinedGoal string, err error)
}

// NoopRefiner implements GoalRefiner by always leaving the goal unchanged;
// useful as a default when AutoRefinementEnabled is false but a non-nil
// refiner is still wanted by a caller's wiring.
type NoopRefiner struct{}

func (NoopRefiner) Refine(ctx context.Context, currentGoal string, convergenceMetrics []float64) (string, error) {
	return currentGoal, nil
}

// AgentRefiner delegates refinement to an external agent invocation (the
// same agent-run subprocess contract as any other backend call, per
// spec.md §6.1), via an injected callback so this package stays free of a
// direct internal/backend dependency.
type AgentRefiner struct {
	Invoke func(ctx context.Context, prompt string) (string, error)
}

func (r AgentRefiner) Refine(ctx context.Context, currentGoal string, convergenceMetrics []float64) (string, error) {
	if r.Invoke == nil {
		return currentGoal, nil
	}
	prompt := refinementPrompt(currentGoal, convergenceMetrics)
	return r.Invoke(ctx, prompt)
}

func refinementPrompt(goal string, metrics []float64) string {
	last := 0.0
	if len(metrics) > 0 {
		last = metrics[len(metrics)-1]
	}
	return fmt.Sprintf("The following goal scored %.1f/100 on the last iteration and did not"+
		" improve. Refine it to address the likely shortfall while preserving its original"+
		" intent:\n\n%s", last, goal)
}
