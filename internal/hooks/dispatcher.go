// Package hooks implements spec.md §4.8's fire-and-forget external
// notifier: a hook name maps to a script under .claude/hooks/, invoked as a
// subprocess with event parameters passed as environment variables.
//
// Grounded directly on
// original_source/crates/miyabi-orchestrator/src/hooks.rs's call_hook:
// missing scripts are silently skipped, failures are logged but never
// propagate, and the call never blocks the caller (cmd.Start(), not
// cmd.Run()). Translated from the original's four hardcoded hook names
// (orchestrator-event, circuit-breaker-event, dynamic-scaling-event,
// feedback-loop-event) into a single generic Dispatch(hookName, eventType,
// params) plus thin named wrappers, since spec.md names hooks by event
// kind rather than by a fixed enum of four categories.
package hooks

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/taskforge/orchestrator/internal/backend"
)

// Dispatcher fires hook scripts in the background. Safe for concurrent use.
type Dispatcher struct {
	hooksDir string
	procs    *backend.ProcessManager
}

// NewDispatcher builds a Dispatcher rooted at hooksDir (typically
// "<repo>/.claude/hooks"). procs may be nil if the caller doesn't need
// hook subprocesses tracked for shutdown.
func NewDispatcher(hooksDir string, procs *backend.ProcessManager) *Dispatcher {
	return &Dispatcher{hooksDir: hooksDir, procs: procs}
}

// Dispatch invokes hookName's script, if present, passing eventType under
// envVar and every entry of params as additional environment variables.
// Never blocks the caller and never returns an error to it; failures and
// missing scripts are logged (missing scripts at a lower level, since
// that's an expected, common case rather than a fault).
func (d *Dispatcher) Dispatch(hookName, envVar, eventType string, params map[string]string) {
	scriptPath := filepath.Join(d.hooksDir, hookName+".sh")

	if _, err := os.Stat(scriptPath); err != nil {
		log.Printf("DEBUG: hook %q script not found at %q, skipping", hookName, scriptPath)
		return
	}

	cmd := exec.Command(scriptPath)
	cmd.Env = append(os.Environ(), envVar+"="+eventType)
	for k, v := range params {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		log.Printf("WARNING: failed to start hook %q (event %q): %v", hookName, eventType, err)
		return
	}

	if d.procs != nil {
		d.procs.Track(cmd)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("WARNING: hook %q (event %q) failed: %v", hookName, eventType, err)
		}
		if d.procs != nil {
			d.procs.Untrack(cmd)
		}
	}()
}

// Orchestrator event hook names and env var, matching the original's
// four-category split (kept as convenience wrappers, not the only path:
// callers may also call Dispatch directly with a hook name spec.md doesn't
// name yet).
const (
	hookOrchestratorEvent = "orchestrator-event"
	hookCircuitBreaker    = "circuit-breaker-event"
	hookDynamicScaling    = "dynamic-scaling-event"
	hookFeedbackLoop      = "feedback-loop-event"

	envOrchestratorEvent = "ORCHESTRATOR_EVENT_TYPE"
	envCircuitBreaker    = "CB_EVENT_TYPE"
	envDynamicScaling    = "SCALING_EVENT_TYPE"
	envFeedbackLoop      = "LOOP_EVENT_TYPE"
)

// NotifyOrchestratorEvent fires the orchestrator-event hook (five-worlds
// execution, worktree spawn, winner selection, cost tracking).
func (d *Dispatcher) NotifyOrchestratorEvent(eventType string, params map[string]string) {
	d.Dispatch(hookOrchestratorEvent, envOrchestratorEvent, eventType, params)
}

// NotifyCircuitBreakerEvent fires the circuit-breaker-event hook.
func (d *Dispatcher) NotifyCircuitBreakerEvent(eventType string, params map[string]string) {
	d.Dispatch(hookCircuitBreaker, envCircuitBreaker, eventType, params)
}

// NotifyScalingEvent fires the dynamic-scaling-event hook.
func (d *Dispatcher) NotifyScalingEvent(eventType string, params map[string]string) {
	d.Dispatch(hookDynamicScaling, envDynamicScaling, eventType, params)
}

// NotifyLoopEvent fires the feedback-loop-event hook.
func (d *Dispatcher) NotifyLoopEvent(eventType string, params map[string]string) {
	d.Dispatch(hookFeedbackLoop, envFeedbackLoop, eventType, params)
}
