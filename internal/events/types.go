package events

import (
	"encoding/json"
	"time"
)

// Priority classes from spec.md §4.7. Higher survives backpressure first.
const (
	PriorityAuth      = 100 // auth/ping
	PriorityLifecycle = 75  // agent/workflow/breaker lifecycle transitions
	PriorityDefault   = 50  // task updates, scaling, loop iteration bookkeeping
	PriorityProgress  = 25  // progress ticks, low-level logs
)

// Event is the base interface for all events. Priority determines which
// events survive a full subscriber buffer (see bus.go).
type Event interface {
	EventType() string
	TaskID() string
	Priority() int
}

// Topic constants
const (
	TopicTask     = "task"
	TopicDAG      = "dag"
	TopicAgent    = "agent"
	TopicWorkflow = "workflow"
	TopicBreaker  = "breaker"
	TopicScaling  = "scaling"
	TopicLoop     = "loop"
	TopicSystem   = "system"
)

// Event type constants (snake_case discriminators per spec.md §6.3).
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskMerged    = "task.merged"
	EventTypeTaskUpdated   = "task.updated"
	EventTypeDAGProgress   = "dag.progress"

	EventTypeAgentStarted   = "agent.started"
	EventTypeAgentProgress  = "agent.progress"
	EventTypeAgentCompleted = "agent.completed"
	EventTypeAgentFailed    = "agent.failed"

	EventTypeWorkflowStarted   = "workflow.started"
	EventTypeWorkflowCompleted = "workflow.completed"

	EventTypeBreakerOpen     = "breaker.open"
	EventTypeBreakerClosed   = "breaker.closed"
	EventTypeBreakerHalfOpen = "breaker.half_open"

	EventTypeScaleUp   = "scale.up"
	EventTypeScaleDown = "scale.down"

	EventTypeIterationStart      = "iteration.start"
	EventTypeIterationSuccess    = "iteration.success"
	EventTypeIterationFailure    = "iteration.failure"
	EventTypeConvergenceDetected = "convergence.detected"
	EventTypeLoopComplete        = "loop.complete"

	EventTypeHeartbeat = "system.heartbeat"
)

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID        string
	Name      string
	AgentRole string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }
func (e TaskStartedEvent) Priority() int     { return PriorityLifecycle }

// TaskOutputEvent is published when a task produces output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }
func (e TaskOutputEvent) Priority() int     { return PriorityProgress }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }
func (e TaskCompletedEvent) Priority() int     { return PriorityLifecycle }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }
func (e TaskFailedEvent) Priority() int     { return PriorityLifecycle }

// TaskMergedEvent is published when a task's worktree is merged.
type TaskMergedEvent struct {
	ID            string
	Merged        bool
	ConflictFiles []string
	Timestamp     time.Time
}

func (e TaskMergedEvent) EventType() string { return EventTypeTaskMerged }
func (e TaskMergedEvent) TaskID() string    { return e.ID }
func (e TaskMergedEvent) Priority() int     { return PriorityLifecycle }

// TaskUpdatedEvent is published on any other task field change (status,
// priority reassignment, etc.) not covered by a more specific event.
type TaskUpdatedEvent struct {
	ID        string
	Status    string
	Timestamp time.Time
}

func (e TaskUpdatedEvent) EventType() string { return EventTypeTaskUpdated }
func (e TaskUpdatedEvent) TaskID() string    { return e.ID }
func (e TaskUpdatedEvent) Priority() int     { return PriorityDefault }

// DAGProgressEvent is published when DAG progress changes.
type DAGProgressEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e DAGProgressEvent) EventType() string { return EventTypeDAGProgress }
func (e DAGProgressEvent) TaskID() string    { return "" }
func (e DAGProgressEvent) Priority() int     { return PriorityProgress }

// AgentStartedEvent is published when a world's backend invocation begins.
type AgentStartedEvent struct {
	ID        string
	WorldID   int
	AgentRole string
	Timestamp time.Time
}

func (e AgentStartedEvent) EventType() string { return EventTypeAgentStarted }
func (e AgentStartedEvent) TaskID() string    { return e.ID }
func (e AgentStartedEvent) Priority() int     { return PriorityLifecycle }

// AgentProgressEvent carries a percent-complete update. Percent is clamped
// to [0, 100] by NewAgentProgressEvent per spec.md §4.7.
type AgentProgressEvent struct {
	ID        string
	WorldID   int
	Percent   int
	Message   string
	Timestamp time.Time
}

// NewAgentProgressEvent clamps percent into [0, 100] before constructing
// the event, since percent values arrive from free-form agent stdout.
func NewAgentProgressEvent(id string, worldID int, percent int, message string, ts time.Time) AgentProgressEvent {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return AgentProgressEvent{ID: id, WorldID: worldID, Percent: percent, Message: message, Timestamp: ts}
}

func (e AgentProgressEvent) EventType() string { return EventTypeAgentProgress }
func (e AgentProgressEvent) TaskID() string    { return e.ID }
func (e AgentProgressEvent) Priority() int     { return PriorityProgress }

// AgentCompletedEvent is published when a world's backend invocation
// succeeds.
type AgentCompletedEvent struct {
	ID        string
	WorldID   int
	Result    string
	Timestamp time.Time
}

func (e AgentCompletedEvent) EventType() string { return EventTypeAgentCompleted }
func (e AgentCompletedEvent) TaskID() string    { return e.ID }
func (e AgentCompletedEvent) Priority() int     { return PriorityLifecycle }

// AgentFailedEvent is published when a world's backend invocation fails.
type AgentFailedEvent struct {
	ID        string
	WorldID   int
	Reason    string
	Timestamp time.Time
}

func (e AgentFailedEvent) EventType() string { return EventTypeAgentFailed }
func (e AgentFailedEvent) TaskID() string    { return e.ID }
func (e AgentFailedEvent) Priority() int     { return PriorityLifecycle }

// WorkflowStartedEvent is published when an Issue's DAG begins scheduling.
type WorkflowStartedEvent struct {
	IssueNumber int
	Timestamp   time.Time
}

func (e WorkflowStartedEvent) EventType() string { return EventTypeWorkflowStarted }
func (e WorkflowStartedEvent) TaskID() string    { return "" }
func (e WorkflowStartedEvent) Priority() int     { return PriorityLifecycle }

// WorkflowCompletedEvent is published when the DAG finishes (success or
// abort).
type WorkflowCompletedEvent struct {
	IssueNumber int
	Success     bool
	Timestamp   time.Time
}

func (e WorkflowCompletedEvent) EventType() string { return EventTypeWorkflowCompleted }
func (e WorkflowCompletedEvent) TaskID() string    { return "" }
func (e WorkflowCompletedEvent) Priority() int     { return PriorityLifecycle }

// BreakerStateEvent covers the three breaker transition events
// (Open/Closed/HalfOpen); EventType is set at construction.
type BreakerStateEvent struct {
	Name      string
	Kind      string // EventTypeBreakerOpen | Closed | HalfOpen
	Timestamp time.Time
}

func (e BreakerStateEvent) EventType() string { return e.Kind }
func (e BreakerStateEvent) TaskID() string    { return "" }
func (e BreakerStateEvent) Priority() int     { return PriorityLifecycle }

// ScaleEvent covers ScaleUp/ScaleDown.
type ScaleEvent struct {
	Kind      string // EventTypeScaleUp | EventTypeScaleDown
	OldLimit  int
	NewLimit  int
	Timestamp time.Time
}

func (e ScaleEvent) EventType() string { return e.Kind }
func (e ScaleEvent) TaskID() string    { return "" }
func (e ScaleEvent) Priority() int     { return PriorityDefault }

// IterationEvent covers IterationStart/Success/Failure.
type IterationEvent struct {
	GoalID    string
	Iteration int
	Kind      string // EventTypeIterationStart | Success | Failure
	Score     float64
	Reason    string
	Timestamp time.Time
}

func (e IterationEvent) EventType() string { return e.Kind }
func (e IterationEvent) TaskID() string    { return "" }
func (e IterationEvent) Priority() int     { return PriorityDefault }

// ConvergenceDetectedEvent is published when a feedback loop converges.
type ConvergenceDetectedEvent struct {
	GoalID    string
	Iteration int
	Timestamp time.Time
}

func (e ConvergenceDetectedEvent) EventType() string { return EventTypeConvergenceDetected }
func (e ConvergenceDetectedEvent) TaskID() string    { return "" }
func (e ConvergenceDetectedEvent) Priority() int     { return PriorityDefault }

// LoopCompleteEvent is published once a feedback loop reaches any terminal
// status.
type LoopCompleteEvent struct {
	GoalID    string
	Status    string
	Timestamp time.Time
}

func (e LoopCompleteEvent) EventType() string { return EventTypeLoopComplete }
func (e LoopCompleteEvent) TaskID() string    { return "" }
func (e LoopCompleteEvent) Priority() int     { return PriorityDefault }

// HeartbeatEvent is a liveness ping; highest priority so it survives
// backpressure ahead of everything else.
type HeartbeatEvent struct {
	Timestamp time.Time
}

func (e HeartbeatEvent) EventType() string { return EventTypeHeartbeat }
func (e HeartbeatEvent) TaskID() string    { return "" }
func (e HeartbeatEvent) Priority() int     { return PriorityAuth }

// envelope is the wire shape from spec.md §6.3: a type discriminator plus a
// payload object.
type envelope struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

// Marshal serializes an Event to its JSON wire envelope.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(envelope{Type: e.EventType(), Payload: e})
}
