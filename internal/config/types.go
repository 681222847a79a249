package config

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`          // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty"`   // Default args appended to every invocation
	Type    string   `json:"type"`             // Backend type matching backend.Config.Type: "claude", "codex", "goose"
}

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider     string   `json:"provider"`               // Key into Providers map
	Model        string   `json:"model,omitempty"`        // Model override (e.g., "opus-4", "gpt-4.1")
	SystemPrompt string   `json:"system_prompt,omitempty"` // Role-specific system prompt
	Tools        []string `json:"tools,omitempty"`         // Allowed tools for this role
}

// WorkflowStepConfig defines one step in a workflow pipeline.
type WorkflowStepConfig struct {
	Agent string `json:"agent"` // Key into Agents map
}

// WorkflowConfig defines a pipeline of agent steps (e.g., code -> review -> test).
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `json:"steps"`
}

// SchedulerConfig tunes internal/scheduler's level-parallel driver.
type SchedulerConfig struct {
	MaxConcurrency        int  `json:"max_concurrency" mapstructure:"max_concurrency"`
	DynamicScalingEnabled bool `json:"dynamic_scaling_enabled" mapstructure:"dynamic_scaling_enabled"`
}

// ExecutorConfig tunes internal/fiveworlds.Execute.
type ExecutorConfig struct {
	NumWorlds        int     `json:"num_worlds" mapstructure:"num_worlds"`
	SuccessThreshold float64 `json:"success_threshold" mapstructure:"success_threshold"`
	TimeoutSeconds   int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// FeedbackConfig tunes internal/feedback's Controller and ScalingController.
type FeedbackConfig struct {
	MaxIterations                  int     `json:"max_iterations" mapstructure:"max_iterations"` // 0 = unlimited
	ConvergenceThreshold            float64 `json:"convergence_threshold" mapstructure:"convergence_threshold"`
	MinIterationsBeforeConvergence  int     `json:"min_iterations_before_convergence" mapstructure:"min_iterations_before_convergence"`
	AutoRefinementEnabled           bool    `json:"auto_refinement_enabled" mapstructure:"auto_refinement_enabled"`
	IterationTimeoutSeconds         int     `json:"iteration_timeout_seconds" mapstructure:"iteration_timeout_seconds"`
	MaxRetries                      int     `json:"max_retries" mapstructure:"max_retries"`
	IterationDelaySeconds           int     `json:"iteration_delay_seconds" mapstructure:"iteration_delay_seconds"`
	ScalingMinLimit                 int     `json:"scaling_min_limit" mapstructure:"scaling_min_limit"`
	ScalingMaxLimit                 int     `json:"scaling_max_limit" mapstructure:"scaling_max_limit"` // not read: the loop command caps scaling at Scheduler.MaxConcurrency
	ScalingLowMemoryPct             float64 `json:"scaling_low_memory_pct" mapstructure:"scaling_low_memory_pct"`
	ScalingHighMemoryPct            float64 `json:"scaling_high_memory_pct" mapstructure:"scaling_high_memory_pct"`
	ScalingLowQueueDepth            int     `json:"scaling_low_queue_depth" mapstructure:"scaling_low_queue_depth"`
	ScalingHighQueueDepth           int     `json:"scaling_high_queue_depth" mapstructure:"scaling_high_queue_depth"`
	ScalingCooldownSeconds          int     `json:"scaling_cooldown_seconds" mapstructure:"scaling_cooldown_seconds"`
}

// WorktreeConfig tunes internal/worktree's Manager. IdleThresholdSeconds and
// OrphanedThresholdSeconds are loaded but not read: the cleanup command
// sweeps with worktree.DefaultCleanupPolicy().
type WorktreeConfig struct {
	BaseDir                  string `json:"base_dir" mapstructure:"base_dir"`
	MaxConcurrentOps         int    `json:"max_concurrent_ops" mapstructure:"max_concurrent_ops"`
	IdleThresholdSeconds     int    `json:"idle_threshold_seconds" mapstructure:"idle_threshold_seconds"`
	OrphanedThresholdSeconds int    `json:"orphaned_threshold_seconds" mapstructure:"orphaned_threshold_seconds"`
}

// BreakerConfig tunes internal/breaker.Registry, configurable per spec.md
// §6.5 instead of the teacher's hardcoded 5 failures / 30s.
type BreakerConfig struct {
	FailureThreshold    uint32 `json:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSeconds int    `json:"reset_timeout_seconds" mapstructure:"reset_timeout_seconds"`
	HalfOpenTrial       uint32 `json:"half_open_trial" mapstructure:"half_open_trial"`
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Workflows map[string]WorkflowConfig `json:"workflows"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Feedback  FeedbackConfig  `json:"feedback"`
	Worktree  WorktreeConfig  `json:"worktree"`
	Breaker   BreakerConfig   `json:"breaker"`
}
