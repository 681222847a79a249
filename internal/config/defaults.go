package config

// DefaultConfig returns the default configuration with built-in providers, agents, and workflows.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Agents: map[string]AgentConfig{
			"orchestrator": {
				Provider:     "claude",
				SystemPrompt: "You coordinate task planning and agent workflows.",
			},
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"tester": {
				Provider:     "claude",
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
		},
		Workflows: map[string]WorkflowConfig{
			"standard": {
				Steps: []WorkflowStepConfig{
					{Agent: "coder"},
					{Agent: "reviewer"},
					{Agent: "tester"},
				},
			},
		},

		Scheduler: SchedulerConfig{
			MaxConcurrency:        4,
			DynamicScalingEnabled: false,
		},
		Executor: ExecutorConfig{
			NumWorlds:        5,
			SuccessThreshold: 0.8,
			TimeoutSeconds:   600,
		},
		Feedback: FeedbackConfig{
			MaxIterations:                  0,
			ConvergenceThreshold:           5.0,
			MinIterationsBeforeConvergence: 3,
			AutoRefinementEnabled:          false,
			IterationTimeoutSeconds:        300,
			MaxRetries:                     3,
			IterationDelaySeconds:          1,
			ScalingMinLimit:                1,
			ScalingMaxLimit:                8,
			ScalingLowMemoryPct:            50,
			ScalingHighMemoryPct:           85,
			ScalingLowQueueDepth:           2,
			ScalingHighQueueDepth:          10,
			ScalingCooldownSeconds:         30,
		},
		Worktree: WorktreeConfig{
			BaseDir:                  ".worktrees",
			MaxConcurrentOps:         4,
			IdleThresholdSeconds:     1800,
			OrphanedThresholdSeconds: 86400,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			ResetTimeoutSeconds: 30,
			HalfOpenTrial:       1,
		},
	}
}
