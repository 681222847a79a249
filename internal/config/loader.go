package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix is the environment-variable namespace for spec.md §6.5's
// configuration overrides (e.g. ORCHESTRATOR_SCHEDULER_MAX_CONCURRENCY).
const envPrefix = "ORCHESTRATOR"

// Load reads and merges configuration from global and project paths, then
// layers ORCHESTRATOR_*-prefixed environment variables on top via viper's
// AutomaticEnv (the config library used by quorum-ai and divinesense in the
// examples pack) instead of hand-rolled env parsing.
//
// Order of precedence (highest to lowest): environment variables, project
// config, global config, defaults. Missing files are not errors; malformed
// JSON returns an error.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence among files)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides layers ORCHESTRATOR_*-prefixed environment variables
// onto the flat tuning sections (scheduler/executor/feedback/worktree/
// breaker). The Providers/Agents/Workflows maps are left to file-based
// config only, since env vars have no natural way to name an arbitrary map
// key.
func applyEnvOverrides(cfg *OrchestratorConfig) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	bindFloat := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}
	bindBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	bindString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	bindUint32 := func(key string, dst *uint32) {
		if v.IsSet(key) {
			*dst = uint32(v.GetUint(key))
		}
	}

	bindInt("scheduler.max_concurrency", &cfg.Scheduler.MaxConcurrency)
	bindBool("scheduler.dynamic_scaling_enabled", &cfg.Scheduler.DynamicScalingEnabled)

	bindInt("executor.num_worlds", &cfg.Executor.NumWorlds)
	bindFloat("executor.success_threshold", &cfg.Executor.SuccessThreshold)
	bindInt("executor.timeout_seconds", &cfg.Executor.TimeoutSeconds)

	bindInt("feedback.max_iterations", &cfg.Feedback.MaxIterations)
	bindFloat("feedback.convergence_threshold", &cfg.Feedback.ConvergenceThreshold)
	bindInt("feedback.min_iterations_before_convergence", &cfg.Feedback.MinIterationsBeforeConvergence)
	bindBool("feedback.auto_refinement_enabled", &cfg.Feedback.AutoRefinementEnabled)
	bindInt("feedback.iteration_timeout_seconds", &cfg.Feedback.IterationTimeoutSeconds)
	bindInt("feedback.max_retries", &cfg.Feedback.MaxRetries)
	bindInt("feedback.iteration_delay_seconds", &cfg.Feedback.IterationDelaySeconds)
	bindInt("feedback.scaling_min_limit", &cfg.Feedback.ScalingMinLimit)
	bindInt("feedback.scaling_max_limit", &cfg.Feedback.ScalingMaxLimit)
	bindFloat("feedback.scaling_low_memory_pct", &cfg.Feedback.ScalingLowMemoryPct)
	bindFloat("feedback.scaling_high_memory_pct", &cfg.Feedback.ScalingHighMemoryPct)
	bindInt("feedback.scaling_low_queue_depth", &cfg.Feedback.ScalingLowQueueDepth)
	bindInt("feedback.scaling_high_queue_depth", &cfg.Feedback.ScalingHighQueueDepth)
	bindInt("feedback.scaling_cooldown_seconds", &cfg.Feedback.ScalingCooldownSeconds)

	bindString("worktree.base_dir", &cfg.Worktree.BaseDir)
	bindInt("worktree.max_concurrent_ops", &cfg.Worktree.MaxConcurrentOps)
	bindInt("worktree.idle_threshold_seconds", &cfg.Worktree.IdleThresholdSeconds)
	bindInt("worktree.orphaned_threshold_seconds", &cfg.Worktree.OrphanedThresholdSeconds)

	bindUint32("breaker.failure_threshold", &cfg.Breaker.FailureThreshold)
	bindInt("breaker.reset_timeout_seconds", &cfg.Breaker.ResetTimeoutSeconds)
	bindUint32("breaker.half_open_trial", &cfg.Breaker.HalfOpenTrial)
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.orchestrator/config.json
// Project: .orchestrator/config.json (relative to cwd)
func LoadDefault() (*OrchestratorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".orchestrator", "config.json")
	projectPath := filepath.Join(".orchestrator", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Parse JSON
	var loaded OrchestratorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Merge providers
	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}

	// Merge agents
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}

	// Merge workflows
	for key, workflow := range loaded.Workflows {
		base.Workflows[key] = workflow
	}

	// The flat tuning sections (scheduler/executor/feedback/worktree/
	// breaker) replace the base section wholesale when present, since
	// (unlike the maps above) there's no meaningful per-field merge for a
	// struct whose zero value ("not set") is indistinguishable from an
	// intentional zero. Presence is detected via raw JSON, not the
	// unmarshaled zero value.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if _, ok := raw["scheduler"]; ok {
		base.Scheduler = loaded.Scheduler
	}
	if _, ok := raw["executor"]; ok {
		base.Executor = loaded.Executor
	}
	if _, ok := raw["feedback"]; ok {
		base.Feedback = loaded.Feedback
	}
	if _, ok := raw["worktree"]; ok {
		base.Worktree = loaded.Worktree
	}
	if _, ok := raw["breaker"]; ok {
		base.Breaker = loaded.Breaker
	}

	return nil
}
