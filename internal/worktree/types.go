package worktree

import "time"

// Status classifies a worktree's lifecycle state. Recomputed on every
// List/Cleanup call per spec.md §4.2 rather than stored as a trusted value.
type Status int

const (
	StatusCreating Status = iota
	StatusActive
	StatusIdle
	StatusOrphaned
	StatusStuck
	StatusRemoving
)

func (s Status) String() string {
	switch s {
	case StatusCreating:
		return "creating"
	case StatusActive:
		return "active"
	case StatusIdle:
		return "idle"
	case StatusOrphaned:
		return "orphaned"
	case StatusStuck:
		return "stuck"
	case StatusRemoving:
		return "removing"
	default:
		return "unknown"
	}
}

// WorktreeState is the durable, lifecycle-aware record for a single
// worktree. Unlike the teacher's WorktreeInfo (path/branch/task/head only),
// this tracks enough to classify Status without consulting git on every
// call and to drive the cleanup sweep's age-based thresholds.
type WorktreeState struct {
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	IssueNumber  int       `json:"issue_number"`
	Head         string    `json:"head"`
	Status       Status    `json:"status"`
	SessionID    string    `json:"session_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	DiskUsageKB  int64     `json:"disk_usage_kb,omitempty"`
	GitStatus    GitStatus `json:"git_status"`
}

// GitStatus is a worktree's working-tree state as of the last List/Cleanup
// scan, the Go equivalent of original_source's GitStatusInfo
// (miyabi-desktop/src-tauri/src/worktree.rs) -- there it's left
// hardcoded to zero values with "TODO: Get from git status" comments;
// here it's populated from `git status --porcelain=v1` on every List call.
type GitStatus struct {
	Modified  int    `json:"modified"`
	Untracked int    `json:"untracked"`
	Staged    int    `json:"staged"`
	Commit    string `json:"commit"`
}

// CleanupPolicy configures a Cleanup sweep. MaxWorktrees of nil means
// unbounded (no max-trim phase).
type CleanupPolicy struct {
	DeleteOnCompletion  bool
	DeleteOrphanedAfter time.Duration
	DeleteIdleAfter     time.Duration
	MaxWorktrees        *int
}

// DefaultCleanupPolicy mirrors original_source's
// WorktreeCleanupPolicy::default (miyabi-worktree/src/cleanup.rs).
func DefaultCleanupPolicy() CleanupPolicy {
	max := 10
	return CleanupPolicy{
		DeleteOnCompletion:  true,
		DeleteOrphanedAfter: 24 * time.Hour,
		DeleteIdleAfter:     7 * 24 * time.Hour,
		MaxWorktrees:        &max,
	}
}

// CleanupReport records the outcome of one sweep. Errors on a single tree
// never abort the sweep; they are recorded here instead (spec.md §4.2).
type CleanupReport struct {
	RemovedOrphaned []string
	RemovedStuck    []string
	RemovedIdle     []string
	RemovedExcess   []string
	Errors          map[string]error
}

func newCleanupReport() *CleanupReport {
	return &CleanupReport{Errors: make(map[string]error)}
}

// TotalRemoved is the count of worktrees removed across all sweep phases.
func (r *CleanupReport) TotalRemoved() int {
	return len(r.RemovedOrphaned) + len(r.RemovedStuck) + len(r.RemovedIdle) + len(r.RemovedExcess)
}

// MergeStrategy defines how to merge a worktree branch back to the base branch
type MergeStrategy int

const (
	// MergeOrt uses the default ort strategy (Ostensibly Recursive's Twin)
	MergeOrt MergeStrategy = iota
	// MergeOurs uses the ours strategy (always favor our changes)
	MergeOurs
	// MergeTheirs uses ort with the theirs option (favor their changes in conflicts)
	MergeTheirs
)

// String returns the git merge strategy name
func (s MergeStrategy) String() string {
	switch s {
	case MergeOrt:
		return "ort"
	case MergeOurs:
		return "ours"
	case MergeTheirs:
		return "theirs"
	default:
		return "ort"
	}
}

// MergeResult represents the outcome of a merge operation
type MergeResult struct {
	Merged        bool     // True if merge succeeded
	ConflictFiles []string // List of files with conflicts (if any)
	Error         error    // Error if merge failed
}

// WorktreeManagerConfig configures the worktree manager
type WorktreeManagerConfig struct {
	RepoPath        string        // Absolute path to the git repository
	BaseBranch      string        // Base branch to branch from (e.g., "main")
	WorktreeDir     string        // Directory under repo for worktrees (default ".worktrees")
	DefaultStrategy MergeStrategy // Default merge strategy
	MaxConcurrency  int64         // Concurrent worktree limit (0 means use DefaultMaxConcurrency)
	IdleThreshold   time.Duration // Active -> Idle threshold (default 7 days)
}

// DefaultMaxConcurrency is used when WorktreeManagerConfig.MaxConcurrency <= 0.
const DefaultMaxConcurrency = 5

// DefaultIdleThreshold is used when WorktreeManagerConfig.IdleThreshold <= 0.
const DefaultIdleThreshold = 7 * 24 * time.Hour
