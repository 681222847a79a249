package worktree

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var suffixPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// BranchName builds the conventional branch name for an issue: "issue-<n>",
// or "issue-<n>-<suffix>" when suffix is non-empty. suffix must be
// kebab-case ASCII (lowercase letters, digits, single hyphens) and at most
// 30 characters; spec.md §4.2 requires this validated before use.
func BranchName(issueNumber int, suffix string) (string, error) {
	base := fmt.Sprintf("issue-%d", issueNumber)
	if suffix == "" {
		return base, nil
	}
	if len(suffix) > 30 {
		return "", fmt.Errorf("%w: suffix %q exceeds 30 characters", ErrInvalidBranchName, suffix)
	}
	if !suffixPattern.MatchString(suffix) {
		return "", fmt.Errorf("%w: suffix %q must be kebab-case ASCII (lowercase, digits, hyphens)", ErrInvalidBranchName, suffix)
	}
	return base + "-" + suffix, nil
}

// WorktreeManager manages git worktrees for parallel task execution. It
// keeps the teacher's git-as-black-box approach (shelling out to "git
// worktree ...") but adds the lifecycle state, concurrency gate, and
// issue-based branch convention spec.md §4.2 requires.
type WorktreeManager struct {
	config  WorktreeManagerConfig
	states  *StateStore
	mergeMu sync.Mutex // Serializes merge operations to prevent git lock conflicts
	sem     *semaphore.Weighted
}

// NewWorktreeManager creates a new worktree manager backed by states for
// lifecycle persistence.
func NewWorktreeManager(cfg WorktreeManagerConfig, states *StateStore) *WorktreeManager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	return &WorktreeManager{
		config: cfg,
		states: states,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
	}
}

// Create creates a new worktree for issueNumber, checked out onto
// "issue-<n>[-suffix]". Idempotent on (issueNumber, suffix) -- the
// DATA MODEL's "at most one Active state per (issue, attempt)" invariant,
// with suffix standing in for "attempt": a repeated call with the same
// suffix returns the existing Active state unchanged, but distinct
// suffixes for the same issueNumber each get their own worktree, which is
// what lets the Five-Worlds Executor hold N concurrent worktrees for a
// single issue. Fails with ErrConcurrencyExceeded if the active count is
// already at the configured limit, ErrBranchExists if the branch is taken
// by an incompatible worktree.
func (m *WorktreeManager) Create(issueNumber int, suffix string) (*WorktreeState, error) {
	branch, err := BranchName(issueNumber, suffix)
	if err != nil {
		return nil, err
	}

	if existing, err := m.findActiveByBranch(branch); err == nil && existing != nil {
		return existing, nil
	}

	if taken, err := m.branchTakenByOther(branch, issueNumber); err != nil {
		return nil, err
	} else if taken {
		return nil, fmt.Errorf("%w: %q", ErrBranchExists, branch)
	}

	if !m.sem.TryAcquire(1) {
		return nil, ErrConcurrencyExceeded
	}
	// The permit stays held until Remove/Cleanup/ForceCleanup releases it;
	// only the failure paths below release early.

	wtPath := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, branch)

	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, m.config.BaseBranch)
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, string(output))
	}

	headCmd := exec.Command("git", "rev-parse", "HEAD")
	headCmd.Dir = wtPath
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, string(headOutput))
	}

	now := time.Now()
	state := &WorktreeState{
		Path:         wtPath,
		Branch:       branch,
		IssueNumber:  issueNumber,
		Head:         strings.TrimSpace(string(headOutput)),
		Status:       StatusActive,
		CreatedAt:    now,
		LastAccessed: now,
	}

	if err := m.states.Save(state); err != nil {
		// Worktree exists on disk but its state file failed to persist;
		// surface the error and leave the worktree and its permit in place.
		// With no state file, List and RunCleanup do not see it.
		return nil, fmt.Errorf("worktree created but state persist failed: %w", err)
	}

	return state, nil
}

func (m *WorktreeManager) findActiveByBranch(branch string) (*WorktreeState, error) {
	states, err := m.states.List()
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		if s.Branch == branch && s.Status != StatusRemoving {
			return s, nil
		}
	}
	return nil, nil
}

func (m *WorktreeManager) branchTakenByOther(branch string, issueNumber int) (bool, error) {
	states, err := m.states.List()
	if err != nil {
		return false, err
	}
	for _, s := range states {
		if s.Branch == branch && s.IssueNumber != issueNumber {
			return true, nil
		}
	}
	return false, nil
}

// Merge merges the worktree branch back to the base branch
func (m *WorktreeManager) Merge(state *WorktreeState, strategy MergeStrategy) (*MergeResult, error) {
	// Serialize merge operations to prevent concurrent git operations on the main repo
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	// First, checkout base branch to ensure we're merging into the right place
	checkoutCmd := exec.Command("git", "checkout", m.config.BaseBranch)
	checkoutCmd.Dir = m.config.RepoPath
	if checkoutOutput, err := checkoutCmd.CombinedOutput(); err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("failed to checkout base branch: %w (output: %s)", err, string(checkoutOutput)),
		}, nil
	}

	// Detect conflicts using merge-tree (dry-run merge)
	detectCmd := exec.Command("git", "merge-tree", "--write-tree", m.config.BaseBranch, state.Branch)
	detectCmd.Dir = m.config.RepoPath
	detectOutput, err := detectCmd.CombinedOutput()
	if err != nil {
		// Non-zero exit indicates conflicts
		result := &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge conflict detected: %s", string(detectOutput)),
		}
		// Try to parse conflict files from output
		result.ConflictFiles = parseConflictFiles(string(detectOutput))
		return result, nil
	}

	// Check if output contains conflict markers (git merge-tree may exit 0 but still have conflicts)
	outputStr := string(detectOutput)
	if strings.Contains(outputStr, "CONFLICT") {
		result := &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge conflict detected: %s", outputStr),
		}
		result.ConflictFiles = parseConflictFiles(outputStr)
		return result, nil
	}

	// No conflicts, perform actual merge
	// Map strategy to git merge strategy names
	strategyArg := "ort" // default
	if strategy == MergeOurs {
		strategyArg = "ours"
	}
	args := []string{"merge", "--no-ff", "-s", strategyArg, state.Branch}
	if strategy == MergeTheirs {
		// git has no "theirs" strategy; ort's "theirs" option favours the branch
		args = []string{"merge", "--no-ff", "-X", "theirs", state.Branch}
	}

	mergeCmd := exec.Command("git", args...)
	mergeCmd.Dir = m.config.RepoPath
	mergeOutput, err := mergeCmd.CombinedOutput()
	if err != nil {
		return &MergeResult{
			Merged: false,
			Error:  fmt.Errorf("merge failed: %w (output: %s)", err, string(mergeOutput)),
		}, nil
	}

	return &MergeResult{Merged: true}, nil
}

// parseConflictFiles attempts to extract conflicting file paths from merge-tree output
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		// merge-tree output includes lines like "CONFLICT (content): Merge conflict in <file>"
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			if len(parts) > 1 {
				conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
			}
		}
	}
	return conflicts
}

// Remove deletes the worktree and its branch, releases its concurrency
// permit, and removes its persisted state. Idempotent: removing an already
// absent path is not an error.
func (m *WorktreeManager) Remove(path string) error {
	state, err := m.states.Load(path)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	if err := m.Cleanup(state); err != nil {
		return err
	}
	return nil
}

// Cleanup removes the worktree and deletes the branch
func (m *WorktreeManager) Cleanup(state *WorktreeState) error {
	var errs []string

	state.Status = StatusRemoving
	_ = m.states.Save(state)

	// Remove worktree
	removeCmd := exec.Command("git", "worktree", "remove", state.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		// Retry with --force
		forceCmd := exec.Command("git", "worktree", "remove", "--force", state.Path)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	// Delete branch
	branchCmd := exec.Command("git", "branch", "-d", state.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		// Retry with -D (force delete)
		forceCmd := exec.Command("git", "branch", "-D", state.Branch)
		forceCmd.Dir = m.config.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			errs = append(errs, fmt.Sprintf("branch delete failed: %v (output: %s, force output: %s)", err, string(output), string(forceOutput)))
		}
	}

	m.sem.Release(1)
	if err := m.states.Delete(state.Path); err != nil {
		errs = append(errs, fmt.Sprintf("state delete failed: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ForceCleanup removes the worktree and branch using force flags
func (m *WorktreeManager) ForceCleanup(state *WorktreeState) error {
	var errs []string

	// Force remove worktree
	removeCmd := exec.Command("git", "worktree", "remove", "--force", state.Path)
	removeCmd.Dir = m.config.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		errs = append(errs, fmt.Sprintf("force worktree remove failed: %v (output: %s)", err, string(output)))
	}

	// Force delete branch
	branchCmd := exec.Command("git", "branch", "-D", state.Branch)
	branchCmd.Dir = m.config.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		errs = append(errs, fmt.Sprintf("force branch delete failed: %v (output: %s)", err, string(output)))
	}

	m.sem.Release(1)
	if err := m.states.Delete(state.Path); err != nil {
		errs = append(errs, fmt.Sprintf("state delete failed: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("force cleanup errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// List returns all tracked worktrees, cross-referenced against `git
// worktree list` and with Status recomputed per spec.md §4.2's
// classification rules, using the default idle/orphaned thresholds. Use
// ListWithThresholds (as RunCleanup does) to classify against a specific
// CleanupPolicy's thresholds instead.
func (m *WorktreeManager) List(isSessionAlive func(sessionID string) bool) ([]*WorktreeState, error) {
	return m.ListWithThresholds(m.config.IdleThreshold, DefaultCleanupPolicy().DeleteOrphanedAfter, isSessionAlive)
}

// ListWithThresholds is List with explicit idle/orphaned thresholds, so a
// caller (RunCleanup) can classify against a CleanupPolicy's own values
// rather than the manager's defaults. isSessionAlive may be nil, in which
// case no worktree is ever considered to have a live owning session
// (classification falls back to the time-based rules alone).
func (m *WorktreeManager) ListWithThresholds(idleThreshold, orphanedThreshold time.Duration, isSessionAlive func(sessionID string) bool) ([]*WorktreeState, error) {
	gitWorktrees, err := m.listGitWorktrees()
	if err != nil {
		return nil, err
	}
	gitPaths := make(map[string]bool, len(gitWorktrees))
	for _, wt := range gitWorktrees {
		gitPaths[wt.Path] = true
	}

	tracked, err := m.states.List()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result := make([]*WorktreeState, 0, len(tracked))
	for _, state := range tracked {
		if !gitPaths[state.Path] {
			continue // git no longer knows about it; skipped, its state file is left as is
		}
		state.Status = classify(state, idleThreshold, orphanedThreshold, isSessionAlive, now)
		state.GitStatus = m.gitStatus(state.Path)
		result = append(result, state)
	}
	return result, nil
}

// gitStatus inspects a worktree's working tree via `git status --porcelain=v1`
// and a short HEAD hash, populating the modified/untracked/staged counts and
// commit field spec.md requires (§9's Open Question on GitStatusInfo --
// original_source/miyabi-desktop/src-tauri/src/worktree.rs:31-41,98-101
// leaves these hardcoded to 0/empty). A failure here (e.g. the worktree was
// removed concurrently) yields a zero-value GitStatus rather than failing
// the whole List/Cleanup scan.
func (m *WorktreeManager) gitStatus(path string) GitStatus {
	var status GitStatus

	shortHead := exec.Command("git", "rev-parse", "--short", "HEAD")
	shortHead.Dir = path
	if out, err := shortHead.Output(); err == nil {
		status.Commit = strings.TrimSpace(string(out))
	}

	porcelain := exec.Command("git", "status", "--porcelain=v1")
	porcelain.Dir = path
	out, err := porcelain.Output()
	if err != nil {
		return status
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}
		indexStatus, worktreeStatus := line[0], line[1]

		switch {
		case indexStatus == '?' && worktreeStatus == '?':
			status.Untracked++
		default:
			if indexStatus != ' ' {
				status.Staged++
			}
			if worktreeStatus != ' ' {
				status.Modified++
			}
		}
	}

	return status
}

type gitWorktreeEntry struct {
	Path   string
	Branch string
	Head   string
}

// listGitWorktrees parses `git worktree list --porcelain`, the teacher's
// original List implementation, kept verbatim as the low-level git query.
func (m *WorktreeManager) listGitWorktrees() ([]gitWorktreeEntry, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, string(output))
	}

	var worktrees []gitWorktreeEntry
	var current gitWorktreeEntry

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = gitWorktreeEntry{}
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current.Path = strings.TrimPrefix(line, "worktree ")
		} else if strings.HasPrefix(line, "HEAD ") {
			current.Head = strings.TrimPrefix(line, "HEAD ")
		} else if strings.HasPrefix(line, "branch ") {
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// Prune cleans up stale worktree metadata
func (m *WorktreeManager) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, string(output))
	}
	return nil
}

// Touch updates LastAccessed for the worktree at path to now, persisting
// the change. Callers invoke this whenever a task or agent session reads
// or writes through the worktree, which is what keeps an actively-used
// worktree classified Active instead of aging into Idle.
func (m *WorktreeManager) Touch(path string) error {
	state, err := m.states.Load(path)
	if err != nil {
		return err
	}
	state.LastAccessed = time.Now()
	return m.states.Save(state)
}
