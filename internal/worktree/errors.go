package worktree

import "errors"

// Sentinel errors for WorktreeManager.Create, matched with errors.Is.
var (
	// ErrConcurrencyExceeded is returned when the active worktree count is
	// already at the configured limit.
	ErrConcurrencyExceeded = errors.New("worktree: concurrency limit exceeded")

	// ErrBranchExists is returned when the conventional branch name for an
	// issue is already taken by an incompatible worktree.
	ErrBranchExists = errors.New("worktree: branch already exists")

	// ErrInvalidBranchName is returned when a requested suffix fails the
	// kebab-case/length validation in BranchName.
	ErrInvalidBranchName = errors.New("worktree: invalid branch name")

	// ErrNotFound is returned by operations addressing a worktree that has
	// no tracked state.
	ErrNotFound = errors.New("worktree: not found")
)
