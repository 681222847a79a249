package worktree

import (
	"sort"
	"time"
)

// classify recomputes a worktree's Status from its persisted timestamps and
// (optionally attested) owning session, per spec.md §4.2's literal rules:
//   - Active: the session is alive and last_accessed < idleThreshold, or
//     the session is not alive and last_accessed < orphanedThreshold.
//   - Idle: alive but last_accessed >= idleThreshold (the agent session is
//     up but has gone quiet).
//   - Orphaned: session no longer exists and last_accessed >= orphanedThreshold.
//   - Creating / Removing: kept as is until created_at is more than
//     stuckGracePeriod ago, then reported as Stuck.
func classify(state *WorktreeState, idleThreshold, orphanedThreshold time.Duration, isSessionAlive func(string) bool, now time.Time) Status {
	if state.Status == StatusCreating || state.Status == StatusRemoving {
		if now.Sub(state.CreatedAt) > stuckGracePeriod {
			return StatusStuck
		}
		return state.Status
	}

	alive := state.SessionID != "" && isSessionAlive != nil && isSessionAlive(state.SessionID)
	age := now.Sub(state.LastAccessed)

	if alive {
		if age >= idleThreshold {
			return StatusIdle
		}
		return StatusActive
	}

	if age >= orphanedThreshold {
		return StatusOrphaned
	}
	return StatusActive
}

// stuckGracePeriod is the implementation-defined grace period spec.md §4.2
// leaves open ("Creating for longer than a fixed grace (implementation-
// defined minutes)"). 15 minutes comfortably exceeds a worst-case `git
// worktree add` on a large repo.
const stuckGracePeriod = 15 * time.Minute

// RunCleanup sweeps tracked worktrees under policy: orphaned first, then
// stuck, then Idle trees. With MaxWorktrees set, Idle trees are removed
// oldest-first only as far as needed to get down to the cap (RemovedExcess);
// Idle trees within the cap stay, however old. With no cap, every Idle tree
// at least DeleteIdleAfter old is removed (RemovedIdle). Grounded on
// original_source/crates/miyabi-worktree/src/cleanup.rs's
// WorktreeCleanupManager::run_cleanup. A single worktree's removal error
// never aborts the sweep; it is recorded in the returned report instead.
func (m *WorktreeManager) RunCleanup(policy CleanupPolicy, isSessionAlive func(string) bool) (*CleanupReport, error) {
	report := newCleanupReport()

	states, err := m.ListWithThresholds(policy.DeleteIdleAfter, policy.DeleteOrphanedAfter, isSessionAlive)
	if err != nil {
		return nil, err
	}

	remove := func(state *WorktreeState, bucket *[]string) {
		if err := m.Cleanup(state); err != nil {
			report.Errors[state.Path] = err
			return
		}
		*bucket = append(*bucket, state.Path)
	}

	var remaining []*WorktreeState
	for _, s := range states {
		if s.Status == StatusOrphaned && time.Since(s.LastAccessed) >= policy.DeleteOrphanedAfter {
			remove(s, &report.RemovedOrphaned)
			continue
		}
		remaining = append(remaining, s)
	}

	states, remaining = remaining, nil
	for _, s := range states {
		if s.Status == StatusStuck {
			remove(s, &report.RemovedStuck)
			continue
		}
		remaining = append(remaining, s)
	}

	states = remaining

	// The ordinary idle-deletion bucket and the max_worktrees trim both
	// draw from the same Idle-classified population: classify() only marks
	// a tree Idle once it is already at least policy.DeleteIdleAfter old
	// (ListWithThresholds above is given policy.DeleteIdleAfter as the
	// classification threshold), so every Idle tree by construction already
	// satisfies the deletion-age check below. Running that check first, as
	// the original order did, always empties `idle` before the max_worktrees
	// block ever runs, leaving "trim oldest Idle to satisfy max_worktrees"
	// dead code. When a cap is configured it becomes the sole forcing
	// function for idle removal -- trimmed oldest-first down to the bound,
	// all recorded as RemovedExcess -- and delete_idle_after's per-tree
	// check governs idle removal only when no cap is set.
	if policy.MaxWorktrees != nil {
		activeCount := 0
		var idle []*WorktreeState
		var rest []*WorktreeState
		for _, s := range states {
			switch s.Status {
			case StatusActive:
				activeCount++
				rest = append(rest, s)
			case StatusIdle:
				idle = append(idle, s)
			default:
				rest = append(rest, s)
			}
		}

		sort.Slice(idle, func(i, j int) bool {
			return idle[i].LastAccessed.Before(idle[j].LastAccessed)
		})

		over := activeCount + len(idle) - *policy.MaxWorktrees
		if over < 0 {
			over = 0
		}
		if over > len(idle) {
			over = len(idle)
		}
		for _, s := range idle[:over] {
			remove(s, &report.RemovedExcess)
		}
		states = append(rest, idle[over:]...)
	} else {
		remaining = nil
		for _, s := range states {
			if s.Status == StatusIdle && time.Since(s.LastAccessed) >= policy.DeleteIdleAfter {
				remove(s, &report.RemovedIdle)
				continue
			}
			remaining = append(remaining, s)
		}
		states = remaining
	}

	return report, nil
}
