package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StateStore persists one WorktreeState as one JSON file per worktree under
// <repo>/.worktrees-state/<sha256(path)[:16]>.json. Writes use the
// temp-file-then-rename pattern so a crash mid-write never leaves a
// truncated or partially-written file behind -- the teacher's
// config/save.go writes JSON directly to the destination path, which this
// repo treats as a bug to fix rather than copy (spec.md §6.4 requires
// atomic persistence of worktree state).
type StateStore struct {
	dir string
	mu  sync.Mutex
}

// NewStateStore creates a StateStore rooted at <repoPath>/.worktrees-state,
// creating the directory if absent.
func NewStateStore(repoPath string) (*StateStore, error) {
	dir := filepath.Join(repoPath, ".worktrees-state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree state dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

func stateKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}

func (s *StateStore) filePath(path string) string {
	return filepath.Join(s.dir, stateKey(path)+".json")
}

// Save atomically writes state, replacing any prior record for the same path.
func (s *StateStore) Save(state *WorktreeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling worktree state: %w", err)
	}

	dest := s.filePath(state.Path)
	tmp, err := os.CreateTemp(s.dir, ".tmp-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}

// Load reads the persisted state for path. Returns ErrNotFound if absent.
func (s *StateStore) Load(path string) (*WorktreeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var state WorktreeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling state file: %w", err)
	}
	return &state, nil
}

// Delete removes the persisted state for path, if any. Idempotent.
func (s *StateStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}

// List returns every persisted WorktreeState, in no particular order.
func (s *StateStore) List() ([]*WorktreeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading state dir: %w", err)
	}

	var states []*WorktreeState
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue // transient read error: skip, caller's sweep tolerates gaps
		}
		var state WorktreeState
		if err := json.Unmarshal(data, &state); err != nil {
			continue // corrupt file: skip rather than abort the whole listing
		}
		states = append(states, &state)
	}
	return states, nil
}
