// Package checkpoint saves run progress so an interrupted scan can resume
// with only the targets it has not finished.
//
// Checkpoints are JSON files named {run_id}.json under the checkpoint
// directory. A run saves after every finished target and deletes its
// checkpoint when it completes.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

// State is the saved progress of one run.
type State struct {
	RunID     string     `json:"run_id"`
	Mode      types.Mode `json:"mode"`
	ScopeFile string     `json:"scope_file,omitempty"`
	Targets   []string   `json:"targets"`
	Completed []string   `json:"completed"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (s *State) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("invalid checkpoint: empty run_id")
	}
	switch s.Mode {
	case types.ModeRecon, types.ModeAttack, types.ModeFull:
	default:
		return fmt.Errorf("invalid checkpoint: unknown mode %q", s.Mode)
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		return fmt.Errorf("invalid checkpoint: zero timestamp")
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("invalid checkpoint: updated_at before created_at")
	}
	if len(s.Completed) > len(s.Targets) {
		return fmt.Errorf("invalid checkpoint: %d completed of %d targets", len(s.Completed), len(s.Targets))
	}
	return nil
}

// Pending returns the targets not yet completed, in their original order.
func (s *State) Pending() []string {
	done := make(map[string]bool, len(s.Completed))
	for _, t := range s.Completed {
		done[t] = true
	}
	var out []string
	for _, t := range s.Targets {
		if !done[t] {
			out = append(out, t)
		}
	}
	return out
}

// Progress is the completed share of targets, 0-100.
func (s *State) Progress() float64 {
	if len(s.Targets) == 0 {
		return 100
	}
	return float64(len(s.Completed)) * 100 / float64(len(s.Targets))
}

type Manager struct {
	dir string
}

// NewManager stores checkpoints in dir, or ~/.cassandra/checkpoints when
// dir is empty.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".cassandra", "checkpoints")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Save writes state atomically through a temp file and rename. Targets may
// be sensitive, so files are owner-only.
func (m *Manager) Save(_ context.Context, state *State) error {
	if state.RunID == "" {
		return fmt.Errorf("checkpoint state must have a run_id")
	}
	state.UpdatedAt = time.Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	final := filepath.Join(m.dir, state.RunID+".json")
	tmp := filepath.Join(m.dir, "."+state.RunID+".json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint by full run ID or by a unique suffix of it.
func (m *Manager) Load(_ context.Context, runID string) (*State, error) {
	filename := filepath.Join(m.dir, runID+".json")
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		found, err := m.findBySuffix(runID)
		if err != nil {
			return nil, err
		}
		filename = found
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w (file may be corrupted)", err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *Manager) findBySuffix(suffix string) (string, error) {
	files, err := os.ReadDir(m.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var matches []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasSuffix(strings.TrimSuffix(name, ".json"), suffix) {
			matches = append(matches, filepath.Join(m.dir, name))
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("checkpoint not found for run ID: %s", suffix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("run ID suffix %q is ambiguous (%d checkpoints)", suffix, len(matches))
	}
}

// List returns every readable checkpoint, most recent first. Corrupt files
// are skipped.
func (m *Manager) List(ctx context.Context) ([]State, error) {
	files, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var states []State
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		state, err := m.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		states = append(states, *state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}

func (m *Manager) Delete(_ context.Context, runID string) error {
	if err := os.Remove(filepath.Join(m.dir, runID+".json")); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("checkpoint not found: %s", runID)
		}
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// CleanupOld removes checkpoints not updated within maxAge.
func (m *Manager) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	states, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, s := range states {
		if s.UpdatedAt.Before(cutoff) {
			if err := m.Delete(ctx, s.RunID); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// Tracker records finished targets for a running scan and saves after each.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	manager *Manager
	state   *State
}

func NewTracker(m *Manager, state *State) *Tracker {
	return &Tracker{manager: m, state: state}
}

// Done marks target finished and persists the checkpoint.
func (t *Tracker) Done(ctx context.Context, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.state.Completed {
		if c == target {
			return nil
		}
	}
	t.state.Completed = append(t.state.Completed, target)
	return t.manager.Save(ctx, t.state)
}

// Finish deletes the checkpoint of a run that completed.
func (t *Tracker) Finish(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.manager.Delete(ctx, t.state.RunID)
}

func (t *Tracker) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Progress()
}
