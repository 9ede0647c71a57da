package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// State is what survives an agent restart: where the tailer stopped and
// which connection the log last reported.
type State struct {
	Position   types.LogPosition       `json:"position"`
	Connection types.ConnectionDetails `json:"connection"`
	SavedAt    time.Time               `json:"saved_at"`
}

// Manager manages checkpoint persistence
type Manager struct {
	path string
	last State
}

// NewManager creates a new checkpoint manager writing to path
func NewManager(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Manager{path: path}, nil
}

// Load loads the checkpoint from disk. A missing file is not an error and
// yields ok=false.
func (m *Manager) Load() (State, bool, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}

	m.last = state
	return state, true, nil
}

// Update saves state if it differs from what was last written
func (m *Manager) Update(pos types.LogPosition, conn types.ConnectionDetails) error {
	if m.last.Position == pos && m.last.Connection == conn {
		return nil
	}
	return m.Save(State{Position: pos, Connection: conn, SavedAt: time.Now()})
}

// Save writes state to disk
func (m *Manager) Save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	tmpFile := m.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpFile, m.path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	m.last = state
	return nil
}
