package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

func TestCheckpointManager(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state", "checkpoint.json")

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}

	if _, ok, err := mgr.Load(); err != nil || ok {
		t.Fatalf("expected no checkpoint yet, got ok=%v err=%v", ok, err)
	}

	pos := types.LogPosition{
		Offset:                1234,
		LogModTime:            time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC),
		RotationMarkerModTime: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	conn := types.ConnectionDetails{Address: "1.2.3.4", Port: "5000"}

	if err := mgr.Update(pos, conn); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("Checkpoint file was not created")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temporary checkpoint file was left behind")
	}

	mgr2, err := NewManager(path)
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}
	state, ok, err := mgr2.Load()
	if err != nil || !ok {
		t.Fatalf("Failed to load checkpoint: ok=%v err=%v", ok, err)
	}

	if state.Position.Offset != 1234 {
		t.Errorf("Expected offset 1234, got %d", state.Position.Offset)
	}
	if !state.Position.LogModTime.Equal(pos.LogModTime) {
		t.Errorf("Expected log mtime %v, got %v", pos.LogModTime, state.Position.LogModTime)
	}
	if !state.Position.RotationMarkerModTime.Equal(pos.RotationMarkerModTime) {
		t.Errorf("Expected marker mtime %v, got %v", pos.RotationMarkerModTime, state.Position.RotationMarkerModTime)
	}
	if state.Connection != conn {
		t.Errorf("Expected connection %v, got %v", conn, state.Connection)
	}
}

func TestCheckpointCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}
	if _, _, err := mgr.Load(); err == nil {
		t.Error("expected an error for a corrupt checkpoint")
	}
}

func TestCheckpointUpdateSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("Failed to create checkpoint manager: %v", err)
	}

	pos := types.LogPosition{Offset: 10}
	if err := mgr.Update(pos, types.NoConnection); err != nil {
		t.Fatal(err)
	}
	os.Remove(path)

	if err := mgr.Update(pos, types.NoConnection); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected unchanged state not to be rewritten")
	}

	pos.Offset = 20
	if err := mgr.Update(pos, types.NoConnection); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("expected changed state to be written")
	}
}
