package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StateFileName is the flow document's file name inside the flow workdir.
const StateFileName = "flow_state.json"

// StatePath returns the location of the persisted flow document for a
// given flow workdir.
func StatePath(workdir string) string {
	return filepath.Join(workdir, StateFileName)
}

// Snapshot serializes the full flow document. The output is deterministic
// for a given state: slices are kept in id order and map keys are sorted by
// the JSON encoder, so an unchanged flow always snapshots to the same bytes.
func (f *Flow) Snapshot() ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize flow %q: %w", f.Name, err)
	}
	return append(data, '\n'), nil
}

// Save writes the flow document atomically: write to a temp file in the
// same directory, sync it, rename over the target, then sync the directory
// so the rename itself is durable.
func (f *Flow) Save(now time.Time) error {
	f.SavedAt = now.UTC()
	data, err := f.Snapshot()
	if err != nil {
		return err
	}

	path := StatePath(f.Workdir)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create flow workdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, StateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", path, err)
	}

	if d, err := os.Open(dir); err == nil {
		// Best effort; some filesystems reject directory syncs.
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Load reconstructs a Flow from its persisted document alone. The restored
// flow re-serializes to exactly the bytes on disk, which is what makes the
// kill-and-relaunch controller cycle safe.
func Load(workdir string) (*Flow, error) {
	path := StatePath(workdir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow state %s: %w", path, err)
	}

	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt flow state %s: %w", path, err)
	}
	f.index()
	if err := f.detectCycles(); err != nil {
		return nil, fmt.Errorf("corrupt flow state %s: %w", path, err)
	}
	return &f, nil
}
