package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpcwms/espilot/x/jobbook"
)

// SnapshotVersion is the current jobState schema version.
const SnapshotVersion = 1

// ErrBadSnapshot indicates an unreadable or incompatible jobState file.
var ErrBadSnapshot = errors.New("recovery: bad jobState snapshot")

// Snapshot is the versioned on-disk recovery record. It covers job
// identity and the range tables only; the payload checkpoint lives in its
// own file.
type Snapshot struct {
	Version         int              `json:"version"`
	RecoveryAttempt int              `json:"recoveryAttempt"`
	Book            jobbook.Snapshot `json:"book"`
}

// StateFilePath names the jobState file for the bootstrap job.
func StateFilePath(pilotWorkDir, jobID string) string {
	return filepath.Join(pilotWorkDir, "jobState-"+jobID+".json")
}

// Save writes the current book state to path, write-then-rename so a crash
// mid-save never leaves a truncated snapshot.
func Save(path string, attempt int, book *jobbook.Book) error {
	snap := Snapshot{
		Version:         SnapshotVersion,
		RecoveryAttempt: attempt,
		Book:            book.Snapshot(),
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a jobState snapshot back.
func Load(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: version %d", ErrBadSnapshot, snap.Version)
	}
	return snap, nil
}

// FindStateFiles lists jobState files in the pilot working directory.
func FindStateFiles(pilotWorkDir string) ([]string, error) {
	return filepath.Glob(filepath.Join(pilotWorkDir, "jobState-*.json"))
}
