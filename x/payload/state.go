package payload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const checkpointVersion = 1

// checkpoint is the versioned on-disk state of the manager. It covers only
// payload-side identity; job and range state live in their own snapshots.
type checkpoint struct {
	Version         int              `json:"version"`
	BatchID         string           `json:"batchID"`
	State           State            `json:"state"`
	Submitted       bool             `json:"submitted"`
	Resources       Resources        `json:"resources"`
	StageoutThreads int              `json:"stageoutThreads"`
	Offsets         map[string]int64 `json:"offsets"`
	JobIDs          []string         `json:"jobIDs"`
}

// SaveState persists enough to resume polling and output draining after a
// process restart.
func (m *Manager) SaveState() error {
	m.mu.Lock()
	cp := checkpoint{
		Version:         checkpointVersion,
		BatchID:         m.batchID,
		State:           m.state,
		Submitted:       m.submitted,
		Resources:       m.res,
		StageoutThreads: m.cfg.StageoutThreads,
		Offsets:         make(map[string]int64, len(m.offsets)),
		JobIDs:          make([]string, 0, len(m.jobs)),
	}
	for id, off := range m.offsets {
		cp.Offsets[id] = off
	}
	for id := range m.jobs {
		cp.JobIDs = append(cp.JobIDs, id)
	}
	m.mu.Unlock()

	path := filepath.Join(m.cfg.GlobalWorkDir, stateFileName)
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename keeps the checkpoint readable even when the
	// process dies mid-save.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RecoveryState restores a previously saved checkpoint and re-attaches to
// the batch job.
func (m *Manager) RecoveryState() error {
	path := filepath.Join(m.cfg.GlobalWorkDir, stateFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCheckpoint
		}
		return err
	}

	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("payload: decode checkpoint: %w", err)
	}
	if cp.Version != checkpointVersion {
		return fmt.Errorf("payload: unsupported checkpoint version %d", cp.Version)
	}

	m.mu.Lock()
	m.batchID = cp.BatchID
	m.state = cp.State
	m.submitted = cp.Submitted
	m.res = cp.Resources
	m.cfg.StageoutThreads = cp.StageoutThreads
	m.offsets = cp.Offsets
	if m.offsets == nil {
		m.offsets = make(map[string]int64)
	}
	m.jobs = make(map[string]*HPCJob, len(cp.JobIDs))
	for _, id := range cp.JobIDs {
		m.jobs[id] = &HPCJob{}
	}
	m.mu.Unlock()

	m.logger.Info().Str("batch_id", cp.BatchID).Str("state", string(cp.State)).
		Int("jobs", len(cp.JobIDs)).Msg("payload state recovered")
	return nil
}
