package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/hpcwms/espilot/x/jobbook"
)

// jobMetricsEntry mirrors one job's record in the payload's
// jobMetrics-yoda.json side channel.
type jobMetricsEntry struct {
	Collect jobbook.Metrics `json:"collect"`
}

// jobTimestampEntry mirrors jobsTimestamp-yoda.json.
type jobTimestampEntry struct {
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
}

// readJSONWithBackup decodes path, falling back to path.backup when the
// primary copy is missing or corrupt (the payload rewrites these files in
// place).
func readJSONWithBackup(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err == nil {
		if jerr := json.Unmarshal(raw, v); jerr == nil {
			return nil
		}
	}
	raw, err = os.ReadFile(path + ".backup")
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// readJobMetrics loads the payload's per-job accounting side channel.
func readJobMetrics(pilotWorkDir string) (map[string]jobMetricsEntry, error) {
	var out map[string]jobMetricsEntry
	path := filepath.Join(pilotWorkDir, "jobMetrics-yoda.json")
	if err := readJSONWithBackup(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// readJobTimestamps loads the payload's per-job start/end times.
func readJobTimestamps(pilotWorkDir string) (map[string]jobTimestampEntry, error) {
	var out map[string]jobTimestampEntry
	path := filepath.Join(pilotWorkDir, "jobsTimestamp-yoda.json")
	if err := readJSONWithBackup(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}
