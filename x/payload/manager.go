package payload

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/siteinfo"
	"github.com/rs/zerolog"
)

// Manager implements Supervisor on top of a BatchPlugin. The payload ranks
// append one "rangeID status path" line per processed range to a per-job
// output stream file in the global working directory; the manager tails
// those files and remembers its read offsets across restarts.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	plugin BatchPlugin
	logger zerolog.Logger

	res       Resources
	site      siteinfo.Resources
	batchID   string
	state     State
	submitted bool

	jobs    map[string]*HPCJob
	offsets map[string]int64
}

// NewManager builds the payload manager.
func NewManager(cfg Config, plugin BatchPlugin, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		plugin:  plugin,
		logger:  logger.With().Str("component", "payload").Logger(),
		state:   StateQueued,
		jobs:    make(map[string]*HPCJob),
		offsets: make(map[string]int64),
	}
}

// FreeResources asks the plug-in for the allocation it will actually grant
// and derives the event capacity from the walltime budget.
func (m *Manager) FreeResources(ctx context.Context, res siteinfo.Resources) (Resources, error) {
	nodes, coresPerNode, walltimeM, err := m.plugin.FreeResources(ctx, res)
	if err != nil {
		return Resources{}, err
	}

	usableM := walltimeM - res.InitialtimeM
	if usableM < 0 {
		usableM = 0
	}
	capacity := 0
	if res.TimePerEventM > 0 {
		capacity = nodes * coresPerNode * (usableM / res.TimePerEventM)
	}

	m.mu.Lock()
	m.site = res
	m.res = Resources{
		Nodes:          nodes,
		CoresPerNode:   coresPerNode,
		WalltimeM:      walltimeM,
		EventsCapacity: capacity,
	}
	granted := m.res
	m.mu.Unlock()

	m.logger.Info().Int("nodes", nodes).Int("cores_per_node", coresPerNode).
		Int("walltime_m", walltimeM).Int("events_capacity", capacity).
		Msg("free resources granted")
	return granted, nil
}

// InitJobs hands the prepared jobs and their range tables to the back-end
// by writing the exchange files the payload reads at startup.
func (m *Manager) InitJobs(jobs map[string]*HPCJob, ranges map[string][]jobbook.EventRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[string]*HPCJob, len(jobs))
	for id, hj := range jobs {
		cp := *hj
		m.jobs[id] = &cp
	}

	if err := writeJSON(filepath.Join(m.cfg.GlobalWorkDir, jobsFileName), m.jobs); err != nil {
		return fmt.Errorf("payload: write jobs file: %w", err)
	}

	rangeDefs := make(map[string][]map[string]any, len(ranges))
	for jobID, defs := range ranges {
		out := make([]map[string]any, 0, len(defs))
		for _, def := range defs {
			out = append(out, map[string]any{
				"eventRangeID": def.ID,
				"LFN":          def.LFN,
				"GUID":         def.GUID,
				"startEvent":   def.StartEvent,
				"lastEvent":    def.LastEvent,
				"scope":        def.Scope,
			})
		}
		rangeDefs[jobID] = out
	}
	if err := writeJSON(filepath.Join(m.cfg.GlobalWorkDir, rangesFileName), rangeDefs); err != nil {
		return fmt.Errorf("payload: write ranges file: %w", err)
	}

	m.logger.Info().Int("jobs", len(jobs)).Msg("payload jobs initialized")
	return nil
}

// Submit starts the batch job and drops the batchid marker for external
// observers.
func (m *Manager) Submit(ctx context.Context) error {
	m.mu.Lock()
	site := m.site
	res := m.res
	m.mu.Unlock()

	spec := SubmitSpec{
		WorkDir:      m.cfg.GlobalWorkDir,
		Setup:        m.cfg.LocalSetup,
		Queue:        site.Queue,
		Partition:    site.Partition,
		Repo:         site.Repo,
		Nodes:        res.Nodes,
		CoresPerNode: res.CoresPerNode,
		WalltimeM:    res.WalltimeM,
		JobsFile:     filepath.Join(m.cfg.GlobalWorkDir, jobsFileName),
		RangesFile:   filepath.Join(m.cfg.GlobalWorkDir, rangesFileName),
	}

	batchID, err := m.plugin.Submit(ctx, spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.batchID = batchID
	m.submitted = true
	m.state = StateQueued
	m.mu.Unlock()

	marker := filepath.Join(m.cfg.GlobalWorkDir, fmt.Sprintf("batchid.%s.txt", batchID))
	if err := os.WriteFile(marker, []byte(batchID+"\n"), 0o644); err != nil {
		m.logger.Warn().Err(err).Str("path", marker).Msg("failed to write batchid marker")
	}
	return nil
}

func (m *Manager) Poll(ctx context.Context) (State, error) {
	m.mu.Lock()
	batchID := m.batchID
	submitted := m.submitted
	m.mu.Unlock()

	if !submitted {
		return "", ErrNotSubmitted
	}

	state, err := m.plugin.Poll(ctx, batchID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return state, nil
}

func (m *Manager) IsFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateComplete || m.state == StateFailed
}

// GetOutputs drains new lines from each job's output stream.
func (m *Manager) GetOutputs() ([]Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var outputs []Output
	for jobID := range m.jobs {
		outs, err := m.drainStreamLocked(jobID)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to read output stream")
			continue
		}
		outputs = append(outputs, outs...)
	}
	return outputs, nil
}

// FlushOutputs drains whatever is still pending. After Complete the streams
// are final, so this is the last word.
func (m *Manager) FlushOutputs() ([]Output, error) {
	return m.GetOutputs()
}

func (m *Manager) drainStreamLocked(jobID string) ([]Output, error) {
	path := filepath.Join(m.cfg.GlobalWorkDir, outputStreamPrefix+jobID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	offset := m.offsets[jobID]
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	var outputs []Output
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial last line belongs to a write in flight; leave
			// it for the next drain.
			break
		}
		offset += int64(len(line))
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		out := Output{JobID: jobID, RangeID: fields[0], Status: fields[1]}
		if len(fields) > 2 {
			out.Path = fields[2]
		}
		outputs = append(outputs, out)
	}
	m.offsets[jobID] = offset
	return outputs, nil
}

// CheckJobLog scans the payload's batch log for a failure signature.
func (m *Manager) CheckJobLog() (string, string, error) {
	path := filepath.Join(m.cfg.GlobalWorkDir, jobLogName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "unknown", "no payload job log", nil
		}
		return "", "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lastError string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "FATAL") {
			lastError = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	if lastError != "" {
		return "failed", lastError, nil
	}
	return "ok", "", nil
}

// PostRun cancels a still-live batch job. Output streams stay on disk; they
// belong to the stage-out pipeline.
func (m *Manager) PostRun() error {
	m.mu.Lock()
	batchID := m.batchID
	terminal := m.state == StateComplete || m.state == StateFailed
	m.mu.Unlock()

	if batchID == "" || terminal {
		return nil
	}
	if err := m.plugin.Cancel(context.Background(), batchID); err != nil {
		m.logger.Warn().Err(err).Str("batch_id", batchID).Msg("failed to cancel batch job")
	}
	return nil
}

func (m *Manager) BatchJobID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchID
}

func (m *Manager) CoreCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.res.TotalCores()
}

func (m *Manager) StageoutThreads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.StageoutThreads
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
