package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/experiment"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/lifecycle"
	"github.com/hpcwms/espilot/x/payload"
	"github.com/hpcwms/espilot/x/siteinfo"
	"github.com/hpcwms/espilot/x/stageout"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// --- stubs ---

type scriptedClient struct {
	mu         sync.Mutex
	getJob     []func() ([]dispatcher.JobSpec, dispatcher.Outcome, error)
	ranges     map[string][]dispatcher.EventRangeDef
	jobUpdates []dispatcher.JobUpdate
	rangeAcks  []dispatcher.EventRangeUpdate
	requested  []int
}

func (c *scriptedClient) GetJob(_ context.Context, n int) ([]dispatcher.JobSpec, dispatcher.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = append(c.requested, n)
	if len(c.getJob) == 0 {
		return nil, dispatcher.NoJobsAvailable, nil
	}
	next := c.getJob[0]
	c.getJob = c.getJob[1:]
	return next()
}

func (c *scriptedClient) UpdateJob(_ context.Context, u dispatcher.JobUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobUpdates = append(c.jobUpdates, u)
	return nil
}

func (c *scriptedClient) DownloadEventRanges(_ context.Context, jobID, _, _ string, n int) ([]dispatcher.EventRangeDef, dispatcher.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defs := c.ranges[jobID]
	if len(defs) == 0 {
		return nil, dispatcher.NoMoreEvents, nil
	}
	if n < len(defs) {
		defs = defs[:n]
	}
	c.ranges[jobID] = nil
	return defs, dispatcher.OutcomeOK, nil
}

func (c *scriptedClient) UpdateEventRanges(_ context.Context, updates []dispatcher.EventRangeUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rangeAcks = append(c.rangeAcks, updates...)
	return nil
}

func (c *scriptedClient) lastJobState(jobID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := ""
	for _, u := range c.jobUpdates {
		if u.JobID == jobID {
			state = u.State
		}
	}
	return state
}

type stubSupervisor struct {
	mu        sync.Mutex
	granted   payload.Resources
	polls     []payload.State
	outputs   [][]payload.Output
	flushed   []payload.Output
	submitted bool
	finished  bool
	initJobs  map[string]*payload.HPCJob
}

func (s *stubSupervisor) FreeResources(context.Context, siteinfo.Resources) (payload.Resources, error) {
	return s.granted, nil
}

func (s *stubSupervisor) InitJobs(jobs map[string]*payload.HPCJob, _ map[string][]jobbook.EventRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initJobs = jobs
	return nil
}

func (s *stubSupervisor) Submit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = true
	return nil
}

func (s *stubSupervisor) Poll(context.Context) (payload.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.polls) == 0 {
		s.finished = true
		return payload.StateComplete, nil
	}
	state := s.polls[0]
	s.polls = s.polls[1:]
	if state == payload.StateComplete || state == payload.StateFailed {
		s.finished = true
	}
	return state, nil
}

func (s *stubSupervisor) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *stubSupervisor) GetOutputs() ([]payload.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return nil, nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

func (s *stubSupervisor) FlushOutputs() ([]payload.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.flushed
	s.flushed = nil
	return out, nil
}

func (s *stubSupervisor) CheckJobLog() (string, string, error) { return "ok", "", nil }
func (s *stubSupervisor) PostRun() error                       { return nil }
func (s *stubSupervisor) BatchJobID() string                   { return "stub.1" }
func (s *stubSupervisor) CoreCount() int                       { return s.granted.TotalCores() }
func (s *stubSupervisor) StageoutThreads() int                 { return 2 }
func (s *stubSupervisor) SaveState() error                     { return nil }
func (s *stubSupervisor) RecoveryState() error                 { return nil }

type okMover struct {
	mu   sync.Mutex
	puts []string
	fail map[string]bool
}

func (m *okMover) Name() string { return "ok" }

func (m *okMover) GetFile(_ context.Context, surl, dest string, _ int64) error {
	if m.fail[filepath.Base(surl)] {
		return fmt.Errorf("copy failed: %s", surl)
	}
	return os.WriteFile(dest, []byte("in"), 0o644)
}

func (m *okMover) PutFile(_ context.Context, local, _ string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, local)
	return nil
}

// --- fixture ---

type fixture struct {
	sched  *Scheduler
	book   *jobbook.Book
	client *scriptedClient
	sup    *stubSupervisor
	mover  *okMover
	dir    string
}

func newFixture(t *testing.T, site siteinfo.Resources) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.New(io.Discard)
	book := jobbook.NewBook(logger)
	client := &scriptedClient{ranges: make(map[string][]dispatcher.EventRangeDef)}
	sup := &stubSupervisor{granted: payload.Resources{Nodes: 2, CoresPerNode: 24, WalltimeM: 120, EventsCapacity: 2000}}
	mv := &okMover{fail: make(map[string]bool)}

	adapter, err := experiment.New("ATLAS")
	require.NoError(t, err)

	lc := lifecycle.New(lifecycle.Config{
		PilotWorkDir: dir,
		SourcePrefix: "srm://se.example.org/atlas",
	}, &stubSite{}, site, adapter, mv, book, logger)

	soCfg := stageout.DefaultConfig()
	soCfg.PilotWorkDir = dir
	soCfg.BucketID = 77
	soCfg.ZipMode = site.ZipMode()
	pipeline := stageout.New(soCfg, book, client, mv, logger)

	cfg := DefaultConfig()
	cfg.PilotWorkDir = dir
	cfg.JobDescriptorFile = filepath.Join(dir, "newJobDef.json")
	cfg.PollInterval = time.Millisecond

	sched := New(cfg, site, client, sup, lc, pipeline, adapter, book, logger)
	sched.sleep = func(context.Context, time.Duration) {}
	return &fixture{sched: sched, book: book, client: client, sup: sup, mover: mv, dir: dir}
}

type stubSite struct{}

func (s *stubSite) ReadPar(string) (string, error)                   { return "", nil }
func (s *stubSite) GetCopySetup(bool) (string, error)                { return "", nil }
func (s *stubSite) GetObjectstoreDDMEndpoint(string) (string, error) { return "EP", nil }
func (s *stubSite) GetObjectstoreBucketID(string) (int, error)       { return 77, nil }
func (s *stubSite) GetObjectstorePath(int, string) (string, error)   { return "s3://os//b", nil }
func (s *stubSite) GetQueuedataFileName() string                     { return "" }

func jobSpec(id string, nRanges int) (dispatcher.JobSpec, []dispatcher.EventRangeDef) {
	spec := dispatcher.JobSpec{
		PandaID:  id,
		JobsetID: "7",
		TaskID:   "9",
		InFiles:  []string{"EVNT." + id + ".pool.root"},
		GUIDs:    []string{"guid-" + id},
		Fsize:    []int64{64},
		Checksum: []string{"ad:0"},
		TrfName:  "Sim_tf.py",
		JobPars:  "--inputEVNTFile=EVNT." + id + ".pool.root --maxEvents=-1",
	}
	defs := make([]dispatcher.EventRangeDef, 0, nRanges)
	for i := 1; i <= nRanges; i++ {
		defs = append(defs, dispatcher.EventRangeDef{
			EventRangeID: fmt.Sprintf("%s-%d", id, i),
			LFN:          spec.InFiles[0],
			GUID:         spec.GUIDs[0],
			StartEvent:   i,
			LastEvent:    i,
		})
	}
	return spec, defs
}

func writeBootstrap(t *testing.T, f *fixture, spec dispatcher.JobSpec) {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.sched.cfg.JobDescriptorFile, raw, 0o644))
}

// --- tests ---

func TestAcquireResourcesCapsAtMaxEvents(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 500, EventsLimitPerJob: 1000, ParallelJobs: 4}
	f := newFixture(t, site)

	require.NoError(t, f.sched.AcquireResources(context.Background()))
	require.Equal(t, 500, f.sched.neededRanges)
	require.Equal(t, 1000, f.sched.maxRangesPerJob)
}

func TestBootstrapJobClaimsRanges(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 100, EventsLimitPerJob: 1000, ParallelJobs: 1}
	f := newFixture(t, site)

	spec, defs := jobSpec("4001", 4)
	writeBootstrap(t, f, spec)
	f.client.ranges["4001"] = defs

	require.NoError(t, f.sched.AcquireResources(context.Background()))
	require.NoError(t, f.sched.BootstrapJob(context.Background()))

	require.Equal(t, 1, f.book.Len())
	require.Equal(t, 96, f.sched.neededRanges)
	ranges, err := f.book.Ranges("4001")
	require.NoError(t, err)
	require.Len(t, ranges, 4)
}

// Dispatcher empty: the fill loop stops cleanly and the run proceeds with
// what the bootstrap claimed.
func TestFillJobsStopsWhenDispatcherEmpty(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 1000, EventsLimitPerJob: 100, ParallelJobs: 4}
	f := newFixture(t, site)

	spec, defs := jobSpec("4001", 10)
	writeBootstrap(t, f, spec)
	f.client.ranges["4001"] = defs

	f.client.getJob = []func() ([]dispatcher.JobSpec, dispatcher.Outcome, error){
		func() ([]dispatcher.JobSpec, dispatcher.Outcome, error) {
			return nil, dispatcher.NoJobsAvailable, nil
		},
	}

	require.NoError(t, f.sched.AcquireResources(context.Background()))
	require.NoError(t, f.sched.BootstrapJob(context.Background()))
	f.sched.FillJobs(context.Background())

	require.Equal(t, 1, f.book.Len())
	require.Zero(t, f.sched.ExitCode())
}

func TestFillJobsAbortsAfterConsecutiveFailures(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 1000, EventsLimitPerJob: 100, ParallelJobs: 4}
	f := newFixture(t, site)
	f.sched.neededRanges = 1000
	f.sched.maxRangesPerJob = 100

	calls := 0
	fail := func() ([]dispatcher.JobSpec, dispatcher.Outcome, error) {
		calls++
		return nil, dispatcher.TransientError, dispatcher.ErrBadStatus
	}
	for i := 0; i < 20; i++ {
		f.client.getJob = append(f.client.getJob, fail)
	}

	f.sched.FillJobs(context.Background())
	require.Equal(t, 5, calls)
}

func TestFillJobsClampsFetchSize(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 100000, EventsLimitPerJob: 100, ParallelJobs: 2}
	f := newFixture(t, site)
	f.sched.neededRanges = 100000
	f.sched.maxRangesPerJob = 100

	// toGet would be 1000; it must be clamped to 50.
	f.sched.FillJobs(context.Background())
	require.Equal(t, 50, f.client.requested[0])
}

// Stage-in failure on job B of two: A survives with the full core budget,
// B is failed on the dispatcher and dropped before partitioning.
func TestStageInFailureDropsOnlyThatJob(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 100, EventsLimitPerJob: 10, ParallelJobs: 2}
	f := newFixture(t, site)

	specA, defsA := jobSpec("4001", 2)
	writeBootstrap(t, f, specA)
	f.client.ranges["4001"] = defsA

	specB, defsB := jobSpec("4002", 2)
	f.client.ranges["4002"] = defsB
	f.client.getJob = []func() ([]dispatcher.JobSpec, dispatcher.Outcome, error){
		func() ([]dispatcher.JobSpec, dispatcher.Outcome, error) {
			return []dispatcher.JobSpec{specB}, dispatcher.OutcomeOK, nil
		},
	}

	f.mover.fail["EVNT.4002.pool.root"] = true

	ctx := context.Background()
	require.NoError(t, f.sched.AcquireResources(ctx))
	require.NoError(t, f.sched.BootstrapJob(ctx))
	f.sched.FillJobs(ctx)
	require.Equal(t, 2, f.book.Len())

	f.sched.StageInJobs(ctx)
	require.Equal(t, 1, f.book.Len())
	require.Equal(t, "failed", f.client.lastJobState("4002"))

	require.NoError(t, f.sched.StartPayload(ctx))
	jobA, err := f.book.Job("4001")
	require.NoError(t, err)
	require.Equal(t, 48, jobA.CoreCount)
	require.True(t, f.sup.submitted)
	require.Len(t, f.sup.initJobs, 1)
}

// Happy path, single job, per-event mode: 4 ranges, one failed; three
// uploads; the dispatcher sees all four terminal states; the job finishes
// with three processed events.
func TestRunHappyPathPerEvent(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 100, EventsLimitPerJob: 10, ParallelJobs: 1}
	f := newFixture(t, site)

	spec, defs := jobSpec("4001", 4)
	writeBootstrap(t, f, spec)
	f.client.ranges["4001"] = defs

	ctx := context.Background()
	require.NoError(t, f.sched.AcquireResources(ctx))
	require.NoError(t, f.sched.BootstrapJob(ctx))
	f.sched.StageInJobs(ctx)
	require.NoError(t, f.sched.StartPayload(ctx))

	// Artifacts the payload would have produced.
	var paths []string
	for i := 1; i <= 4; i++ {
		p := filepath.Join(f.dir, fmt.Sprintf("esOutput.%d.root", i))
		require.NoError(t, os.WriteFile(p, []byte("out"), 0o644))
		paths = append(paths, p)
	}

	f.sup.polls = []payload.State{payload.StateRunning, payload.StateRunning, payload.StateComplete}
	f.sup.outputs = [][]payload.Output{
		{
			{JobID: "4001", RangeID: "4001-1", Status: "finished", Path: paths[0]},
			{JobID: "4001", RangeID: "4001-2", Status: "finished", Path: paths[1]},
		},
	}
	f.sup.flushed = []payload.Output{
		{JobID: "4001", RangeID: "4001-3", Status: "failed"},
		{JobID: "4001", RangeID: "4001-4", Status: "finished", Path: paths[3]},
	}

	// Payload accounting side channel.
	metricsJSON := `{"4001":{"collect":{"cores":48,"cpuConsumptionTime":360,"totalQueuedEvents":4,"totalProcessedEvents":3}}}`
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "jobMetrics-yoda.json"), []byte(metricsJSON), 0o644))

	f.sched.Run(ctx)

	// Three uploads, four terminal updates.
	require.Len(t, f.mover.puts, 3)
	acks := make(map[string]string)
	for _, u := range f.client.rangeAcks {
		acks[u.EventRangeID] = u.EventStatus
	}
	require.Equal(t, map[string]string{
		"4001-1": "finished", "4001-2": "finished", "4001-3": "failed", "4001-4": "finished",
	}, acks)

	// The job was finalized as finished with nEventsW=3 and retired.
	require.Equal(t, "finished", f.client.lastJobState("4001"))
	require.Zero(t, f.book.Len())
	require.Zero(t, f.sched.ExitCode())
}

// Oversubscribed: the payload processed nothing; the job fails with the
// distinct error code and nothing is uploaded.
func TestRunOversubscribedJob(t *testing.T) {
	site := siteinfo.Resources{MaxEvents: 100, EventsLimitPerJob: 200, ParallelJobs: 1}
	f := newFixture(t, site)

	spec, defs := jobSpec("4001", 100)
	writeBootstrap(t, f, spec)
	f.client.ranges["4001"] = defs

	ctx := context.Background()
	require.NoError(t, f.sched.AcquireResources(ctx))
	require.NoError(t, f.sched.BootstrapJob(ctx))
	f.sched.StageInJobs(ctx)
	require.NoError(t, f.sched.StartPayload(ctx))

	f.sup.polls = []payload.State{payload.StateComplete}

	f.sched.Run(ctx)

	require.Empty(t, f.mover.puts)
	require.Equal(t, "failed", f.client.lastJobState("4001"))

	// All assigned ranges were reported failed.
	failed := 0
	for _, u := range f.client.rangeAcks {
		require.Equal(t, "failed", u.EventStatus)
		failed++
	}
	require.Equal(t, 100, failed)
	require.NotZero(t, f.sched.ExitCode())
}
