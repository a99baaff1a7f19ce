package lifecycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/experiment"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/mover"
	"github.com/hpcwms/espilot/x/piloterr"
	"github.com/hpcwms/espilot/x/siteinfo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubSite struct {
	queuedata string
}

func (s *stubSite) ReadPar(string) (string, error)                    { return "", nil }
func (s *stubSite) GetCopySetup(bool) (string, error)                 { return "", nil }
func (s *stubSite) GetObjectstoreDDMEndpoint(string) (string, error)  { return "EP", nil }
func (s *stubSite) GetObjectstoreBucketID(string) (int, error)        { return 77, nil }
func (s *stubSite) GetObjectstorePath(int, string) (string, error)    { return "s3://os//b", nil }
func (s *stubSite) GetQueuedataFileName() string                      { return s.queuedata }

type failingMover struct {
	failLFNs map[string]bool
	gets     []string
}

func (m *failingMover) Name() string { return "stub" }

func (m *failingMover) GetFile(_ context.Context, surl, dest string, _ int64) error {
	m.gets = append(m.gets, surl)
	if m.failLFNs[filepath.Base(surl)] {
		return mover.ErrCopyFailed
	}
	return os.WriteFile(dest, []byte("data:"+filepath.Base(dest)), 0o644)
}

func (m *failingMover) PutFile(context.Context, string, string, int64) error { return nil }

func newTestLifecycle(t *testing.T, res siteinfo.Resources, mv mover.Mover) (*Lifecycle, *jobbook.Book, string) {
	t.Helper()
	pilotDir := t.TempDir()
	book := jobbook.NewBook(zerolog.New(io.Discard))
	adapter, err := experiment.New("ATLAS")
	require.NoError(t, err)

	cfg := Config{
		PilotWorkDir:    pilotDir,
		SourcePrefix:    "srm://se.example.org/atlas",
		StageoutThreads: 4,
	}
	l := New(cfg, &stubSite{}, res, adapter, mv, book, zerolog.New(io.Discard))
	return l, book, pilotDir
}

func testSpec(id string) *dispatcher.JobSpec {
	return &dispatcher.JobSpec{
		PandaID:  id,
		JobsetID: "7",
		TaskID:   "9",
		InFiles:  []string{"EVNT.a.pool.root", "EVNT.b.pool.root"},
		GUIDs:    []string{"guid-a", "guid-b"},
		Fsize:    []int64{100, 200},
		Checksum: []string{"ad:1", "ad:2"},
		OutFiles: []string{"HITS.out.pool.root"},
		DestinationDblock: []string{"mc16.dataset"},
		TrfName:  "Sim_tf.py",
		JobPars:  "--inputEVNTFile=EVNT.a.pool.root,EVNT.b.pool.root --maxEvents=-1",
	}
}

func TestSetupJobWritesCheckpoint(t *testing.T) {
	l, book, pilotDir := newTestLifecycle(t, siteinfo.Resources{}, &failingMover{})
	spec := testSpec("4001")
	job := l.JobFromSpec(spec)
	require.NoError(t, book.AddJob(job))
	require.NoError(t, l.SetupJob(job, spec))

	path := filepath.Join(pilotDir, "Job_4001.json")
	require.FileExists(t, path)

	workDir, loaded, cmds, err := LoadJobCheckpoint(path)
	require.NoError(t, err)
	require.Equal(t, job.WorkDir, workDir)
	require.Equal(t, "4001", loaded.PandaID)
	require.Len(t, cmds, 1)
	require.Contains(t, cmds[0], "Sim_tf.py")
}

func TestStageInPopulatesCacheAndRecordsTime(t *testing.T) {
	mv := &failingMover{}
	l, book, _ := newTestLifecycle(t, siteinfo.Resources{}, mv)
	spec := testSpec("4001")
	job := l.JobFromSpec(spec)
	require.NoError(t, book.AddJob(job))
	require.NoError(t, l.SetupJob(job, spec))

	require.NoError(t, l.StageIn(context.Background(), job))
	require.FileExists(t, filepath.Join(job.WorkDir, "EVNT.a.pool.root"))
	require.Len(t, mv.gets, 2)

	// A second job with the same inputs stages nothing.
	spec2 := testSpec("4002")
	job2 := l.JobFromSpec(spec2)
	require.NoError(t, book.AddJob(job2))
	require.NoError(t, l.SetupJob(job2, spec2))
	require.NoError(t, l.StageIn(context.Background(), job2))
	require.Len(t, mv.gets, 2)
	require.FileExists(t, filepath.Join(job2.WorkDir, "EVNT.b.pool.root"))
}

func TestStageInFailureIsPerJob(t *testing.T) {
	mv := &failingMover{failLFNs: map[string]bool{"EVNT.b.pool.root": true}}
	l, book, _ := newTestLifecycle(t, siteinfo.Resources{}, mv)
	spec := testSpec("4001")
	job := l.JobFromSpec(spec)
	require.NoError(t, book.AddJob(job))
	require.NoError(t, l.SetupJob(job, spec))

	err := l.StageIn(context.Background(), job)
	require.Error(t, err)
	require.Equal(t, piloterr.KindStageInFailed, piloterr.KindOf(err))
}

func TestPrepareBuildsHPCJob(t *testing.T) {
	l, book, _ := newTestLifecycle(t, siteinfo.Resources{ESToZip: true}, &failingMover{})
	spec := testSpec("4001")
	job := l.JobFromSpec(spec)
	require.NoError(t, book.AddJob(job))
	require.NoError(t, l.SetupJob(job, spec))
	require.NoError(t, os.MkdirAll(job.WorkDir, 0o755))

	hpcJob, err := l.Prepare(context.Background(), job)
	require.NoError(t, err)

	require.Contains(t, hpcJob.AthenaMPCmd, "export USING_COMPACT=1;")
	require.Contains(t, hpcJob.AthenaMPCmd, "export PILOT_EVENTRANGECHANNEL=")
	require.Contains(t, hpcJob.AthenaMPCmd, "--inputEVNTFile="+filepath.Join(job.WorkDir, "EVNT.a.pool.root"))
	require.Contains(t, hpcJob.AthenaMPCmd, "1>athenaMP_stdout.txt 2>athenaMP_stderr.txt")
	require.Empty(t, hpcJob.TokenExtractCmd)
	require.Equal(t, 4, hpcJob.StageoutThreads)
	require.Len(t, hpcJob.InputFiles, 2)

	require.FileExists(t, hpcJob.PoolFileCatalog)
	files, err := ReadPoolFileCatalog(hpcJob.PoolFileCatalog)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(job.WorkDir, "EVNT.a.pool.root"), files["guid-a"])

	tempFiles, err := ReadPoolFileCatalog(filepath.Join(job.WorkDir, "PoolFileCatalog_Temp.xml"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join("HPCWORKINGDIR", "EVNT.b.pool.root"), tempFiles["guid-b"])

	// Zip mode names are registered on the job.
	stored, err := book.Job("4001")
	require.NoError(t, err)
	require.Contains(t, stored.ZipFileName, "EventService_premerge_4001.tar")
	require.Contains(t, stored.ZipEventRangesName, "EventService_premerge_eventranges_4001.txt")
}

func TestPrepareWithTokenExtractor(t *testing.T) {
	l, book, _ := newTestLifecycle(t, siteinfo.Resources{}, &failingMover{})
	spec := testSpec("4001")
	spec.JobPars = "--inputEVNTFile=EVNT.a.pool.root --preExec 'UseTokenExtractor=True'"
	spec.InFiles = spec.InFiles[:1]
	spec.GUIDs = spec.GUIDs[:1]
	spec.Fsize = spec.Fsize[:1]
	spec.Checksum = spec.Checksum[:1]

	job := l.JobFromSpec(spec)
	require.NoError(t, book.AddJob(job))
	require.NoError(t, l.SetupJob(job, spec))
	require.NoError(t, os.MkdirAll(job.WorkDir, 0o755))

	l.createTag = func(_ context.Context, workDir, _, eventFile string) (string, string, error) {
		name := filepath.Base(eventFile) + ".TAG"
		require.NoError(t, os.WriteFile(filepath.Join(workDir, name), []byte("tag"), 0o644))
		return name, "tag-guid-1", nil
	}

	hpcJob, err := l.Prepare(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, hpcJob.TokenExtractCmd, "TokenExtractor -v")

	listPath := filepath.Join(job.WorkDir, "TokenExtractor_filelist")
	raw, err := os.ReadFile(listPath)
	require.NoError(t, err)
	// The list maps the event GUID, not the TAG GUID.
	require.True(t, strings.HasPrefix(string(raw), "guid-a,PFN:"))

	// Same GUID on a second job reuses the cached TAG.
	called := 0
	l.createTag = func(context.Context, string, string, string) (string, string, error) {
		called++
		return "x.TAG", "g", nil
	}
	spec2 := *spec
	spec2.PandaID = "4002"
	job2 := l.JobFromSpec(&spec2)
	require.NoError(t, book.AddJob(job2))
	require.NoError(t, l.SetupJob(job2, &spec2))
	require.NoError(t, os.MkdirAll(job2.WorkDir, 0o755))

	_, err = l.Prepare(context.Background(), job2)
	require.NoError(t, err)
	require.Zero(t, called)
}

func TestFinalizeHappyAndOversubscribed(t *testing.T) {
	l, book, pilotDir := newTestLifecycle(t, siteinfo.Resources{}, &failingMover{})

	spec := testSpec("4001")
	job := l.JobFromSpec(spec)
	require.NoError(t, book.AddJob(job))
	require.NoError(t, l.SetupJob(job, spec))
	require.NoError(t, book.AddRanges("4001", []*jobbook.EventRange{{ID: "r1"}, {ID: "r2"}}))
	require.NoError(t, l.StageIn(context.Background(), job))

	require.NoError(t, book.SetRangeStatus("4001", "r1", jobbook.RangeAssigned))
	require.NoError(t, book.SetRangeStatus("4001", "r1", jobbook.RangeFinished))
	require.NoError(t, book.SetRangeStatus("4001", "r1", jobbook.RangeStagedOut))
	require.NoError(t, book.SetRangeStatus("4001", "r2", jobbook.RangeAssigned))

	require.NoError(t, book.SetJobState("4001", jobbook.JobStateRunning, "running", 0))
	require.NoError(t, book.UpdateJob("4001", func(j *jobbook.Job) { j.NEvents = 2; j.NEventsW = 1 }))

	require.NoError(t, l.Finalize("4001"))

	// Inputs scrubbed from the working dir.
	require.NoFileExists(t, filepath.Join(job.WorkDir, "EVNT.a.pool.root"))
	require.NoFileExists(t, filepath.Join(job.WorkDir, "EVNT.b.pool.root"))

	// The stuck range was failed, the job finished.
	status, err := book.RangeStatusOf("4001", "r2")
	require.NoError(t, err)
	require.Equal(t, jobbook.RangeFailed, status)

	done, err := book.Job("4001")
	require.NoError(t, err)
	require.Equal(t, jobbook.JobStateFinished, done.State)
	require.FileExists(t, filepath.Join(pilotDir, "metadata-4001.json"))

	// Zero processed events: terminal failure with the distinct code.
	spec2 := testSpec("4002")
	job2 := l.JobFromSpec(spec2)
	require.NoError(t, book.AddJob(job2))
	require.NoError(t, l.SetupJob(job2, spec2))
	require.NoError(t, book.SetJobState("4002", jobbook.JobStateRunning, "running", 0))

	require.NoError(t, l.Finalize("4002"))
	failed, err := book.Job("4002")
	require.NoError(t, err)
	require.Equal(t, jobbook.JobStateFailed, failed.State)
	require.Equal(t, piloterr.KindOverSubscribedEvents.Code(), failed.ErrorCode)
}
