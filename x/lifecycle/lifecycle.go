package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/experiment"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/mover"
	"github.com/hpcwms/espilot/x/piloterr"
	"github.com/hpcwms/espilot/x/siteinfo"
	"github.com/rs/zerolog"
)

// tagEntry is one cached TAG file, keyed by the event file's GUID.
type tagEntry struct {
	Name string
	Path string
	GUID string
}

// Lifecycle drives each claimed job through setup, stage-in, payload
// command preparation and finalization. It runs on the coordinator only;
// the caches it owns are never touched from workers.
type Lifecycle struct {
	cfg        Config
	site       siteinfo.Service
	res        siteinfo.Resources
	experiment experiment.Adapter
	mover      mover.Mover
	book       *jobbook.Book
	logger     zerolog.Logger

	// Input-file dedup within the allocation: logical name -> local copy.
	availFiles map[string]string

	// TAG-file dedup: event GUID -> cached TAG.
	availTags map[string]tagEntry

	// Run-command lists produced at setup, consumed at preparation.
	runCommands map[string][]string

	// createTag builds one TAG file; swappable for tests.
	createTag func(ctx context.Context, workDir, setup, eventFile string) (name, guid string, err error)
}

// New builds the lifecycle.
func New(cfg Config, site siteinfo.Service, res siteinfo.Resources, adapter experiment.Adapter,
	mv mover.Mover, book *jobbook.Book, logger zerolog.Logger) *Lifecycle {
	l := &Lifecycle{
		cfg:         cfg,
		site:        site,
		res:         res,
		experiment:  adapter,
		mover:       mv,
		book:        book,
		logger:      logger.With().Str("component", "lifecycle").Logger(),
		availFiles:  make(map[string]string),
		availTags:   make(map[string]tagEntry),
		runCommands: make(map[string][]string),
	}
	l.createTag = l.createTagFile
	return l
}

// jobCheckpoint is the Job_<id>.json content.
type jobCheckpoint struct {
	WorkDir        string             `json:"workdir"`
	JobSpec        dispatcher.JobSpec `json:"jobDescriptor"`
	Experiment     string             `json:"experiment"`
	RunCommandList []string           `json:"runCommandList"`
}

// JobFromSpec converts a dispatcher descriptor into a book job rooted under
// the pilot working directory.
func (l *Lifecycle) JobFromSpec(spec *dispatcher.JobSpec) *jobbook.Job {
	job := &jobbook.Job{
		ID:         spec.PandaID,
		JobsetID:   spec.JobsetID,
		TaskID:     spec.TaskID,
		WorkDir:    filepath.Join(l.cfg.PilotWorkDir, "PandaJob_"+spec.PandaID),
		LogFile:    spec.LogFile,
		RunCommand: spec.TrfName + " " + spec.JobPars,
		ProdUserID: spec.ProdUserID,
		Experiment: l.experiment.Name(),
		AttemptNr:  spec.AttemptNr,
		State:      jobbook.JobStateStarting,
	}
	for i, lfn := range spec.InFiles {
		entry := jobbook.FileEntry{LFN: lfn}
		if i < len(spec.GUIDs) {
			entry.GUID = spec.GUIDs[i]
		}
		if i < len(spec.Fsize) {
			entry.Size = spec.Fsize[i]
		}
		if i < len(spec.Checksum) {
			entry.Checksum = spec.Checksum[i]
		}
		job.InFiles = append(job.InFiles, entry)
	}
	for i, lfn := range spec.OutFiles {
		out := jobbook.OutputFile{LFN: lfn}
		if i < len(spec.DestinationDblock) {
			out.Dataset = spec.DestinationDblock[i]
		}
		job.OutFiles = append(job.OutFiles, out)
	}
	return job
}

// SetupJob prepares the job working directory, builds the run-command list
// and writes the Job_<id>.json checkpoint.
func (l *Lifecycle) SetupJob(job *jobbook.Job, spec *dispatcher.JobSpec) error {
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return piloterr.New(piloterr.KindUnknown, "create job workdir").WithJob(job.ID).WithCause(err)
	}

	runCommands, err := l.experiment.RunCommandList(job)
	if err != nil {
		return piloterr.New(piloterr.KindPrepareFailed, "build run command list").WithJob(job.ID).WithCause(err)
	}
	l.runCommands[job.ID] = runCommands

	cp := jobCheckpoint{
		WorkDir:        job.WorkDir,
		JobSpec:        *spec,
		Experiment:     l.experiment.Name(),
		RunCommandList: runCommands,
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return piloterr.New(piloterr.KindUnknown, "encode job checkpoint").WithJob(job.ID).WithCause(err)
	}
	path := filepath.Join(l.cfg.PilotWorkDir, "Job_"+job.ID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return piloterr.New(piloterr.KindUnknown, "write job checkpoint").WithJob(job.ID).WithCause(err)
	}

	l.copyQueuedata(job)
	l.logger.Info().Str("job_id", job.ID).Str("workdir", job.WorkDir).Msg("job set up")
	return nil
}

// copyQueuedata copies the site queue configuration into the job working
// dir. Best effort, like the original.
func (l *Lifecycle) copyQueuedata(job *jobbook.Job) {
	src := l.site.GetQueuedataFileName()
	if src == "" {
		return
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		l.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to read queuedata")
		return
	}
	dest := filepath.Join(job.WorkDir, filepath.Base(src))
	if err := os.WriteFile(dest, raw, 0o644); err != nil {
		l.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to copy queuedata")
	}
}

// RestoreRunCommands re-registers a run-command list loaded from a
// checkpoint during recovery.
func (l *Lifecycle) RestoreRunCommands(jobID string, cmds []string) {
	l.runCommands[jobID] = cmds
}

// LoadJobCheckpoint reads a Job_<id>.json file back.
func LoadJobCheckpoint(path string) (workDir string, spec dispatcher.JobSpec, runCommands []string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", dispatcher.JobSpec{}, nil, err
	}
	var cp jobCheckpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return "", dispatcher.JobSpec{}, nil, fmt.Errorf("lifecycle: decode job checkpoint %s: %w", path, err)
	}
	return cp.WorkDir, cp.JobSpec, cp.RunCommandList, nil
}
