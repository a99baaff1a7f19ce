package lifecycle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/piloterr"
)

// outputMetadata is the per-job output-file record emitted at finalize.
type outputMetadata struct {
	JobID    string               `json:"jobId"`
	NEvents  int                  `json:"nEvents"`
	NEventsW int                  `json:"nEventsW"`
	OutFiles []jobbook.OutputFile `json:"outFiles"`
}

// Finalize closes out one job: scrubs staged inputs and the packaging tar
// from the working dir, folds still-assigned ranges into failed, moves the
// payload's transformation report into the standard location, emits the
// output metadata and sets the final job state.
func (l *Lifecycle) Finalize(jobID string) error {
	job, err := l.book.Job(jobID)
	if err != nil {
		return err
	}

	l.removeInputs(job)

	// Ranges the payload never reported on cannot stage out; they go to
	// the dispatcher as failed.
	ranges, err := l.book.Ranges(jobID)
	if err != nil {
		return err
	}
	for rangeID, status := range ranges {
		if status == jobbook.RangeAssigned {
			if serr := l.book.SetRangeStatus(jobID, rangeID, jobbook.RangeFailed); serr != nil {
				l.logger.Warn().Err(serr).Str("range_id", rangeID).Msg("failed to fail stuck range")
			}
		}
	}

	l.moveTrfReport(job)

	meta := outputMetadata{
		JobID:    job.ID,
		NEvents:  job.NEvents,
		NEventsW: job.NEventsW,
		OutFiles: job.OutFiles,
	}
	if raw, merr := json.MarshalIndent(meta, "", "  "); merr == nil {
		path := filepath.Join(l.cfg.PilotWorkDir, "metadata-"+job.ID+".json")
		if werr := os.WriteFile(path, raw, 0o644); werr != nil {
			l.logger.Warn().Err(werr).Str("job_id", job.ID).Msg("failed to write output metadata")
		}
	}

	l.collectJobArtifacts(job)

	if job.NEventsW == 0 {
		err = l.book.SetJobState(jobID, jobbook.JobStateFailed, "finished",
			piloterr.KindOverSubscribedEvents.Code())
		if uerr := l.book.UpdateJob(jobID, func(j *jobbook.Job) {
			j.ErrorDiag = "Over subscribed events"
		}); uerr != nil {
			l.logger.Warn().Err(uerr).Str("job_id", jobID).Msg("failed to set error diag")
		}
	} else {
		err = l.book.SetJobState(jobID, jobbook.JobStateFinished, "finished", 0)
	}
	if err != nil {
		return err
	}

	l.logger.Info().Str("job_id", jobID).Int("n_events_w", job.NEventsW).Msg("job finalized")
	return nil
}

// removeInputs deletes staged input files and the premerge tar from the
// job working directory.
func (l *Lifecycle) removeInputs(job *jobbook.Job) {
	for _, file := range job.InFiles {
		path := filepath.Join(job.WorkDir, file.LFN)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to remove input file")
		}
		// The allocation-wide cache must not point at a deleted copy.
		if cached, ok := l.availFiles[file.LFN]; ok && cached == path {
			delete(l.availFiles, file.LFN)
		}
	}
	if job.ZipFileName != "" {
		if err := os.Remove(job.ZipFileName); err != nil && !os.IsNotExist(err) {
			l.logger.Warn().Err(err).Str("path", job.ZipFileName).Msg("failed to remove premerge tar")
		}
	}
}

// collectJobArtifacts copies this job's pilot-level artifacts (status
// dumps, premerge manifest, payload metrics) into the job working dir so
// they travel with the job log tarball.
func (l *Lifecycle) collectJobArtifacts(job *jobbook.Job) {
	entries, err := os.ReadDir(l.cfg.PilotWorkDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		wanted := (strings.Contains(name, job.ID) &&
			(strings.Contains(name, "event_status.dump") ||
				strings.HasPrefix(name, "EventService_premerge_eventranges_") ||
				strings.HasPrefix(name, "metadata-") ||
				strings.HasPrefix(name, "jobState-"))) ||
			strings.HasPrefix(name, "jobMetrics-") ||
			strings.HasPrefix(name, "jobsTimestamp-")
		if !wanted {
			continue
		}
		src := filepath.Join(l.cfg.PilotWorkDir, name)
		if err := copyLocal(src, filepath.Join(job.WorkDir, name)); err != nil {
			l.logger.Warn().Err(err).Str("file", name).Msg("failed to collect job artifact")
		}
	}
}

// moveTrfReport relocates the payload's transformation report from the job
// working dir to the standard pilot-level name.
func (l *Lifecycle) moveTrfReport(job *jobbook.Job) {
	src := filepath.Join(job.WorkDir, "metadata.xml")
	if _, err := os.Stat(src); err != nil {
		return
	}
	dest := filepath.Join(l.cfg.PilotWorkDir, "metadata-"+job.ID+".xml")
	if err := os.Rename(src, dest); err != nil {
		l.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to move transformation report")
	}
}
