package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/piloterr"
)

// StageIn transfers one job's input files into its working directory. Files
// already staged for another job in this allocation are copied locally
// instead of going back to grid storage.
func (l *Lifecycle) StageIn(ctx context.Context, job *jobbook.Job) error {
	start := time.Now()

	if err := l.book.SetJobState(job.ID, jobbook.JobStateTransferring, "stagein", 0); err != nil {
		return err
	}

	for _, file := range job.InFiles {
		dest := filepath.Join(job.WorkDir, file.LFN)

		if src, ok := l.availFiles[file.LFN]; ok {
			if err := copyLocal(src, dest); err == nil {
				l.logger.Debug().Str("job_id", job.ID).Str("lfn", file.LFN).Msg("input copied from local cache")
				continue
			}
			// Cache copy failed; fall through to a real transfer.
			l.logger.Warn().Str("lfn", file.LFN).Msg("local cache copy failed, staging from storage")
		}

		surl := l.sourceURL(file)
		if err := l.mover.GetFile(ctx, surl, dest, file.Size); err != nil {
			return piloterr.New(piloterr.KindStageInFailed, "stage in "+file.LFN).
				WithJob(job.ID).WithCause(err)
		}
		l.availFiles[file.LFN] = dest
	}

	elapsed := int64(time.Since(start).Round(time.Second).Seconds())
	if err := l.book.UpdateJob(job.ID, func(j *jobbook.Job) { j.TimeStageIn = elapsed }); err != nil {
		return err
	}

	l.logger.Info().Str("job_id", job.ID).Int("files", len(job.InFiles)).
		Int64("time_stage_in_s", elapsed).Msg("stage-in done")
	return nil
}

func (l *Lifecycle) sourceURL(file jobbook.FileEntry) string {
	return strings.TrimRight(l.cfg.SourcePrefix, "/") + "/" + file.LFN
}

func copyLocal(src, dest string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, raw, 0o644)
}
