package recovery

import (
	"path/filepath"
	"regexp"

	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/rs/zerolog"
)

var jobCheckpointPattern = regexp.MustCompile(`^Job_(.+)\.json$`)

// FindJobCheckpoints maps job id -> Job_<id>.json path for every job
// checkpoint in the pilot working directory.
func FindJobCheckpoints(pilotWorkDir string) (map[string]string, error) {
	entries, err := filepath.Glob(filepath.Join(pilotWorkDir, "Job_*.json"))
	if err != nil {
		return nil, err
	}
	found := make(map[string]string, len(entries))
	for _, path := range entries {
		m := jobCheckpointPattern.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		found[m[1]] = path
	}
	return found, nil
}

// Rebuild reconstructs a book from the snapshots found in the pilot
// working directory. Rebuilding twice from the same files yields an
// identical book snapshot.
func Rebuild(pilotWorkDir string, book *jobbook.Book, logger zerolog.Logger) (attempt int, err error) {
	log := logger.With().Str("component", "recovery").Logger()

	statePaths, err := FindStateFiles(pilotWorkDir)
	if err != nil {
		return 0, err
	}

	for _, path := range statePaths {
		snap, lerr := Load(path)
		if lerr != nil {
			log.Warn().Err(lerr).Str("path", path).Msg("skipping unreadable jobState file")
			continue
		}
		if snap.RecoveryAttempt > attempt {
			attempt = snap.RecoveryAttempt
		}
		for _, job := range snap.Book.Jobs {
			if aerr := book.AddJob(job); aerr != nil {
				log.Warn().Err(aerr).Str("job_id", job.ID).Msg("job already restored")
				continue
			}
			ranges := make([]*jobbook.EventRange, 0, len(snap.Book.Ranges[job.ID]))
			for rangeID, status := range snap.Book.Ranges[job.ID] {
				ranges = append(ranges, &jobbook.EventRange{ID: rangeID, Status: status})
			}
			if rerr := book.AddRanges(job.ID, ranges); rerr != nil {
				log.Warn().Err(rerr).Str("job_id", job.ID).Msg("failed to restore ranges")
			}
			log.Info().Str("job_id", job.ID).Int("ranges", len(ranges)).
				Str("state", string(job.State)).Msg("job restored from jobState")
		}
	}

	return attempt, nil
}
