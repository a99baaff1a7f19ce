package stageout

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/jobbook"
)

// zippedSuffix marks a dump file whose outputs were already packaged, which
// makes PackageJob idempotent across restarts.
const zippedSuffix = ".zipped"

// StageOutZipJobs runs the zip-mode stage-out for every job in the book.
func (p *Pipeline) StageOutZipJobs(ctx context.Context) {
	for _, job := range p.book.Jobs() {
		if err := p.StageOutZipJob(ctx, job); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("zip stage-out failed")
		}
	}
}

// StageOutZipJob packages one job's outputs into its premerge tar and
// uploads it, then reports every manifest range to the dispatcher.
func (p *Pipeline) StageOutZipJob(ctx context.Context, job *jobbook.Job) error {
	if job.ZipFileName == "" || job.ZipEventRangesName == "" {
		p.logger.Debug().Str("job_id", job.ID).Msg("no zip artifacts configured, skipping")
		return nil
	}

	if err := p.PackageJob(job); err != nil {
		return err
	}

	if _, err := os.Stat(job.ZipFileName); err != nil {
		p.logger.Info().Str("job_id", job.ID).Msg("no premerge tar, nothing to stage out")
		return nil
	}
	if _, err := os.Stat(job.ZipEventRangesName); err != nil {
		p.logger.Info().Str("job_id", job.ID).Msg("no premerge manifest, nothing to stage out")
		return nil
	}

	if p.cfg.CopyOutputToGlobal {
		return p.copyOutputsToGlobal(job)
	}

	dest := strings.TrimRight(p.cfg.ESPath, "/") + "/" + filepath.Base(job.ZipFileName)
	if err := p.mover.PutFile(ctx, job.ZipFileName, dest, fileSize(job.ZipFileName)); err != nil {
		p.stats.uploads.WithLabelValues("failure").Inc()
		return fmt.Errorf("stageout: upload premerge tar: %w", err)
	}
	p.stats.uploads.WithLabelValues("success").Inc()

	if err := p.book.UpdateJob(job.ID, func(j *jobbook.Job) { j.ZipBucketID = p.cfg.BucketID }); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cannot record zip bucket")
	}

	if err := p.reportManifest(ctx, job); err != nil {
		return err
	}

	if err := os.Remove(job.ZipFileName); err != nil && !os.IsNotExist(err) {
		p.logger.Warn().Err(err).Str("path", job.ZipFileName).Msg("failed to remove uploaded tar")
	}
	return nil
}

// PackageJob consumes the job's event_status.dump: finished outputs go
// into the premerge tar (then disappear from disk), and every finished or
// failed line (ERR* statuses count as failed) lands in the event-ranges
// manifest; malformed lines and lines with any other status are skipped.
// The dump is renamed afterwards so a rerun is a no-op.
func (p *Pipeline) PackageJob(job *jobbook.Job) error {
	dumpPath := filepath.Join(p.cfg.PilotWorkDir, job.ID+"_event_status.dump")

	if _, err := os.Stat(dumpPath + zippedSuffix); err == nil {
		p.logger.Info().Str("job_id", job.ID).Msg("event status dump already packaged")
		return nil
	}
	if _, err := os.Stat(dumpPath); err != nil {
		if _, berr := os.Stat(dumpPath + ".backup"); berr != nil {
			p.logger.Info().Str("job_id", job.ID).Msg("no event status dump")
			return nil
		}
		dumpPath += ".backup"
	}

	dump, err := os.Open(dumpPath)
	if err != nil {
		return err
	}
	defer dump.Close()

	tarFile, err := os.Create(job.ZipFileName)
	if err != nil {
		return err
	}
	defer tarFile.Close()
	tw := tar.NewWriter(tarFile)

	manifest, err := os.Create(job.ZipEventRangesName)
	if err != nil {
		return err
	}
	defer manifest.Close()

	scanner := bufio.NewScanner(dump)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 4)
		if len(fields) < 4 {
			p.logger.Warn().Str("line", line).Msg("malformed event status line")
			continue
		}
		rangeID, status, outputCSV := fields[1], fields[2], fields[3]
		if strings.HasPrefix(status, "ERR") {
			status = "failed"
		}

		if status == "finished" {
			// The last three CSV fields are bookkeeping, not files.
			outputs := strings.Split(outputCSV, ",")
			if len(outputs) > 3 {
				outputs = outputs[:len(outputs)-3]
			} else {
				outputs = nil
			}
			for _, out := range outputs {
				if err := addFileToTar(tw, out); err != nil {
					p.logger.Warn().Err(err).Str("file", out).Msg("cannot add output to tar")
					continue
				}
				if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
					p.logger.Warn().Err(err).Str("file", out).Msg("cannot remove packaged output")
				}
			}
		} else if status != "failed" {
			continue
		}

		fmt.Fprintf(manifest, "%s %s %s\n", rangeID, status, outputCSV)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := tarFile.Close(); err != nil {
		return err
	}
	if err := manifest.Close(); err != nil {
		return err
	}

	renamed := strings.TrimSuffix(dumpPath, ".backup") + zippedSuffix
	if err := os.Rename(dumpPath, renamed); err != nil {
		return err
	}
	p.logger.Info().Str("job_id", job.ID).Str("tar", job.ZipFileName).Msg("outputs packaged")
	return nil
}

func addFileToTar(tw *tar.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// reportManifest pushes every manifest line to the dispatcher in chunks
// and folds the statuses into the book.
func (p *Pipeline) reportManifest(ctx context.Context, job *jobbook.Job) error {
	f, err := os.Open(job.ZipEventRangesName)
	if err != nil {
		return err
	}
	defer f.Close()

	var updates []dispatcher.EventRangeUpdate
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		updates = append(updates, dispatcher.EventRangeUpdate{
			EventRangeID: fields[0],
			EventStatus:  fields[1],
			ObjstoreID:   p.cfg.BucketID,
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// nEventsW follows what actually made it into the manifest.
	if err := p.book.UpdateJob(job.ID, func(j *jobbook.Job) {
		finished := 0
		for _, u := range updates {
			if u.EventStatus == "finished" {
				finished++
			}
		}
		j.NEventsW = finished
		j.NEvents = len(updates)
	}); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cannot update event accounting")
	}

	for start := 0; start < len(updates); start += p.cfg.UpdateChunkSize {
		end := start + p.cfg.UpdateChunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]
		if err := p.client.UpdateEventRanges(ctx, chunk); err != nil {
			// One retry, like the original; the dispatcher reconciles
			// at-least-once reports.
			if err := p.client.UpdateEventRanges(ctx, chunk); err != nil {
				p.logger.Warn().Err(err).Int("ranges", len(chunk)).Msg("manifest update failed")
				continue
			}
		}
		p.markManifestReported(job.ID, chunk)
	}
	return nil
}

// markManifestReported walks each manifest range to reported through its
// permitted chain.
func (p *Pipeline) markManifestReported(jobID string, chunk []dispatcher.EventRangeUpdate) {
	for _, u := range chunk {
		var steps []jobbook.RangeStatus
		if u.EventStatus == "finished" {
			steps = []jobbook.RangeStatus{jobbook.RangeFinished, jobbook.RangeStagedOut, jobbook.RangeReported}
		} else {
			steps = []jobbook.RangeStatus{jobbook.RangeFailed, jobbook.RangeReported}
		}
		for _, step := range steps {
			if err := p.book.SetRangeStatus(jobID, u.EventRangeID, step); err != nil {
				p.logger.Debug().Err(err).Str("range_id", u.EventRangeID).Msg("manifest status fold")
				break
			}
		}
	}
}

// copyOutputsToGlobal is the local-copy short-circuit: the tar moves to the
// parent working directory, and the manifest, the packaged dump and the
// payload job metrics are copied there. No upload, no dispatcher update.
func (p *Pipeline) copyOutputsToGlobal(job *jobbook.Job) error {
	outputDir := filepath.Dir(filepath.Dir(job.ZipFileName))

	if err := os.Rename(job.ZipFileName, filepath.Join(outputDir, filepath.Base(job.ZipFileName))); err != nil {
		return fmt.Errorf("stageout: move tar to global dir: %w", err)
	}
	if err := copyPlain(job.ZipEventRangesName, filepath.Join(outputDir, filepath.Base(job.ZipEventRangesName))); err != nil {
		p.logger.Warn().Err(err).Msg("failed to copy manifest to global dir")
	}

	dump := filepath.Join(p.cfg.PilotWorkDir, job.ID+"_event_status.dump"+zippedSuffix)
	if err := copyPlain(dump, filepath.Join(outputDir, filepath.Base(dump))); err != nil {
		p.logger.Warn().Err(err).Msg("failed to copy dump to global dir")
	}

	jobMetrics := filepath.Join(p.cfg.PilotWorkDir, "jobMetrics-yoda.json")
	if _, err := os.Stat(jobMetrics); err == nil {
		if err := copyPlain(jobMetrics, filepath.Join(outputDir, filepath.Base(jobMetrics))); err != nil {
			p.logger.Warn().Err(err).Msg("failed to copy job metrics to global dir")
		}
	}

	p.logger.Info().Str("job_id", job.ID).Str("output_dir", outputDir).Msg("outputs copied to global dir")
	return nil
}

func copyPlain(src, dest string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, raw, 0o644)
}
