package scheduler

import (
	"context"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/payload"
)

// Run drives the payload to completion and stages everything out. It never
// lets an error escape: per-job paths fail that job, global paths still
// reach finalization.
func (s *Scheduler) Run(ctx context.Context) {
	s.pipeline.Start(ctx)

	var lastState payload.State
	lastHeartbeat := s.now()

	for !s.supervisor.IsFinished() {
		if ctx.Err() != nil {
			s.logger.Warn().Msg("run cancelled, stopping payload watch")
			break
		}

		state, err := s.supervisor.Poll(ctx)
		if err != nil {
			// Failed polls are retried next round; never fatal.
			s.logger.Warn().Err(err).Msg("payload poll failed")
			s.sleep(ctx, s.cfg.PollInterval)
			continue
		}
		s.stats.payloadPolls.WithLabelValues(string(state)).Inc()

		stateChanged := state != lastState
		if stateChanged || s.now().Sub(lastHeartbeat) >= s.cfg.HeartbeatInterval {
			lastState = state
			lastHeartbeat = s.now()
			s.foldJobMetrics()
			s.heartbeatAll(ctx)
		}

		if state == payload.StateComplete {
			break
		}

		if outputs, oerr := s.supervisor.GetOutputs(); oerr == nil && len(outputs) > 0 {
			s.pipeline.HandleOutputs(outputs)
		}

		s.sleep(ctx, s.cfg.PollInterval)
	}

	s.logger.Info().Msg("payload finished, staging out")
	s.foldJobMetrics()
	for _, job := range s.book.Jobs() {
		if job.State == jobbook.JobStateRunning {
			if err := s.book.SetJobState(job.ID, jobbook.JobStateStagingOut, "stagingOut", 0); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cannot mark stagingOut")
			}
		}
	}
	s.heartbeatAll(ctx)

	if s.site.ZipMode() {
		s.pipeline.StageOutZipJobs(ctx)
		s.pipeline.Reconcile(ctx)
	} else {
		s.pipeline.FinishStageout(ctx, func() ([]payload.Output, error) {
			return s.supervisor.FlushOutputs()
		})
	}
	s.pipeline.Stop()

	if err := s.supervisor.PostRun(); err != nil {
		s.logger.Warn().Err(err).Msg("payload postRun failed")
	}
	if status, diag, err := s.supervisor.CheckJobLog(); err == nil && status == "failed" {
		s.logger.Warn().Str("diagnostic", diag).Msg("payload job log reports failure")
	}

	s.FinishJobs(ctx)
}

// foldJobMetrics pulls the payload's accounting side channel into the
// book, and derives running/stagingOut transitions from the per-job
// timestamps.
func (s *Scheduler) foldJobMetrics() {
	jobMetrics, merr := readJobMetrics(s.cfg.PilotWorkDir)
	timestamps, terr := readJobTimestamps(s.cfg.PilotWorkDir)
	if merr != nil && terr != nil {
		return
	}

	for _, job := range s.book.Jobs() {
		entry, ok := jobMetrics[job.ID]
		if ok {
			if err := s.book.UpdateJob(job.ID, func(j *jobbook.Job) {
				j.Metrics = entry.Collect
				if entry.Collect.Cores > 0 {
					j.CoreCount = entry.Collect.Cores
				}
				j.NEvents = entry.Collect.TotalQueuedEvents
				j.NEventsW = entry.Collect.ProcessedEvents
			}); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("metrics fold failed")
			}
		}

		ts, ok := timestamps[job.ID]
		if !ok {
			continue
		}
		if err := s.book.UpdateJob(job.ID, func(j *jobbook.Job) {
			j.Metrics.StartTime = ts.StartTime
			j.Metrics.EndTime = ts.EndTime
		}); err != nil {
			continue
		}
		switch {
		case ts.StartTime > 0 && ts.EndTime == 0 && job.State != jobbook.JobStateRunning:
			if err := s.book.SetJobState(job.ID, jobbook.JobStateRunning, "running", 0); err == nil {
				s.logger.Info().Str("job_id", job.ID).Msg("payload started processing job")
			}
		case ts.StartTime > 0 && ts.EndTime > 0 && job.State == jobbook.JobStateRunning:
			if err := s.book.SetJobState(job.ID, jobbook.JobStateStagingOut, "finished", 0); err == nil {
				s.logger.Info().Str("job_id", job.ID).Msg("payload finished processing job")
			}
		}
	}
}

// heartbeatAll pushes one heartbeat per job, with the CPU accounting drawn
// from the jobMetrics side channel.
func (s *Scheduler) heartbeatAll(ctx context.Context) {
	for _, job := range s.book.Jobs() {
		update := dispatcher.JobUpdate{
			JobID:              job.ID,
			State:              string(job.State),
			HPCState:           job.HPCState,
			ExitCode:           job.ErrorCode,
			ErrorDiag:          job.ErrorDiag,
			CPUConsumptionTime: job.Metrics.CPUConsumptionTime,
			CoreCount:          job.CoreCount,
			NEvents:            job.NEventsW,
		}
		if err := s.client.UpdateJob(ctx, update); err != nil {
			s.stats.dispatcherErrs.Inc()
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("heartbeat failed")
			continue
		}
		s.stats.heartbeats.Inc()
	}
}

// FinishJobs finalizes every job, reconciles outstanding range reports and
// retires jobs from the book. The bootstrap job goes last, matching the
// original shutdown order.
func (s *Scheduler) FinishJobs(ctx context.Context) {
	jobs := s.book.Jobs()

	ordered := make([]*jobbook.Job, 0, len(jobs))
	var bootstrap *jobbook.Job
	for _, job := range jobs {
		if job.ID == s.bootstrapJobID {
			bootstrap = job
			continue
		}
		ordered = append(ordered, job)
	}
	if bootstrap != nil {
		ordered = append(ordered, bootstrap)
	}

	for _, job := range ordered {
		if err := s.lifecycle.Finalize(job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("finalize failed")
		}
	}

	// Finalize may have failed stuck ranges; report them before retiring
	// the jobs.
	s.pipeline.Reconcile(ctx)
	s.saveSnapshot()

	for _, job := range ordered {
		final, err := s.book.Job(job.ID)
		if err != nil {
			continue
		}
		if final.State == jobbook.JobStateFailed && s.fatalCode == 0 {
			s.fatalCode = final.ErrorCode
		}

		update := dispatcher.JobUpdate{
			JobID:              final.ID,
			State:              string(final.State),
			HPCState:           final.HPCState,
			ExitCode:           final.ErrorCode,
			ErrorDiag:          final.ErrorDiag,
			CPUConsumptionTime: final.Metrics.CPUConsumptionTime,
			CoreCount:          final.CoreCount,
			NEvents:            final.NEventsW,
		}
		if err := s.client.UpdateJob(ctx, update); err != nil {
			s.logger.Warn().Err(err).Str("job_id", final.ID).Msg("final job update failed")
		}

		if err := s.book.Remove(final.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", final.ID).Msg("job retirement blocked")
		}
	}
}
