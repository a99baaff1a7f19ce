package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hpcwms/espilot/metrics"
	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/experiment"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/lifecycle"
	"github.com/hpcwms/espilot/x/payload"
	"github.com/hpcwms/espilot/x/piloterr"
	"github.com/hpcwms/espilot/x/recovery"
	"github.com/hpcwms/espilot/x/siteinfo"
	"github.com/hpcwms/espilot/x/stageout"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrNoBootstrapJob indicates the job descriptor file could not be loaded.
var ErrNoBootstrapJob = errors.New("scheduler: no bootstrap job")

// Scheduler owns the run: it sizes demand against the granted resources,
// claims jobs and ranges, partitions cores, drives the payload poll loop
// and reports progress back to the dispatcher. It runs entirely on the
// coordinator goroutine.
type Scheduler struct {
	cfg        Config
	site       siteinfo.Resources
	client     dispatcher.Client
	supervisor payload.Supervisor
	lifecycle  *lifecycle.Lifecycle
	pipeline   *stageout.Pipeline
	adapter    experiment.Adapter
	book       *jobbook.Book
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	neededRanges    int
	maxRangesPerJob int
	bootstrapJobID  string
	recoveryAttempt int
	fatalCode       int

	stats schedulerMetrics
}

type schedulerMetrics struct {
	jobsClaimed    prometheus.Counter
	rangesClaimed  prometheus.Counter
	dispatcherErrs prometheus.Counter
	heartbeats     prometheus.Counter
	payloadPolls   *prometheus.CounterVec
}

func newSchedulerMetrics() schedulerMetrics {
	reg := metrics.NewComponentRegistry("scheduler")
	return schedulerMetrics{
		jobsClaimed: reg.NewCounter(prometheus.CounterOpts{
			Name: "jobs_claimed_total", Help: "Jobs claimed from the dispatcher"}),
		rangesClaimed: reg.NewCounter(prometheus.CounterOpts{
			Name: "event_ranges_claimed_total", Help: "Event ranges claimed from the dispatcher"}),
		dispatcherErrs: reg.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_failures_total", Help: "Failed dispatcher calls"}),
		heartbeats: reg.NewCounter(prometheus.CounterOpts{
			Name: "heartbeats_total", Help: "Job heartbeats pushed to the dispatcher"}),
		payloadPolls: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_polls_total", Help: "Payload polls by resulting state"}, []string{"state"}),
	}
}

// New builds the scheduler.
func New(cfg Config, site siteinfo.Resources, client dispatcher.Client, supervisor payload.Supervisor,
	lc *lifecycle.Lifecycle, pipeline *stageout.Pipeline, adapter experiment.Adapter,
	book *jobbook.Book, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		site:       site,
		client:     client,
		supervisor: supervisor,
		lifecycle:  lc,
		pipeline:   pipeline,
		adapter:    adapter,
		book:       book,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
		stats:      newSchedulerMetrics(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// AcquireResources asks the payload back-end what it will actually get and
// sizes the event-range demand from it.
func (s *Scheduler) AcquireResources(ctx context.Context) error {
	granted, err := s.supervisor.FreeResources(ctx, s.site)
	if err != nil {
		return err
	}

	s.neededRanges = granted.EventsCapacity
	if s.site.MaxEvents < s.neededRanges {
		s.neededRanges = s.site.MaxEvents
	}
	s.maxRangesPerJob = s.site.EventsLimitPerJob
	if s.maxRangesPerJob <= 0 {
		s.maxRangesPerJob = 1000
	}

	s.logger.Info().Int("needed_ranges", s.neededRanges).
		Int("max_ranges_per_job", s.maxRangesPerJob).
		Int("total_cores", granted.TotalCores()).Msg("demand sized")
	return nil
}

// BootstrapJob loads the first job from the caller-provided descriptor
// file and claims ranges for it.
func (s *Scheduler) BootstrapJob(ctx context.Context) error {
	raw, err := os.ReadFile(s.cfg.JobDescriptorFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoBootstrapJob, err)
	}
	var spec dispatcher.JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("%w: %v", ErrNoBootstrapJob, err)
	}

	if err := s.admitJob(ctx, &spec); err != nil {
		return err
	}
	s.bootstrapJobID = spec.PandaID
	return nil
}

// FillJobs claims more jobs until the range demand is met, parallel_jobs
// is reached, or the dispatcher gives up.
func (s *Scheduler) FillJobs(ctx context.Context) {
	failures := 0
	for s.neededRanges > 0 && s.book.Len() < s.site.ParallelJobs {
		toGet := s.neededRanges / s.maxRangesPerJob
		if toGet < 1 {
			toGet = 1
		}
		if toGet > s.cfg.MaxJobsPerFetch {
			toGet = s.cfg.MaxJobsPerFetch
		}

		specs, outcome, err := s.client.GetJob(ctx, toGet)
		if err != nil {
			s.stats.dispatcherErrs.Inc()
			failures++
			s.logger.Warn().Err(err).Int("failures", failures).Msg("getJob failed")
			if failures >= s.cfg.MaxConsecutiveFailures {
				s.logger.Warn().Msg("aborting job fill after repeated dispatcher failures")
				return
			}
			continue
		}
		if outcome == dispatcher.NoJobsAvailable {
			s.logger.Info().Msg("dispatcher has no jobs, proceeding with what we have")
			return
		}
		if len(specs) == 0 {
			failures++
			if failures >= s.cfg.MaxConsecutiveFailures {
				return
			}
			continue
		}
		failures = 0

		for i := range specs {
			if err := s.admitJob(ctx, &specs[i]); err != nil {
				s.logger.Warn().Err(err).Str("job_id", specs[i].PandaID).Msg("job rejected")
			}
		}
	}
}

// admitJob validates, registers and sets up one claimed job, then claims
// event ranges for it. Validation failures fail the job on the dispatcher
// and are not fatal to the run.
func (s *Scheduler) admitJob(ctx context.Context, spec *dispatcher.JobSpec) error {
	if err := s.adapter.ValidateJobSpec(spec); err != nil {
		s.failJobOnDispatcher(ctx, spec.PandaID, piloterr.KindUnknown.Code(), err.Error())
		return err
	}

	job := s.lifecycle.JobFromSpec(spec)
	if err := s.book.AddJob(job); err != nil {
		return err
	}
	if err := s.lifecycle.SetupJob(job, spec); err != nil {
		s.failJob(ctx, job.ID, err)
		return err
	}
	s.stats.jobsClaimed.Inc()

	claimed, err := s.claimRanges(ctx, job)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("event range claim failed")
	}
	s.logger.Info().Str("job_id", job.ID).Int("ranges", claimed).Msg("job admitted")

	if err := s.client.UpdateJob(ctx, dispatcher.JobUpdate{
		JobID: job.ID, State: string(jobbook.JobStateStarting),
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("starting heartbeat failed")
	}
	return nil
}

// claimRanges downloads up to neededRanges event ranges for one job.
func (s *Scheduler) claimRanges(ctx context.Context, job *jobbook.Job) (int, error) {
	if s.neededRanges <= 0 {
		return 0, nil
	}

	defs, outcome, err := s.client.DownloadEventRanges(ctx, job.ID, job.JobsetID, job.TaskID, s.neededRanges)
	if err != nil {
		s.stats.dispatcherErrs.Inc()
		return 0, err
	}
	if outcome == dispatcher.NoMoreEvents {
		s.logger.Info().Str("job_id", job.ID).Msg("no more events for job")
		return 0, nil
	}
	if len(defs) == 0 {
		return 0, nil
	}

	ranges := make([]*jobbook.EventRange, 0, len(defs))
	for _, def := range defs {
		ranges = append(ranges, &jobbook.EventRange{
			ID:         def.EventRangeID,
			LFN:        def.LFN,
			GUID:       def.GUID,
			StartEvent: def.StartEvent,
			LastEvent:  def.LastEvent,
			Scope:      def.Scope,
		})
	}
	if err := s.book.AddRanges(job.ID, ranges); err != nil {
		return 0, err
	}

	s.neededRanges -= len(ranges)
	if len(ranges) > s.maxRangesPerJob {
		s.maxRangesPerJob = len(ranges)
	}
	s.stats.rangesClaimed.Add(float64(len(ranges)))
	return len(ranges), nil
}

// StageInJobs stages every admitted job's inputs. A single job's failure
// removes that job, not the allocation.
func (s *Scheduler) StageInJobs(ctx context.Context) {
	for _, job := range s.book.Jobs() {
		if err := s.lifecycle.StageIn(ctx, job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("stage-in failed, dropping job")
			s.failJob(ctx, job.ID, err)
		}
	}
}

// StartPayload prepares every job's payload command, hands the batch
// back-end the job set and submits it. Core counts are partitioned before
// and re-partitioned after initJobs reports the final total.
func (s *Scheduler) StartPayload(ctx context.Context) error {
	hpcJobs := make(map[string]*payload.HPCJob)
	rangesByJob := make(map[string][]jobbook.EventRange)

	for _, job := range s.book.Jobs() {
		hpcJob, err := s.lifecycle.Prepare(ctx, job)
		if err != nil {
			// A preparation failure is per-job: fail it, keep going.
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("payload preparation failed")
			s.failJob(ctx, job.ID, err)
			continue
		}

		defs, err := s.book.RangeDefs(job.ID)
		if err != nil || len(defs) == 0 {
			continue
		}
		hpcJobs[job.ID] = hpcJob
		rangesByJob[job.ID] = defs
	}

	if len(hpcJobs) == 0 {
		return errors.New("scheduler: no runnable jobs")
	}

	s.book.SetAllCoreCounts(s.supervisor.CoreCount())

	if err := s.supervisor.InitJobs(hpcJobs, rangesByJob); err != nil {
		return err
	}

	// Ranges are in the payload's hands now.
	for jobID := range hpcJobs {
		ranges, err := s.book.Ranges(jobID)
		if err != nil {
			continue
		}
		for rangeID := range ranges {
			if err := s.book.SetRangeStatus(jobID, rangeID, jobbook.RangeAssigned); err != nil {
				s.logger.Warn().Err(err).Str("range_id", rangeID).Msg("cannot assign range")
			}
		}
	}

	// The back-end may have adjusted the grant during initJobs.
	s.book.SetAllCoreCounts(s.supervisor.CoreCount())

	if err := s.supervisor.Submit(ctx); err != nil {
		return err
	}
	if err := s.supervisor.SaveState(); err != nil {
		s.logger.Warn().Err(err).Msg("payload state save failed")
	}
	s.saveSnapshot()

	for jobID := range hpcJobs {
		if err := s.book.SetJobState(jobID, jobbook.JobStateRunning, "submitted", 0); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("cannot mark job running")
		}
	}
	return nil
}

// failJob fails one job on the dispatcher and drops it from the book.
func (s *Scheduler) failJob(ctx context.Context, jobID string, cause error) {
	code := piloterr.CodeOf(cause)

	// Event-service failures below the attempt ceiling stay recoverable
	// so the dispatcher retries the job elsewhere.
	if job, err := s.book.Job(jobID); err == nil && job.AttemptNr < 10 {
		if kind := piloterr.KindOf(cause); kind == piloterr.KindStageInFailed || kind == piloterr.KindPrepareFailed {
			code = piloterr.KindESRecoverable.Code()
		}
	}
	if s.fatalCode == 0 {
		s.fatalCode = code
	}

	s.failJobOnDispatcher(ctx, jobID, code, cause.Error())
	s.book.Drop(jobID)
}

func (s *Scheduler) failJobOnDispatcher(ctx context.Context, jobID string, code int, diag string) {
	if jobID == "" {
		return
	}
	if err := s.client.UpdateJob(ctx, dispatcher.JobUpdate{
		JobID:     jobID,
		State:     string(jobbook.JobStateFailed),
		ExitCode:  code,
		ErrorDiag: diag,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed-job update failed")
	}
}

func (s *Scheduler) saveSnapshot() {
	jobID := s.bootstrapJobID
	if jobID == "" {
		jobs := s.book.Jobs()
		if len(jobs) == 0 {
			return
		}
		jobID = jobs[0].ID
	}
	path := recovery.StateFilePath(s.cfg.PilotWorkDir, jobID)
	if err := recovery.Save(path, s.recoveryAttempt, s.book); err != nil {
		s.logger.Warn().Err(err).Msg("jobState snapshot save failed")
	}
}

// SetRecovered marks the scheduler as re-entering after a restart.
func (s *Scheduler) SetRecovered(attempt int, bootstrapJobID string) {
	s.recoveryAttempt = attempt + 1
	s.bootstrapJobID = bootstrapJobID
}

// ExitCode is zero on a clean finalize, else the first fatal pilot error
// code observed.
func (s *Scheduler) ExitCode() int {
	return s.fatalCode
}
