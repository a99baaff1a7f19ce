package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	applog "github.com/hpcwms/espilot/log"
	"github.com/hpcwms/espilot/pilot-app/config"
	"github.com/hpcwms/espilot/server/api"
	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/experiment"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/lifecycle"
	"github.com/hpcwms/espilot/x/mover"
	"github.com/hpcwms/espilot/x/payload"
	"github.com/hpcwms/espilot/x/recovery"
	"github.com/hpcwms/espilot/x/scheduler"
	"github.com/hpcwms/espilot/x/siteinfo"
	"github.com/hpcwms/espilot/x/stageout"
)

// runPilot wires the components and drives one allocation to completion.
// The returned code is the process exit code: zero on clean finalize.
func runPilot(cfg *config.Config, recoverRun bool) (int, error) {
	logger, err := applog.New(cfg.Log)
	if err != nil {
		return 1, err
	}

	// On signal the coordinator stops claiming work, drains the pool and
	// still runs finalization before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	site, err := siteinfo.NewFileService(cfg.QueuedataFile, logger)
	if err != nil {
		return 1, err
	}
	res, err := siteinfo.LoadResources(site, logger)
	if err != nil {
		return 1, err
	}
	res.CopySetup = firstNonEmpty(cfg.Mover.Setup, res.CopySetup)

	book := jobbook.NewBook(logger)
	client := dispatcher.NewHTTPClient(cfg.Dispatcher, logger)

	moverCfg := cfg.Mover
	moverCfg.Setup = res.CopySetup
	factory := mover.NewSiteFactory(moverCfg, logger)
	mv, err := factory.New("lcg-cp")
	if err != nil {
		return 1, err
	}

	adapter, err := experiment.New(cfg.Experiment)
	if err != nil {
		return 1, err
	}

	plugin, err := payload.NewPlugin(res.Plugin, logger)
	if err != nil {
		return 1, err
	}
	supervisor := payload.NewManager(payload.Config{
		GlobalWorkDir:   cfg.PilotWorkDir,
		LocalWorkDir:    res.LocalWorkingDir,
		CopyInputFiles:  res.CopyInputFiles && res.LocalWorkingDir != "",
		LocalSetup:      loadLocalSetup(site, logger),
		StageoutThreads: res.StageoutThreads,
	}, plugin, logger)

	lc := lifecycle.New(lifecycle.Config{
		PilotWorkDir:    cfg.PilotWorkDir,
		SourcePrefix:    cfg.SourcePrefix,
		CopyInputFiles:  res.CopyInputFiles && res.LocalWorkingDir != "",
		Experiment:      cfg.Experiment,
		StageoutThreads: res.StageoutThreads,
	}, site, res, adapter, mv, book, logger)

	soCfg := stageout.DefaultConfig()
	soCfg.Threads = res.StageoutThreads
	soCfg.ESPath = res.ESPath
	soCfg.BucketID = res.OSBucketID
	soCfg.ZipMode = res.ZipMode()
	soCfg.CopyOutputToGlobal = res.CopyOutputToGlobal
	soCfg.PilotWorkDir = cfg.PilotWorkDir
	pipeline := stageout.New(soCfg, book, client, mv, logger)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.PilotWorkDir = cfg.PilotWorkDir
	schedCfg.JobDescriptorFile = cfg.JobDescriptorFile
	sched := scheduler.New(schedCfg, res, client, supervisor, lc, pipeline, adapter, book, logger)

	g, runCtx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		adminServer := api.NewServer(cfg.API, book, logger)
		adminServer.EnableCORS()
		g.Go(func() error { return adminServer.Start(runCtx) })
	}

	g.Go(func() error {
		defer stop()
		if recoverRun {
			return runRecovered(runCtx, cfg, sched, supervisor, lc, book, logger)
		}
		return runFresh(runCtx, sched, logger)
	})

	if err := g.Wait(); err != nil && runCtx.Err() == nil {
		logger.Error().Err(err).Msg("pilot run failed")
		if sched.ExitCode() != 0 {
			return sched.ExitCode(), err
		}
		return 1, err
	}
	return sched.ExitCode(), nil
}

// runFresh is the normal claim -> stage-in -> run path.
func runFresh(ctx context.Context, sched *scheduler.Scheduler, logger zerolog.Logger) error {
	if err := sched.AcquireResources(ctx); err != nil {
		return fmt.Errorf("resource acquisition: %w", err)
	}
	if err := sched.BootstrapJob(ctx); err != nil {
		return fmt.Errorf("bootstrap job: %w", err)
	}
	sched.FillJobs(ctx)
	sched.StageInJobs(ctx)
	if err := sched.StartPayload(ctx); err != nil {
		return fmt.Errorf("payload start: %w", err)
	}
	sched.Run(ctx)
	logger.Info().Msg("pilot run complete")
	return nil
}

// runRecovered rebuilds the book from on-disk artifacts, re-attaches to
// the batch job and re-enters the run loop skipping claim and stage-in.
func runRecovered(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler,
	supervisor payload.Supervisor, lc *lifecycle.Lifecycle, book *jobbook.Book, logger zerolog.Logger) error {

	attempt, err := recovery.Rebuild(cfg.PilotWorkDir, book, logger)
	if err != nil {
		return fmt.Errorf("rebuild job book: %w", err)
	}

	// Jobs checkpointed before the jobState snapshot still have their
	// run commands in Job_<id>.json.
	checkpoints, err := recovery.FindJobCheckpoints(cfg.PilotWorkDir)
	if err != nil {
		return err
	}
	bootstrapID := ""
	for jobID, path := range checkpoints {
		workDir, spec, cmds, lerr := lifecycle.LoadJobCheckpoint(path)
		if lerr != nil {
			logger.Warn().Err(lerr).Str("path", path).Msg("unreadable job checkpoint")
			continue
		}
		lc.RestoreRunCommands(jobID, cmds)
		if bootstrapID == "" {
			bootstrapID = jobID
		}
		if _, jerr := book.Job(jobID); jerr != nil {
			// In the book only via Job_<id>.json: register it so its
			// outputs still get staged out.
			job := lc.JobFromSpec(&spec)
			job.WorkDir = workDir
			if aerr := book.AddJob(job); aerr != nil {
				logger.Warn().Err(aerr).Str("job_id", jobID).Msg("cannot restore unmonitored job")
			}
		}
	}

	if err := supervisor.RecoveryState(); err != nil {
		return fmt.Errorf("payload recovery: %w", err)
	}

	sched.SetRecovered(attempt, bootstrapID)
	sched.Run(ctx)
	logger.Info().Msg("recovered pilot run complete")
	return nil
}

// loadLocalSetup picks up the payload setup script living next to the
// site's envsetup, when the site ships one.
func loadLocalSetup(site siteinfo.Service, logger zerolog.Logger) string {
	envsetup, err := site.ReadPar("envsetup")
	if err != nil || envsetup == "" {
		return ""
	}
	path := filepath.Join(filepath.Dir(envsetup), "yodasetup.sh")
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	logger.Info().Str("path", path).Msg("payload setup script found")
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
