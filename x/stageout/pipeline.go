package stageout

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hpcwms/espilot/metrics"
	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/mover"
	"github.com/hpcwms/espilot/x/payload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Pipeline uploads per-range artifacts to the object store through a fixed
// worker pool and reconciles range status with the dispatcher. An artifact
// is deleted only after its range was observed as stagedOut.
type Pipeline struct {
	cfg    Config
	book   *jobbook.Book
	client dispatcher.Client
	mover  mover.Mover
	logger zerolog.Logger

	tasks   chan Task
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.Mutex
	failed []Task

	started bool
	cancel  context.CancelFunc

	stats pipelineMetrics
}

type pipelineMetrics struct {
	uploads     *prometheus.CounterVec
	retries     prometheus.Counter
	rangeStatus *prometheus.GaugeVec
}

func newPipelineMetrics() pipelineMetrics {
	reg := metrics.NewComponentRegistry("stageout")
	return pipelineMetrics{
		uploads: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "uploads_total",
			Help: "Object-store uploads by result",
		}, []string{"result"}),
		retries: reg.NewCounter(prometheus.CounterOpts{
			Name: "retry_tasks_total",
			Help: "Tasks requeued after a failed upload",
		}),
		rangeStatus: reg.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ranges",
			Help: "Event ranges by current status",
		}, []string{"status"}),
	}
}

// New builds the pipeline. Call Start before handing it outputs.
func New(cfg Config, book *jobbook.Book, client dispatcher.Client, mv mover.Mover, logger zerolog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:    cfg,
		book:   book,
		client: client,
		mover:  mv,
		logger: logger.With().Str("component", "stageout").Logger(),
		tasks:  make(chan Task, cfg.Threads*4),
		stats:  newPipelineMetrics(),
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Threads; i++ {
		p.workers.Add(1)
		go p.worker(runCtx)
	}
	p.logger.Info().Int("threads", p.cfg.Threads).Msg("stageout pool started")
}

// Stop drains outstanding work and stops the workers.
func (p *Pipeline) Stop() {
	if !p.started {
		return
	}
	p.pending.Wait()
	close(p.tasks)
	p.workers.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	p.started = false
}

// HandleOutputs folds payload outputs into the book and enqueues uploads
// for finished ranges. Failed ranges are recorded and never uploaded.
func (p *Pipeline) HandleOutputs(outputs []payload.Output) {
	for _, out := range outputs {
		switch out.Status {
		case "finished":
			if err := p.book.SetRangeStatus(out.JobID, out.RangeID, jobbook.RangeFinished); err != nil {
				p.logger.Warn().Err(err).Str("range_id", out.RangeID).Msg("cannot mark range finished")
				continue
			}
			if p.cfg.ZipMode {
				// Zip mode uploads the per-job tar, not single files.
				continue
			}
			p.enqueue(Task{JobID: out.JobID, RangeID: out.RangeID, LocalPath: out.Path, Size: fileSize(out.Path)})
		default:
			// Anything not finished counts as failed.
			if err := p.book.SetRangeStatus(out.JobID, out.RangeID, jobbook.RangeFailed); err != nil {
				p.logger.Warn().Err(err).Str("range_id", out.RangeID).Msg("cannot mark range failed")
			}
		}
	}
}

func (p *Pipeline) enqueue(task Task) {
	p.pending.Add(1)
	p.tasks <- task
}

// Drain blocks until every queued task went through a worker.
func (p *Pipeline) Drain() {
	p.pending.Wait()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.workers.Done()
	for task := range p.tasks {
		p.runTask(ctx, task)
		p.pending.Done()
	}
}

// runTask uploads one artifact. Each task gets a single attempt; failures
// go to the retry queue for the post-completion sweeps.
func (p *Pipeline) runTask(ctx context.Context, task Task) {
	task.Attempts++
	dest := strings.TrimRight(p.cfg.ESPath, "/") + "/" + filepath.Base(task.LocalPath)

	if err := p.mover.PutFile(ctx, task.LocalPath, dest, task.Size); err != nil {
		p.logger.Warn().Err(err).Str("range_id", task.RangeID).Int("attempts", task.Attempts).
			Msg("upload failed")
		p.stats.uploads.WithLabelValues("failure").Inc()
		p.mu.Lock()
		p.failed = append(p.failed, task)
		p.mu.Unlock()
		return
	}
	p.stats.uploads.WithLabelValues("success").Inc()

	if err := p.book.SetRangeStatus(task.JobID, task.RangeID, jobbook.RangeStagedOut); err != nil {
		p.logger.Warn().Err(err).Str("range_id", task.RangeID).Msg("cannot mark range stagedOut")
		return
	}
	// Only now is the local artifact disposable.
	if err := os.Remove(task.LocalPath); err != nil && !os.IsNotExist(err) {
		p.logger.Warn().Err(err).Str("path", task.LocalPath).Msg("failed to remove uploaded artifact")
	}
}

// takeFailed empties the retry queue.
func (p *Pipeline) takeFailed() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	failed := p.failed
	p.failed = nil
	return failed
}

// FailedCount reports the retry-queue depth.
func (p *Pipeline) FailedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failed)
}

// FinishStageout runs after the payload completes: up to RetrySweeps
// passes of flush -> requeue failures -> drain -> reconcile. Ranges whose
// uploads never succeed are reported failed on the last sweep.
func (p *Pipeline) FinishStageout(ctx context.Context, flush func() ([]payload.Output, error)) {
	for sweep := 0; sweep < p.cfg.RetrySweeps; sweep++ {
		if flush != nil {
			outputs, err := flush()
			if err != nil {
				p.logger.Warn().Err(err).Int("sweep", sweep).Msg("flush outputs failed")
			} else {
				p.HandleOutputs(outputs)
			}
		}

		for _, task := range p.takeFailed() {
			p.stats.retries.Inc()
			p.enqueue(task)
		}

		p.Drain()
		p.Reconcile(ctx)
	}

	// Out of sweeps: whatever still sits in the retry queue will never
	// make it to the object store.
	for _, task := range p.takeFailed() {
		if err := p.book.SetRangeStatus(task.JobID, task.RangeID, jobbook.RangeFailed); err != nil {
			p.logger.Warn().Err(err).Str("range_id", task.RangeID).Msg("cannot fail exhausted range")
		}
	}
	p.Reconcile(ctx)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
