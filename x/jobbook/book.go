package jobbook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Book is the process-wide registry of claimed jobs and their event-range
// tables. All mutations serialize through its lock; readers get deep copies
// so no caller ever observes a partially applied change.
type Book struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	jobs   map[string]*Job
	ranges map[string]map[string]*EventRange

	// seenRanges spans the whole process lifetime, including removed jobs.
	seenRanges map[string]struct{}
}

// NewBook creates an empty book.
func NewBook(logger zerolog.Logger) *Book {
	return &Book{
		logger:     logger.With().Str("component", "jobbook").Logger(),
		jobs:       make(map[string]*Job),
		ranges:     make(map[string]map[string]*EventRange),
		seenRanges: make(map[string]struct{}),
	}
}

// AddJob registers a claimed job.
func (b *Book) AddJob(job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	if job.State == "" {
		job.State = JobStateStarting
	}
	b.jobs[job.ID] = job.Clone()
	b.ranges[job.ID] = make(map[string]*EventRange)
	b.logger.Info().Str("job_id", job.ID).Int("in_files", len(job.InFiles)).Msg("job added")
	return nil
}

// AddRanges registers claimed event ranges for a job. Range ids must be
// unique across the whole process lifetime.
func (b *Book) AddRanges(jobID string, ranges []*EventRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	table, ok := b.ranges[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	for _, r := range ranges {
		if _, seen := b.seenRanges[r.ID]; seen {
			return fmt.Errorf("%w: %s", ErrDuplicateRange, r.ID)
		}
	}
	for _, r := range ranges {
		cp := *r
		cp.JobID = jobID
		if cp.Status == "" {
			cp.Status = RangeNew
		}
		table[cp.ID] = &cp
		b.seenRanges[cp.ID] = struct{}{}
	}
	b.logger.Info().Str("job_id", jobID).Int("ranges", len(ranges)).Msg("event ranges added")
	return nil
}

// SetJobState transitions a job's state and HPC substate.
func (b *Book) SetJobState(jobID string, state JobState, hpcState string, errorCode int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if !ValidJobTransition(job.State, state) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, jobID, job.State, state)
	}
	job.State = state
	job.HPCState = hpcState
	if errorCode != 0 {
		job.ErrorCode = errorCode
	}
	return nil
}

// SetRangeStatus transitions one event range along its permitted chain.
func (b *Book) SetRangeStatus(jobID, rangeID string, status RangeStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	table, ok := b.ranges[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	r, ok := table[rangeID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownRange, jobID, rangeID)
	}
	if !ValidRangeTransition(r.Status, status) {
		return fmt.Errorf("%w: range %s %s -> %s", ErrInvalidTransition, rangeID, r.Status, status)
	}
	r.Status = status
	return nil
}

// UpdateJob applies fn to the stored job under the lock. Used by the
// scheduler to fold payload metrics into the job record.
func (b *Book) UpdateJob(jobID string, fn func(*Job)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	fn(job)
	return nil
}

// Job returns a deep copy of one job.
func (b *Book) Job(jobID string) (*Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return job.Clone(), nil
}

// Jobs returns deep copies of all jobs, ordered by id.
func (b *Book) Jobs() []*Job {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Job, 0, len(b.jobs))
	for _, job := range b.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered jobs.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.jobs)
}

// Ranges returns a copy of the job's range table.
func (b *Book) Ranges(jobID string) (map[string]RangeStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	table, ok := b.ranges[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	out := make(map[string]RangeStatus, len(table))
	for id, r := range table {
		out[id] = r.Status
	}
	return out, nil
}

// RangeDefs returns copies of the claimed range definitions for a job,
// ordered by range id. The payload back-end needs these at initJobs time.
func (b *Book) RangeDefs(jobID string) ([]EventRange, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	table, ok := b.ranges[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	out := make([]EventRange, 0, len(table))
	for _, r := range table {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RangeStatusOf looks up the current status of one range.
func (b *Book) RangeStatusOf(jobID, rangeID string) (RangeStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	table, ok := b.ranges[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	r, ok := table[rangeID]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownRange, jobID, rangeID)
	}
	return r.Status, nil
}

// Remove drops a job and its range table. It refuses while any range that
// ever started is not yet reported. Ranges still new were never handed to
// the payload and are destroyed with the job without a dispatcher report.
func (b *Book) Remove(jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	table, ok := b.ranges[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	for id, r := range table {
		if r.Status != RangeReported && r.Status != RangeNew {
			return fmt.Errorf("%w: job %s range %s is %s", ErrRangesOutstanding, jobID, id, r.Status)
		}
	}
	delete(b.jobs, jobID)
	delete(b.ranges, jobID)
	b.logger.Info().Str("job_id", jobID).Msg("job removed")
	return nil
}

// Drop removes a job regardless of outstanding ranges. Used when a job
// fails before its ranges could ever run (stage-in failure); the dispatcher
// has already been told.
func (b *Book) Drop(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
	delete(b.ranges, jobID)
	b.logger.Warn().Str("job_id", jobID).Msg("job dropped")
}

// SetAllCoreCounts partitions totalCores evenly across all jobs.
func (b *Book) SetAllCoreCounts(totalCores int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.jobs)
	if n == 0 {
		return
	}
	per := totalCores / n
	for _, job := range b.jobs {
		job.CoreCount = per
	}
}

// TotalRunningCores sums coreCount over jobs in the running state.
func (b *Book) TotalRunningCores() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, job := range b.jobs {
		if job.State == JobStateRunning {
			total += job.CoreCount
		}
	}
	return total
}

// Snapshot is a deep copy of the book suitable for persistence.
type Snapshot struct {
	Jobs   []*Job                            `json:"jobs"`
	Ranges map[string]map[string]RangeStatus `json:"ranges"`
}

// Snapshot returns a consistent deep copy of all jobs and range statuses.
func (b *Book) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		Jobs:   make([]*Job, 0, len(b.jobs)),
		Ranges: make(map[string]map[string]RangeStatus, len(b.ranges)),
	}
	for _, job := range b.jobs {
		snap.Jobs = append(snap.Jobs, job.Clone())
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].ID < snap.Jobs[j].ID })
	for jobID, table := range b.ranges {
		m := make(map[string]RangeStatus, len(table))
		for id, r := range table {
			m[id] = r.Status
		}
		snap.Ranges[jobID] = m
	}
	return snap
}
