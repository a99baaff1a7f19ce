package dispatcher

import "context"

// Outcome classifies a dispatcher reply once the wire sentinels have been
// translated. The string sentinels stay at the HTTP boundary; the core only
// ever sees these variants.
type Outcome int

const (
	OutcomeOK Outcome = iota
	NoJobsAvailable
	NoMoreEvents
	TransientError
	FatalError
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case NoJobsAvailable:
		return "no_jobs_available"
	case NoMoreEvents:
		return "no_more_events"
	case TransientError:
		return "transient_error"
	case FatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Client talks to the central dispatcher. All calls run under fixed
// connect/receive timeouts; callers decide what an outcome means for the
// run.
type Client interface {
	// GetJob claims up to n jobs.
	GetJob(ctx context.Context, n int) ([]JobSpec, Outcome, error)

	// UpdateJob posts a heartbeat / state change for one job.
	UpdateJob(ctx context.Context, update JobUpdate) error

	// DownloadEventRanges claims up to numRanges event ranges for a job.
	DownloadEventRanges(ctx context.Context, jobID, jobsetID, taskID string, numRanges int) ([]EventRangeDef, Outcome, error)

	// UpdateEventRanges acknowledges terminal range states in one batch.
	UpdateEventRanges(ctx context.Context, updates []EventRangeUpdate) error
}
