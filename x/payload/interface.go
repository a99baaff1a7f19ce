package payload

import (
	"context"
	"errors"

	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/hpcwms/espilot/x/siteinfo"
)

var (
	// ErrNotSubmitted indicates an operation that requires a submitted
	// batch job.
	ErrNotSubmitted = errors.New("payload: batch job not submitted")

	// ErrNoCheckpoint indicates RecoveryState found no usable state file.
	ErrNoCheckpoint = errors.New("payload: no checkpoint to recover from")
)

// Supervisor is the control surface over the batch-managed payload. It is
// single-reader: only the scheduler polls it and drains its outputs.
type Supervisor interface {
	// FreeResources asks the batch plug-in what the allocation will
	// actually get and derives the event capacity from it.
	FreeResources(ctx context.Context, res siteinfo.Resources) (Resources, error)

	// InitJobs hands the per-job HPCJob records and their range tables
	// to the back-end.
	InitJobs(jobs map[string]*HPCJob, ranges map[string][]jobbook.EventRange) error

	// Submit starts the batch job and persists the batchid marker.
	Submit(ctx context.Context) error

	// Poll refreshes and returns the batch-side state.
	Poll(ctx context.Context) (State, error)

	// IsFinished reports whether the payload reached a terminal state.
	IsFinished() bool

	// GetOutputs drains pending per-range outputs. Non-blocking; may
	// return empty.
	GetOutputs() ([]Output, error)

	// FlushOutputs drains everything still pending after Complete.
	FlushOutputs() ([]Output, error)

	// CheckJobLog inspects the batch job log after completion.
	CheckJobLog() (status string, diagnostic string, err error)

	// PostRun performs back-end-specific cleanup.
	PostRun() error

	// BatchJobID returns the batch-system identifier, "" before Submit.
	BatchJobID() string

	// CoreCount reports the granted total core count.
	CoreCount() int

	// StageoutThreads reports the stage-out pool width carried in the
	// checkpoint, for recovery.
	StageoutThreads() int

	// SaveState persists enough state to resume after a process
	// restart; RecoveryState restores it.
	SaveState() error
	RecoveryState() error
}
