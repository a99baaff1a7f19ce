package experiment

import (
	"errors"

	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/jobbook"
)

var (
	// ErrBadJobSpec indicates post-get validation rejected the job.
	ErrBadJobSpec = errors.New("experiment: invalid job descriptor")

	// ErrUnknownExperiment indicates no adapter matches the name.
	ErrUnknownExperiment = errors.New("experiment: unknown experiment")
)

// Adapter supplies the experiment-specific pieces of job handling: payload
// naming, run-command construction and post-claim validation.
type Adapter interface {
	Name() string

	// ValidateJobSpec runs the post-get checks on a freshly claimed job.
	// A failure means the job must be failed on the dispatcher and
	// skipped, not that the allocation aborts.
	ValidateJobSpec(spec *dispatcher.JobSpec) error

	// RunCommandList builds the payload command list for a job. The
	// first entry is the AthenaMP command template that payload
	// preparation rewrites.
	RunCommandList(job *jobbook.Job) ([]string, error)
}

// New selects an adapter by experiment name.
func New(name string) (Adapter, error) {
	switch name {
	case "", "ATLAS":
		return &production{}, nil
	default:
		return nil, ErrUnknownExperiment
	}
}
