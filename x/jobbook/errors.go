package jobbook

import "errors"

var (
	// ErrUnknownJob indicates the job id is not registered in the book.
	ErrUnknownJob = errors.New("jobbook: unknown job")

	// ErrUnknownRange indicates the range id is not registered for the job.
	ErrUnknownRange = errors.New("jobbook: unknown event range")

	// ErrDuplicateJob indicates a job with the same id was already added.
	ErrDuplicateJob = errors.New("jobbook: duplicate job")

	// ErrDuplicateRange indicates a range id was already seen during this
	// process lifetime. Range ids are dispatcher-assigned and globally
	// unique, so a duplicate means the claim went wrong.
	ErrDuplicateRange = errors.New("jobbook: duplicate event range")

	// ErrInvalidTransition indicates a state change outside the permitted
	// chains.
	ErrInvalidTransition = errors.New("jobbook: invalid state transition")

	// ErrRangesOutstanding indicates Remove was called while some ranges
	// have not reached the reported status.
	ErrRangesOutstanding = errors.New("jobbook: ranges outstanding")
)
