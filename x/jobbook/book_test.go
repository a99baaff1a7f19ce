package jobbook

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestBook() *Book {
	return NewBook(zerolog.New(io.Discard))
}

func addJobWithRanges(t *testing.T, b *Book, jobID string, rangeIDs ...string) {
	t.Helper()
	require.NoError(t, b.AddJob(&Job{ID: jobID, WorkDir: "/tmp/" + jobID}))
	ranges := make([]*EventRange, 0, len(rangeIDs))
	for _, id := range rangeIDs {
		ranges = append(ranges, &EventRange{ID: id})
	}
	require.NoError(t, b.AddRanges(jobID, ranges))
}

func TestAddJobRejectsDuplicate(t *testing.T) {
	b := newTestBook()
	require.NoError(t, b.AddJob(&Job{ID: "1001"}))
	err := b.AddJob(&Job{ID: "1001"})
	require.ErrorIs(t, err, ErrDuplicateJob)
}

func TestAddRangesRejectsDuplicateAcrossJobs(t *testing.T) {
	b := newTestBook()
	addJobWithRanges(t, b, "1001", "r1", "r2")
	require.NoError(t, b.AddJob(&Job{ID: "1002"}))

	err := b.AddRanges("1002", []*EventRange{{ID: "r2"}})
	require.ErrorIs(t, err, ErrDuplicateRange)

	// The failed call must not have registered anything.
	ranges, rerr := b.Ranges("1002")
	require.NoError(t, rerr)
	require.Empty(t, ranges)
}

func TestRangeStatusChains(t *testing.T) {
	b := newTestBook()
	addJobWithRanges(t, b, "1001", "r1", "r2")

	// Happy chain.
	for _, status := range []RangeStatus{RangeAssigned, RangeFinished, RangeStagedOut, RangeReported} {
		require.NoError(t, b.SetRangeStatus("1001", "r1", status))
	}

	// Failure chain.
	require.NoError(t, b.SetRangeStatus("1001", "r2", RangeAssigned))
	require.NoError(t, b.SetRangeStatus("1001", "r2", RangeFailed))
	require.NoError(t, b.SetRangeStatus("1001", "r2", RangeReported))
}

func TestRangeStatusRejectsSkipsAndBackwardMoves(t *testing.T) {
	b := newTestBook()
	addJobWithRanges(t, b, "1001", "r1")

	require.ErrorIs(t, b.SetRangeStatus("1001", "r1", RangeFinished), ErrInvalidTransition)
	require.ErrorIs(t, b.SetRangeStatus("1001", "r1", RangeReported), ErrInvalidTransition)

	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeAssigned))
	require.ErrorIs(t, b.SetRangeStatus("1001", "r1", RangeNew), ErrInvalidTransition)
	require.ErrorIs(t, b.SetRangeStatus("1001", "r1", RangeStagedOut), ErrInvalidTransition)

	// Same status twice is a no-op.
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeAssigned))
}

func TestRemoveRequiresAllReported(t *testing.T) {
	b := newTestBook()
	addJobWithRanges(t, b, "1001", "r1", "r2")

	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeAssigned))
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeFailed))
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeReported))

	require.NoError(t, b.SetRangeStatus("1001", "r2", RangeAssigned))
	require.ErrorIs(t, b.Remove("1001"), ErrRangesOutstanding)

	require.NoError(t, b.SetRangeStatus("1001", "r2", RangeFailed))
	require.NoError(t, b.SetRangeStatus("1001", "r2", RangeReported))

	require.NoError(t, b.Remove("1001"))
	_, err := b.Job("1001")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestRemoveAllowsNeverAssignedRanges(t *testing.T) {
	b := newTestBook()
	addJobWithRanges(t, b, "1001", "r1", "r2")

	// r1 ran and was reported; r2 never left new.
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeAssigned))
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeFinished))
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeStagedOut))
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeReported))

	require.NoError(t, b.Remove("1001"))
}

func TestRangeIDsStayUniqueAfterRemove(t *testing.T) {
	b := newTestBook()
	addJobWithRanges(t, b, "1001", "r1")
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeAssigned))
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeFailed))
	require.NoError(t, b.SetRangeStatus("1001", "r1", RangeReported))
	require.NoError(t, b.Remove("1001"))

	require.NoError(t, b.AddJob(&Job{ID: "1002"}))
	err := b.AddRanges("1002", []*EventRange{{ID: "r1"}})
	require.ErrorIs(t, err, ErrDuplicateRange)
}

func TestJobStateTransitions(t *testing.T) {
	b := newTestBook()
	require.NoError(t, b.AddJob(&Job{ID: "1001"}))

	require.NoError(t, b.SetJobState("1001", JobStateTransferring, "stagein", 0))
	require.NoError(t, b.SetJobState("1001", JobStateRunning, "running", 0))
	require.ErrorIs(t, b.SetJobState("1001", JobStateStarting, "", 0), ErrInvalidTransition)
	require.NoError(t, b.SetJobState("1001", JobStateFailed, "failed", 1099))

	job, err := b.Job("1001")
	require.NoError(t, err)
	require.Equal(t, JobStateFailed, job.State)
	require.Equal(t, 1099, job.ErrorCode)

	// A failed job cannot move back to running.
	require.ErrorIs(t, b.SetJobState("1001", JobStateRunning, "", 0), ErrInvalidTransition)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	b := newTestBook()
	addJobWithRanges(t, b, "1001", "r1")

	snap := b.Snapshot()
	snap.Jobs[0].CoreCount = 99
	snap.Ranges["1001"]["r1"] = RangeReported

	job, err := b.Job("1001")
	require.NoError(t, err)
	require.Zero(t, job.CoreCount)

	status, err := b.RangeStatusOf("1001", "r1")
	require.NoError(t, err)
	require.Equal(t, RangeNew, status)
}

func TestCorePartitioning(t *testing.T) {
	b := newTestBook()
	require.NoError(t, b.AddJob(&Job{ID: "1001"}))
	require.NoError(t, b.AddJob(&Job{ID: "1002"}))
	require.NoError(t, b.AddJob(&Job{ID: "1003"}))

	b.SetAllCoreCounts(100)
	for _, job := range b.Jobs() {
		require.Equal(t, 33, job.CoreCount)
	}

	require.NoError(t, b.SetJobState("1001", JobStateRunning, "running", 0))
	require.NoError(t, b.SetJobState("1002", JobStateRunning, "running", 0))
	require.Equal(t, 66, b.TotalRunningCores())
	require.LessOrEqual(t, b.TotalRunningCores(), 100)
}
