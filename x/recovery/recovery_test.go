package recovery

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hpcwms/espilot/x/jobbook"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func seedBook(t *testing.T) *jobbook.Book {
	t.Helper()
	book := jobbook.NewBook(zerolog.New(io.Discard))
	require.NoError(t, book.AddJob(&jobbook.Job{ID: "4001", WorkDir: "/work/PandaJob_4001", NEventsW: 2}))
	require.NoError(t, book.AddRanges("4001", []*jobbook.EventRange{
		{ID: "4001-1"}, {ID: "4001-2"}, {ID: "4001-3"}, {ID: "4001-4"},
	}))
	for _, id := range []string{"4001-1", "4001-2", "4001-3", "4001-4"} {
		require.NoError(t, book.SetRangeStatus("4001", id, jobbook.RangeAssigned))
	}
	// Two ranges made it all the way before the crash.
	for _, id := range []string{"4001-1", "4001-2"} {
		require.NoError(t, book.SetRangeStatus("4001", id, jobbook.RangeFinished))
		require.NoError(t, book.SetRangeStatus("4001", id, jobbook.RangeStagedOut))
		require.NoError(t, book.SetRangeStatus("4001", id, jobbook.RangeReported))
	}
	return book
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	book := seedBook(t)
	path := StateFilePath(dir, "4001")

	require.NoError(t, Save(path, 2, book))

	snap, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, SnapshotVersion, snap.Version)
	require.Equal(t, 2, snap.RecoveryAttempt)
	require.Len(t, snap.Book.Jobs, 1)
	require.Equal(t, jobbook.RangeReported, snap.Book.Ranges["4001"]["4001-1"])
	require.Equal(t, jobbook.RangeAssigned, snap.Book.Ranges["4001"]["4001-3"])
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	dir := t.TempDir()
	path := StateFilePath(dir, "9")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99}`), 0o644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrBadSnapshot)
}

func TestRebuildIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	book := seedBook(t)
	require.NoError(t, Save(StateFilePath(dir, "4001"), 1, book))

	first := jobbook.NewBook(zerolog.New(io.Discard))
	attempt, err := Rebuild(dir, first, zerolog.New(io.Discard))
	require.NoError(t, err)
	require.Equal(t, 1, attempt)

	second := jobbook.NewBook(zerolog.New(io.Discard))
	_, err = Rebuild(dir, second, zerolog.New(io.Discard))
	require.NoError(t, err)

	require.Equal(t, first.Snapshot(), second.Snapshot())
	require.Equal(t, book.Snapshot(), first.Snapshot())
}

func TestFindJobCheckpoints(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Job_4001.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Job_4002.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0o644))

	found, err := FindJobCheckpoints(dir)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Contains(t, found, "4001")
	require.Contains(t, found, "4002")
}
