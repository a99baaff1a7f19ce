package siteinfo

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestParseCatchallDefaults(t *testing.T) {
	res, err := ParseCatchall("", testLogger())
	require.NoError(t, err)

	require.Equal(t, "regular", res.Queue)
	require.Equal(t, 4, res.StageoutThreads)
	require.Equal(t, 1000, res.EventsLimitPerJob)
	require.Equal(t, "pbs", res.Plugin)
	require.Equal(t, 1, res.ParallelJobs)
	require.False(t, res.ZipMode())
	require.False(t, res.CopyInputFiles)
}

func TestParseCatchallTypedValues(t *testing.T) {
	catchall := "es_to_zip,queue=premium,stageout_threads=8,parallel_jobs=4," +
		"events_limit_per_job=500,copy_input_files=TRUE,plugin=SLURM," +
		"localWorkingDir=/scratch,mppwidth=96,max_events=20000"
	res, err := ParseCatchall(catchall, testLogger())
	require.NoError(t, err)

	require.True(t, res.ESToZip)
	require.True(t, res.ZipMode())
	require.Equal(t, "premium", res.Queue)
	require.Equal(t, 8, res.StageoutThreads)
	require.Equal(t, 4, res.ParallelJobs)
	require.Equal(t, 500, res.EventsLimitPerJob)
	require.True(t, res.CopyInputFiles)
	require.Equal(t, "slurm", res.Plugin)
	require.Equal(t, "/scratch", res.LocalWorkingDir)
	require.Equal(t, 96, res.MPPWidth)
	require.Equal(t, 20000, res.MaxEvents)
}

func TestParseCatchallRejectsBadIntegers(t *testing.T) {
	_, err := ParseCatchall("mppwidth=lots", testLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), "mppwidth")

	_, err = ParseCatchall("stageout_threads=4.5", testLogger())
	require.Error(t, err)
}

func TestParseCatchallIgnoresUnknownKeys(t *testing.T) {
	res, err := ParseCatchall("no_such_key=1,queue=backfill", testLogger())
	require.NoError(t, err)
	require.Equal(t, "backfill", res.Queue)
}

func TestParseCatchallDebugQueueCapsWalltime(t *testing.T) {
	res, err := ParseCatchall("queue=debug_flat,walltime_m=600", testLogger())
	require.NoError(t, err)
	require.Equal(t, 30, res.WalltimeM)
}

const testQueuedata = `
params:
  catchall: "es_to_zip,stageout_threads=2"
  envsetup: "/cvmfs/setup.sh"
copysetup: "/opt/copytools/setup.sh"
objectstores:
  - name: eventservice
    ddmendpoint: BNL-OSG2_ES
    os_bucket_id: 77
    path_w: "s3://os.example.org:8443//bucket-es"
  - name: logs
    ddmendpoint: BNL-OSG2_LOGS
    os_bucket_id: 78
    path_w: "s3://os.example.org:8443//bucket-logs"
`

func writeQueuedata(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queuedata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testQueuedata), 0o644))
	return path
}

func TestFileServiceResolvesObjectstore(t *testing.T) {
	svc, err := NewFileService(writeQueuedata(t), testLogger())
	require.NoError(t, err)

	endpoint, err := svc.GetObjectstoreDDMEndpoint("eventservice")
	require.NoError(t, err)
	require.Equal(t, "BNL-OSG2_ES", endpoint)

	bucketID, err := svc.GetObjectstoreBucketID(endpoint)
	require.NoError(t, err)
	require.Equal(t, 77, bucketID)

	path, err := svc.GetObjectstorePath(bucketID, "w")
	require.NoError(t, err)
	require.Equal(t, "s3://os.example.org:8443//bucket-es", path)

	_, err = svc.GetObjectstoreDDMEndpoint("nosuch")
	require.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestLoadResourcesDerivesObjectstoreFields(t *testing.T) {
	svc, err := NewFileService(writeQueuedata(t), testLogger())
	require.NoError(t, err)

	res, err := LoadResources(svc, testLogger())
	require.NoError(t, err)
	require.True(t, res.ESToZip)
	require.Equal(t, 2, res.StageoutThreads)
	require.Equal(t, 77, res.OSBucketID)
	require.Equal(t, "s3://os.example.org:8443//bucket-es", res.ESPath)
	require.Equal(t, "/opt/copytools/setup.sh", res.CopySetup)
}
