package siteinfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Resources is the typed view of the site catchall string plus the derived
// object-store addressing. Parsed once at startup; unknown catchall keys
// are warnings, not errors.
type Resources struct {
	YodaToOS           bool
	YodaToZip          bool
	ESToZip            bool
	CopyOutputToGlobal bool

	Queue             string
	MPPWidth          int
	MPPNppn           int
	WalltimeM         int
	AthenaProcNumber  int
	MaxNodes          int
	MinWalltimeM      int
	MaxWalltimeM      int
	Nodes             int
	MinNodes          int
	CPUPerNode        int
	Partition         string
	Repo              string
	MaxEvents         int
	InitialtimeM      int
	TimePerEventM     int
	Mode              string
	BackfillQueue     string
	StageoutThreads   int
	CopyInputFiles    bool
	Plugin            string
	LocalWorkingDir   string
	ParallelJobs      int
	EventsLimitPerJob int

	// Derived from the oracle, not the catchall.
	CopySetup  string
	ESPath     string
	OSBucketID int
}

// ZipMode reports whether outputs are packaged into a per-job tar before
// upload.
func (r Resources) ZipMode() bool {
	return r.ESToZip || r.YodaToZip
}

func defaultResources() Resources {
	return Resources{
		Queue:             "regular",
		MPPWidth:          48,
		MPPNppn:           1,
		WalltimeM:         30,
		AthenaProcNumber:  23,
		MaxNodes:          3,
		MinWalltimeM:      20,
		MaxWalltimeM:      2000,
		Nodes:             2,
		MinNodes:          1,
		CPUPerNode:        24,
		MaxEvents:         10000,
		InitialtimeM:      15,
		TimePerEventM:     10,
		Mode:              "normal",
		BackfillQueue:     "regular",
		StageoutThreads:   4,
		Plugin:            "pbs",
		ParallelJobs:      1,
		EventsLimitPerJob: 1000,
	}
}

// ParseCatchall parses the comma-separated key=value catchall string into a
// Resources record. Bare keys act as boolean flags. Integer-valued keys are
// coerced on read and rejected with a clear error when coercion fails.
func ParseCatchall(catchall string, logger zerolog.Logger) (Resources, error) {
	res := defaultResources()

	for _, field := range strings.Split(catchall, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, hasValue := strings.Cut(field, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !hasValue {
			value = "true"
		}

		if err := res.apply(key, value, logger); err != nil {
			return Resources{}, err
		}
	}

	if strings.Contains(res.Queue, "debug") {
		res.WalltimeM = 30
	}
	return res, nil
}

func (r *Resources) apply(key, value string, logger zerolog.Logger) error {
	boolVal := func() bool {
		return strings.EqualFold(value, "true")
	}
	intVal := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("siteinfo: catchall key %q expects an integer, got %q", key, value)
		}
		*dst = n
		return nil
	}

	switch key {
	case "yoda_to_os":
		r.YodaToOS = boolVal()
	case "yoda_to_zip":
		r.YodaToZip = boolVal()
	case "es_to_zip":
		r.ESToZip = boolVal()
	case "copyOutputToGlobal":
		r.CopyOutputToGlobal = boolVal()
	case "queue":
		r.Queue = value
	case "mppwidth":
		return intVal(&r.MPPWidth)
	case "mppnppn":
		return intVal(&r.MPPNppn)
	case "walltime_m":
		return intVal(&r.WalltimeM)
	case "ATHENA_PROC_NUMBER":
		return intVal(&r.AthenaProcNumber)
	case "max_nodes":
		return intVal(&r.MaxNodes)
	case "min_walltime_m":
		return intVal(&r.MinWalltimeM)
	case "max_walltime_m":
		return intVal(&r.MaxWalltimeM)
	case "nodes":
		return intVal(&r.Nodes)
	case "min_nodes":
		return intVal(&r.MinNodes)
	case "cpu_per_node":
		return intVal(&r.CPUPerNode)
	case "partition":
		r.Partition = value
	case "repo":
		r.Repo = value
	case "max_events":
		return intVal(&r.MaxEvents)
	case "initialtime_m":
		return intVal(&r.InitialtimeM)
	case "time_per_event_m":
		return intVal(&r.TimePerEventM)
	case "mode":
		r.Mode = value
	case "backfill_queue":
		r.BackfillQueue = value
	case "stageout_threads":
		return intVal(&r.StageoutThreads)
	case "copy_input_files":
		r.CopyInputFiles = strings.EqualFold(value, "true")
	case "plugin":
		r.Plugin = strings.ToLower(value)
	case "localWorkingDir":
		r.LocalWorkingDir = value
	case "parallel_jobs":
		return intVal(&r.ParallelJobs)
	case "events_limit_per_job":
		return intVal(&r.EventsLimitPerJob)
	default:
		logger.Warn().Str("key", key).Str("value", value).Msg("unknown catchall key ignored")
	}
	return nil
}

// LoadResources reads the catchall through the oracle and fills in the
// derived copy-tool and object-store fields.
func LoadResources(svc Service, logger zerolog.Logger) (Resources, error) {
	catchall, err := svc.ReadPar("catchall")
	if err != nil {
		return Resources{}, err
	}
	res, err := ParseCatchall(catchall, logger)
	if err != nil {
		return Resources{}, err
	}

	setup, err := svc.GetCopySetup(false)
	if err != nil {
		return Resources{}, err
	}
	res.CopySetup = setup

	endpoint, err := svc.GetObjectstoreDDMEndpoint("eventservice")
	if err != nil {
		return Resources{}, err
	}
	bucketID, err := svc.GetObjectstoreBucketID(endpoint)
	if err != nil {
		return Resources{}, err
	}
	path, err := svc.GetObjectstorePath(bucketID, "w")
	if err != nil {
		return Resources{}, err
	}
	res.OSBucketID = bucketID
	res.ESPath = path

	logger.Info().Int("os_bucket_id", bucketID).Str("es_path", path).Msg("site resources loaded")
	return res, nil
}
