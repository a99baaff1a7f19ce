package payload

// Config parameterizes the payload manager.
type Config struct {
	// GlobalWorkDir is the allocation-wide working directory shared with
	// the payload (checkpoints, output streams, job metrics).
	GlobalWorkDir string `mapstructure:"global_work_dir" yaml:"global_work_dir"`

	// LocalWorkDir, when set, is the node-local scratch directory the
	// payload ranks run in.
	LocalWorkDir string `mapstructure:"local_work_dir" yaml:"local_work_dir"`

	// CopyInputFiles mirrors the copy_input_files catchall flag.
	CopyInputFiles bool `mapstructure:"copy_input_files" yaml:"copy_input_files"`

	// LocalSetup is the shell snippet sourced before the payload starts,
	// picked up from the site's yodasetup.sh when present.
	LocalSetup string `mapstructure:"local_setup" yaml:"local_setup"`

	// StageoutThreads is carried in the checkpoint so recovery restores
	// the same pool width.
	StageoutThreads int `mapstructure:"stageout_threads" yaml:"stageout_threads"`
}

const (
	stateFileName      = "hpcmanager_state.json"
	jobsFileName       = "hpc_jobs.json"
	rangesFileName     = "hpc_event_ranges.json"
	outputStreamPrefix = "athenamp_outputs."
	jobLogName         = "hpc_job.log"
)
