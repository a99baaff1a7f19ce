package lifecycle

// Config parameterizes the per-job lifecycle.
type Config struct {
	// PilotWorkDir is the allocation-wide working directory; every job
	// working dir lives under it.
	PilotWorkDir string `mapstructure:"pilot_work_dir" yaml:"pilot_work_dir"`

	// SourcePrefix is the grid storage base URL input SURLs are built
	// from.
	SourcePrefix string `mapstructure:"source_prefix" yaml:"source_prefix"`

	// CopyInputFiles mirrors the copy_input_files catchall: inputs are
	// copied to rank-local scratch, so --input arguments keep their
	// relative form.
	CopyInputFiles bool `mapstructure:"copy_input_files" yaml:"copy_input_files"`

	// Experiment selects the adapter building run commands.
	Experiment string `mapstructure:"experiment" yaml:"experiment"`

	// StageoutThreads is forwarded into the HPCJob record.
	StageoutThreads int `mapstructure:"stageout_threads" yaml:"stageout_threads"`
}

const (
	// workDirPlaceholder stands in for the rank-local working directory
	// in the temp catalog and relative input lists.
	workDirPlaceholder = "HPCWORKINGDIR"

	poolFileCatalogName     = "PoolFileCatalog_HPC.xml"
	poolFileCatalogTempName = "PoolFileCatalog_Temp.xml"
	tokenExtractorListName  = "TokenExtractor_filelist"
)
