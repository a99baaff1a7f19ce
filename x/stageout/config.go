package stageout

// Config parameterizes the stage-out pipeline.
type Config struct {
	// Threads is the worker pool width (stageout_threads).
	Threads int `mapstructure:"threads" yaml:"threads"`

	// ESPath is the object-store bucket path uploads go to.
	ESPath string `mapstructure:"es_path" yaml:"es_path"`

	// BucketID is reported to the dispatcher with every range update.
	BucketID int `mapstructure:"bucket_id" yaml:"bucket_id"`

	// ZipMode packages per-job outputs into one tar before upload.
	ZipMode bool `mapstructure:"zip_mode" yaml:"zip_mode"`

	// CopyOutputToGlobal short-circuits uploads: the tar is moved and the
	// other artifacts are copied to the parent working directory instead.
	CopyOutputToGlobal bool `mapstructure:"copy_output_to_global" yaml:"copy_output_to_global"`

	// PilotWorkDir is where dump files and zip artifacts live.
	PilotWorkDir string `mapstructure:"pilot_work_dir" yaml:"pilot_work_dir"`

	// RetrySweeps bounds the post-completion retry passes.
	RetrySweeps int `mapstructure:"retry_sweeps" yaml:"retry_sweeps"`

	// UpdateChunkSize bounds one dispatcher range-update batch.
	UpdateChunkSize int `mapstructure:"update_chunk_size" yaml:"update_chunk_size"`
}

func DefaultConfig() Config {
	return Config{
		Threads:         4,
		RetrySweeps:     3,
		UpdateChunkSize: 100,
	}
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = 4
	}
	if c.RetrySweeps <= 0 {
		c.RetrySweeps = 3
	}
	if c.UpdateChunkSize <= 0 {
		c.UpdateChunkSize = 100
	}
	return c
}
