package scheduler

import "time"

// Config parameterizes the scheduler.
type Config struct {
	// PilotWorkDir is the allocation-wide working directory.
	PilotWorkDir string `mapstructure:"pilot_work_dir" yaml:"pilot_work_dir"`

	// JobDescriptorFile is the caller-provided descriptor of the first
	// job (the newJobDef equivalent).
	JobDescriptorFile string `mapstructure:"job_descriptor_file" yaml:"job_descriptor_file"`

	// PollInterval spaces payload polls.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// HeartbeatInterval bounds the time between dispatcher heartbeats
	// when the payload state does not change.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// MaxConsecutiveFailures aborts the job-fill loop.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`

	// MaxJobsPerFetch caps one getJob call.
	MaxJobsPerFetch int `mapstructure:"max_jobs_per_fetch" yaml:"max_jobs_per_fetch"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:           30 * time.Second,
		HeartbeatInterval:      10 * time.Minute,
		MaxConsecutiveFailures: 5,
		MaxJobsPerFetch:        50,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Minute
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.MaxJobsPerFetch <= 0 {
		c.MaxJobsPerFetch = 50
	}
	return c
}
