package mover

import "time"

// Config parameterizes command movers.
type Config struct {
	// Setup is the shell snippet sourced before the copy command, from
	// the site's copysetup.
	Setup string `mapstructure:"setup" yaml:"setup"`

	// CopyCommand is the copy tool binary ("lcg-cp" style).
	CopyCommand string `mapstructure:"copy_command" yaml:"copy_command"`

	// BaseTimeout is the floor of the per-file watchdog.
	BaseTimeout time.Duration `mapstructure:"base_timeout" yaml:"base_timeout"`

	// BytesPerSecond is the assumed worst-case transfer rate used to
	// scale the watchdog with file size.
	BytesPerSecond int64 `mapstructure:"bytes_per_second" yaml:"bytes_per_second"`

	// MaxTimeout caps the watchdog regardless of file size.
	MaxTimeout time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
}

func DefaultConfig() Config {
	return Config{
		CopyCommand:    "lcg-cp",
		BaseTimeout:    10 * time.Minute,
		BytesPerSecond: 512 << 10,
		MaxTimeout:     6 * time.Hour,
	}
}

// TransferTimeout computes the watchdog timeout for one file.
func (c Config) TransferTimeout(sizeBytes int64) time.Duration {
	timeout := c.BaseTimeout
	if sizeBytes > 0 && c.BytesPerSecond > 0 {
		timeout += time.Duration(sizeBytes/c.BytesPerSecond) * time.Second
	}
	if c.MaxTimeout > 0 && timeout > c.MaxTimeout {
		timeout = c.MaxTimeout
	}
	return timeout
}
