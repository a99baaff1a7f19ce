package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/hpcwms/espilot/log"
	"github.com/hpcwms/espilot/server/api"
	"github.com/hpcwms/espilot/x/dispatcher"
	"github.com/hpcwms/espilot/x/mover"
)

// Config holds the complete pilot configuration.
type Config struct {
	PilotWorkDir      string `mapstructure:"pilot_work_dir"      yaml:"pilot_work_dir"`
	QueuedataFile     string `mapstructure:"queuedata_file"      yaml:"queuedata_file"`
	JobDescriptorFile string `mapstructure:"job_descriptor_file" yaml:"job_descriptor_file"`
	Experiment        string `mapstructure:"experiment"          yaml:"experiment"`
	SourcePrefix      string `mapstructure:"source_prefix"       yaml:"source_prefix"`

	Dispatcher dispatcher.Config `mapstructure:"dispatcher" yaml:"dispatcher"`
	Mover      mover.Config      `mapstructure:"mover"      yaml:"mover"`
	API        api.Config        `mapstructure:"api"        yaml:"api"`
	Log        log.Config        `mapstructure:"log"        yaml:"log"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ESPILOT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	v.SetDefault("pilot_work_dir", cwd)
	v.SetDefault("experiment", "ATLAS")
	v.SetDefault("job_descriptor_file", "newJobDef.json")

	defDisp := dispatcher.DefaultConfig()
	v.SetDefault("dispatcher.connect_timeout", defDisp.ConnectTimeout)
	v.SetDefault("dispatcher.receive_timeout", defDisp.ReceiveTimeout)

	defMover := mover.DefaultConfig()
	v.SetDefault("mover.copy_command", defMover.CopyCommand)
	v.SetDefault("mover.base_timeout", defMover.BaseTimeout)
	v.SetDefault("mover.bytes_per_second", defMover.BytesPerSecond)
	v.SetDefault("mover.max_timeout", defMover.MaxTimeout)

	defAPI := api.DefaultConfig()
	v.SetDefault("api.listen_addr", defAPI.ListenAddr)
	v.SetDefault("api.read_header_timeout", defAPI.ReadHeaderTimeout)
	v.SetDefault("api.read_timeout", defAPI.ReadTimeout)
	v.SetDefault("api.write_timeout", defAPI.WriteTimeout)
	v.SetDefault("api.idle_timeout", defAPI.IdleTimeout)
	v.SetDefault("api.max_header_bytes", defAPI.MaxHeaderBytes)

	v.SetDefault("log.level", "info")
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.PilotWorkDir == "" {
		return fmt.Errorf("pilot_work_dir is required")
	}
	if c.QueuedataFile == "" {
		return fmt.Errorf("queuedata_file is required")
	}
	if c.Dispatcher.BaseURL == "" {
		return fmt.Errorf("dispatcher.base_url is required")
	}
	return nil
}
