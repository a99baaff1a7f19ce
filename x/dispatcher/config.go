package dispatcher

import "time"

// Config defines the dispatcher endpoint and wire timeouts.
type Config struct {
	BaseURL        string        `mapstructure:"base_url"        yaml:"base_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout" yaml:"receive_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		ReceiveTimeout: 120 * time.Second,
	}
}
