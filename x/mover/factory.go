package mover

import (
	"fmt"

	"github.com/rs/zerolog"
)

// SiteFactory selects movers by name from site configuration.
type SiteFactory struct {
	cfg    Config
	logger zerolog.Logger
}

func NewSiteFactory(cfg Config, logger zerolog.Logger) *SiteFactory {
	return &SiteFactory{cfg: cfg, logger: logger}
}

func (f *SiteFactory) New(name string) (Mover, error) {
	switch name {
	case "", "lcg-cp", "lcgcp":
		cfg := f.cfg
		if cfg.CopyCommand == "" {
			cfg.CopyCommand = "lcg-cp"
		}
		return NewCommandMover("lcg-cp", cfg, f.logger), nil
	case "objectstore":
		cfg := f.cfg
		return NewCommandMover("objectstore", cfg, f.logger), nil
	case "local", "cp":
		return NewLocalMover(f.logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMover, name)
	}
}
