package mover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// CommandMover drives an external copy tool. Each transfer runs in its own
// process group under a size-proportional watchdog; on expiry the whole
// group is killed and any partial destination file is removed.
type CommandMover struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, script string) error
}

// NewCommandMover builds a mover around cfg.CopyCommand.
func NewCommandMover(name string, cfg Config, logger zerolog.Logger) *CommandMover {
	m := &CommandMover{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "mover").Str("mover", name).Logger(),
	}
	m.runCommand = m.execScript
	return m
}

func (m *CommandMover) Name() string { return m.name }

func (m *CommandMover) GetFile(ctx context.Context, surl, destPath string, sizeBytes int64) error {
	err := m.transfer(ctx, surl, destPath, sizeBytes)
	if err != nil {
		// Stage-in cleanup: a partial local file must not be mistaken
		// for a staged input later.
		m.removeLocal(destPath)
	}
	return err
}

func (m *CommandMover) PutFile(ctx context.Context, localPath, surl string, sizeBytes int64) error {
	return m.transfer(ctx, localPath, surl, sizeBytes)
}

func (m *CommandMover) transfer(ctx context.Context, source, destination string, sizeBytes int64) error {
	timeout := m.cfg.TransferTimeout(sizeBytes)
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := fmt.Sprintf("%s %q %q", m.cfg.CopyCommand, source, destination)
	if setup := strings.TrimSpace(m.cfg.Setup); setup != "" {
		script = setup + "; " + script
	}

	start := time.Now()
	m.logger.Info().Str("source", source).Str("destination", destination).
		Dur("timeout", timeout).Msg("starting transfer")

	err := m.runCommand(cmdCtx, script)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		m.logger.Info().Dur("elapsed", elapsed).Str("destination", destination).Msg("transfer done")
		return nil
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		m.logger.Warn().Dur("elapsed", elapsed).Dur("timeout", timeout).Msg("transfer killed by watchdog")
		return fmt.Errorf("%w: after %s (timeout %s)", ErrTimedOut, elapsed.Round(time.Second), timeout)
	default:
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
}

// execScript runs the copy script in its own process group so the kill on
// watchdog expiry reaches the tool's children too.
func (m *CommandMover) execScript(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *CommandMover) removeLocal(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("path", path).Msg("failed to remove partial file")
	}
}
