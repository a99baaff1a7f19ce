package mover

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LocalMover copies files on the local filesystem. Sites that mount grid
// storage directly on the compute nodes configure it in place of a copy
// tool; tests use it too.
type LocalMover struct {
	logger zerolog.Logger
}

func NewLocalMover(logger zerolog.Logger) *LocalMover {
	return &LocalMover{logger: logger.With().Str("component", "mover").Str("mover", "local").Logger()}
}

func (m *LocalMover) Name() string { return "local" }

func (m *LocalMover) GetFile(_ context.Context, surl, destPath string, _ int64) error {
	return copyFile(surl, destPath)
}

func (m *LocalMover) PutFile(_ context.Context, localPath, surl string, _ int64) error {
	return copyFile(localPath, surl)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dest)
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	return out.Close()
}
