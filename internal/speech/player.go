package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Player plays encoded audio and returns when playback has finished.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// CommandPlayer plays audio by writing it to a temporary file and running an
// external command. Every "{file}" argument is replaced with the file path;
// without one the path is appended.
type CommandPlayer struct {
	args   []string
	dir    string
	logger *zap.Logger
}

// NewCommandPlayer parses command into arguments. dir holds the temporary
// files; empty means the OS default.
func NewCommandPlayer(command, dir string, logger *zap.Logger) (*CommandPlayer, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("speech: empty player command")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandPlayer{args: args, dir: dir, logger: logger.Named("player")}, nil
}

// Play implements Player. Cancelling ctx kills the command.
func (p *CommandPlayer) Play(ctx context.Context, audio []byte) error {
	f, err := os.CreateTemp(p.dir, "sidekick-*.mp3")
	if err != nil {
		return fmt.Errorf("speech: create temp file: %w", err)
	}
	path := f.Name()
	defer func() { _ = os.Remove(path) }()

	if _, err := f.Write(audio); err != nil {
		_ = f.Close()
		return fmt.Errorf("speech: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("speech: close temp file: %w", err)
	}

	args := make([]string, 0, len(p.args)+1)
	substituted := false
	for _, a := range p.args {
		if strings.Contains(a, "{file}") {
			a = strings.ReplaceAll(a, "{file}", path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speech: player %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	p.logger.Debug("playback finished", zap.Int("bytes", len(audio)))
	return nil
}

var _ Player = (*CommandPlayer)(nil)
