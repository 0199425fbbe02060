package player

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"soundsync/logger"
	"soundsync/model"
)

// ErrNoPlayer is returned when no player command is configured.
var ErrNoPlayer = errors.New("no player command configured")

// Command plays sounds with an external program, e.g.
// "ffplay -nodisp -autoexit". The file path is appended as last argument.
type Command struct {
	argv []string
	wait bool
}

// New parses cmdline. With wait set Play blocks until the program exits.
func New(cmdline string, wait bool) *Command {
	return &Command{argv: strings.Fields(cmdline), wait: wait}
}

// Play starts the player for the file at path.
func (c *Command) Play(ctx context.Context, sound model.Sound, path string) error {
	if len(c.argv) == 0 {
		return ErrNoPlayer
	}
	args := append(append([]string{}, c.argv[1:]...), path)

	if c.wait {
		cmd := exec.CommandContext(ctx, c.argv[0], args...)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("player %s failed: %w", c.argv[0], err)
		}
		return nil
	}

	// detached: the request context must not kill playback
	cmd := exec.Command(c.argv[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start player %s: %w", c.argv[0], err)
	}
	logger.Info("playing sound",
		logger.Int64("id", sound.ID),
		logger.String("file", path),
		logger.Int("pid", cmd.Process.Pid))
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Warn("player exited with error", logger.String("file", path), logger.ErrorField(err))
		}
	}()
	return nil
}
