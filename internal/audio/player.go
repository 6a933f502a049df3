package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Player pipes encoded audio into an external player process.
type Player struct {
	command string
	args    []string
}

func NewPlayer(command string) *Player {
	if command == "" {
		command = "ffplay"
	}
	return &Player{
		command: command,
		args:    []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "-"},
	}
}

// Play blocks until playback finishes or ctx is cancelled.
func (p *Player) Play(ctx context.Context, r io.Reader) error {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = r
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("player exited with %d: %s", exitErr.ExitCode(), stringsTrimSpaceSafe(stderr.String()))
		}
		return fmt.Errorf("failed to run player: %w", err)
	}
	return nil
}
