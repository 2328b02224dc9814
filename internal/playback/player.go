package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// FFPlayPlayer plays WAV audio by piping it to an ffplay subprocess.
type FFPlayPlayer struct {
	command string
}

func NewFFPlayPlayer(command string) *FFPlayPlayer {
	if strings.TrimSpace(command) == "" {
		command = "ffplay"
	}
	return &FFPlayPlayer{command: command}
}

// Play blocks until playback finishes or ctx is cancelled.
func (p *FFPlayPlayer) Play(ctx context.Context, wav []byte) error {
	cmd := exec.CommandContext(ctx, p.command, "-nodisp", "-autoexit", "-loglevel", "error", "-i", "-")
	cmd.Stdin = bytes.NewReader(wav)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			return fmt.Errorf("ffplay failed: %w: %s", err, detail)
		}
		return fmt.Errorf("ffplay failed: %w", err)
	}
	return nil
}
