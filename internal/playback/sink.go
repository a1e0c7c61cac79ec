package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Sink renders decoded reply audio. Play blocks until the audio has been
// fully rendered or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, audio []byte) error
}

// ExecSink plays audio by piping it to an external player process. Reply
// payloads are mp3, so the default is mpg123 reading stdin; ffplay works
// too ("ffplay -autoexit -nodisp -loglevel error -i -").
type ExecSink struct {
	Command string
}

func (s *ExecSink) Play(ctx context.Context, audio []byte) error {
	raw := strings.TrimSpace(s.Command)
	if raw == "" {
		raw = "mpg123 -q -"
	}
	argv := strings.Fields(raw)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// Killed by cancellation, not a codec failure.
			return ctx.Err()
		}
		return fmt.Errorf("player %q: %w", argv[0], err)
	}
	return nil
}
