package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ErrMicrophoneUnavailable reports that the input device could not be
// opened: missing hardware, denied permission, or a capture helper that is
// not installed. Fatal for starting a conversation; the user must retry.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// Options mirror the constraints requested when the stream is opened.
type Options struct {
	SampleRate       int
	Device           string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Stream delivers PCM16LE mono frames, one per monitor tick.
type Stream interface {
	Frames() <-chan []byte
	Close() error
}

// Source opens the microphone. Exactly one component (the Engine) may hold
// a stream at a time.
type Source interface {
	Open(ctx context.Context, opts Options) (Stream, error)
}

// ExecSource captures audio by running an external recorder process
// (ffmpeg, arecord, sox, ...) that writes raw PCM16LE mono to stdout.
type ExecSource struct {
	// Command is the recorder invocation; empty picks an ffmpeg default.
	// The tokens {device} and {rate} are substituted before exec.
	Command string

	// FrameBytes overrides the frame size; zero derives one monitor tick
	// worth of samples from the sample rate.
	FrameBytes int
}

func (s *ExecSource) Open(ctx context.Context, opts Options) (Stream, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}

	argv := s.buildArgv(opts)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start recorder %q: %v", ErrMicrophoneUnavailable, argv[0], err)
	}

	frameBytes := s.FrameBytes
	if frameBytes <= 0 {
		// One ~16ms tick of PCM16 mono.
		frameBytes = opts.SampleRate * 2 * 16 / 1000
	}

	st := &execStream{
		cmd:    cmd,
		out:    stdout,
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
	go st.readLoop(frameBytes)
	return st, nil
}

func (s *ExecSource) buildArgv(opts Options) []string {
	raw := strings.TrimSpace(s.Command)
	if raw == "" {
		// ffmpeg with the processing filters the engine expects from the
		// device layer: echo cancellation is left to the OS stack, but
		// gain normalization and a high-pass cut approximate the noise
		// suppression / AGC constraints.
		filters := "highpass=f=80"
		if opts.AutoGainControl {
			filters += ",dynaudnorm"
		}
		raw = "ffmpeg -hide_banner -loglevel error -f pulse -i {device} " +
			"-af " + filters + " -ac 1 -ar {rate} -f s16le -"
	}
	device := opts.Device
	if device == "" {
		device = "default"
	}
	raw = strings.ReplaceAll(raw, "{device}", device)
	raw = strings.ReplaceAll(raw, "{rate}", strconv.Itoa(opts.SampleRate))
	return strings.Fields(raw)
}

type execStream struct {
	cmd       *exec.Cmd
	out       io.ReadCloser
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *execStream) Frames() <-chan []byte { return s.frames }

func (s *execStream) readLoop(frameBytes int) {
	defer close(s.frames)
	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(s.out, buf); err != nil {
			return
		}
		frame := make([]byte, frameBytes)
		copy(frame, buf)
		select {
		case s.frames <- frame:
		case <-s.done:
			// Nobody is draining anymore; stop instead of parking on a
			// full buffer.
			return
		}
	}
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.cmd.Process != nil {
		// Ask nicely first so the recorder flushes device state.
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	_ = s.out.Close()
	err := s.cmd.Wait()
	if err != nil && !isExpectedExit(err) {
		return err
	}
	return nil
}

func isExpectedExit(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	return errors.Is(err, syscall.ECHILD)
}
