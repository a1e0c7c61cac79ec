package capture

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jllobera/shopvoice/internal/audio"
)

// Config tunes silence finalization and voice activity detection. Levels
// are on the 0..255 meter scale.
type Config struct {
	SampleRate        int
	SilenceLevel      int
	SilenceThreshold  time.Duration
	EnergyThreshold   int
	ConsecutiveFrames int
	Device            string

	// DumpDir, when set, writes every finalized utterance as a WAV file.
	DumpDir string
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.SilenceLevel <= 0 {
		c.SilenceLevel = 30
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 1500 * time.Millisecond
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 40
	}
	if c.ConsecutiveFrames <= 0 {
		c.ConsecutiveFrames = 3
	}
	return c
}

// Utterance is one finalized span of recorded audio, bounded by silence.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// vadWindow is a ring of the last N above-threshold results. Voice is
// detected only when every slot is true, so a single loud click or cough
// cannot trigger a barge-in.
type vadWindow struct {
	slots []bool
	next  int
}

func newVADWindow(n int) *vadWindow {
	return &vadWindow{slots: make([]bool, n)}
}

func (w *vadWindow) push(above bool) {
	w.slots[w.next] = above
	w.next = (w.next + 1) % len(w.slots)
}

func (w *vadWindow) full() bool {
	for _, s := range w.slots {
		if !s {
			return false
		}
	}
	return true
}

func (w *vadWindow) reset() {
	for i := range w.slots {
		w.slots[i] = false
	}
	w.next = 0
}

// Engine owns the microphone stream. It produces finalized utterances for
// transmission and, independently, a continuous debounced "user is
// speaking" signal for barge-in detection. The two concerns are
// deliberately decoupled: the VAD monitor keeps running while the remote
// assistant is talking and nothing is being recorded.
type Engine struct {
	cfg    Config
	source Source

	mu          sync.Mutex
	stream      Stream
	cancel      context.CancelFunc
	initialized bool
	recording   bool
	monitoring  bool
	buf         bytes.Buffer
	voicedAny   bool
	silentFor   time.Duration
	recordedFor time.Duration
	window      *vadWindow

	level  atomic.Int32
	voiced atomic.Bool

	utterances chan Utterance
	done       chan struct{}
}

func NewEngine(source Source, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		source:     source,
		window:     newVADWindow(cfg.ConsecutiveFrames),
		utterances: make(chan Utterance, 4),
		done:       make(chan struct{}),
	}
}

// Init opens the microphone stream and starts the frame loop. Calling it
// again while initialized is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The stream outlives the Init call; its lifetime is bound to Cleanup,
	// not to the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := e.source.Open(runCtx, Options{
		SampleRate:       e.cfg.SampleRate,
		Device:           e.cfg.Device,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("open capture source: %w", err)
	}

	e.stream = stream
	e.cancel = cancel
	e.initialized = true
	go e.run(runCtx, stream)
	return nil
}

// StartRecording begins accumulating a fresh utterance buffer and resets
// the silence timer. No-op while already recording.
func (e *Engine) StartRecording() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return fmt.Errorf("capture engine not initialized")
	}
	if e.recording {
		return nil
	}
	e.recording = true
	e.buf.Reset()
	e.voicedAny = false
	e.silentFor = 0
	e.recordedFor = 0
	return nil
}

// StopRecordingAndFinalize stops accumulation and returns the buffered
// utterance. ok is false when nothing was recorded.
func (e *Engine) StopRecordingAndFinalize() (Utterance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizeLocked()
}

// Discard stops accumulation and clears the buffer without returning data.
func (e *Engine) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recording = false
	e.buf.Reset()
	e.voicedAny = false
	e.silentFor = 0
	e.recordedFor = 0
}

// StartContinuousVAD begins the monitoring loop that feeds the debounce
// window, independent of recording state. The window restarts empty.
func (e *Engine) StartContinuousVAD() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window.reset()
	e.voiced.Store(false)
	e.monitoring = true
}

// StopContinuousVAD halts monitoring and clears the detected flag.
func (e *Engine) StopContinuousVAD() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitoring = false
	e.window.reset()
	e.voiced.Store(false)
}

// HasVoiceDetected is true exactly when the last ConsecutiveFrames samples
// were all above the energy threshold.
func (e *Engine) HasVoiceDetected() bool { return e.voiced.Load() }

// Level returns the most recent 0..255 input level sample.
func (e *Engine) Level() int { return int(e.level.Load()) }

// Utterances delivers buffers finalized by the silence condition.
func (e *Engine) Utterances() <-chan Utterance { return e.utterances }

// Cleanup releases the stream and stops all loops. Safe from any state and
// safe to call more than once.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.initialized = false
	e.recording = false
	e.monitoring = false
	stream := e.stream
	cancel := e.cancel
	e.stream = nil
	e.cancel = nil
	e.buf.Reset()
	e.voiced.Store(false)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Printf("capture: close stream: %v", err)
		}
	}
	<-e.done
	e.done = make(chan struct{})
}

func (e *Engine) run(ctx context.Context, stream Stream) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			if u, fire := e.ingest(frame); fire {
				select {
				case e.utterances <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// ingest processes one frame: level metering, VAD window, and silence
// accounting. It returns a finalized utterance when the silence condition
// fires while recording.
func (e *Engine) ingest(frame []byte) (Utterance, bool) {
	level := audio.LevelPCM16(frame)
	e.level.Store(int32(level))

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.monitoring {
		e.window.push(level >= e.cfg.EnergyThreshold)
		e.voiced.Store(e.window.full())
	}

	if !e.recording {
		return Utterance{}, false
	}

	e.buf.Write(frame)
	frameDur := pcmDuration(len(frame), e.cfg.SampleRate)
	e.recordedFor += frameDur

	if level >= e.cfg.SilenceLevel {
		e.voicedAny = true
		e.silentFor = 0
		return Utterance{}, false
	}

	e.silentFor += frameDur
	// The timer only releases once the utterance carries some voiced
	// audio; otherwise a quiet room would finalize empty buffers forever.
	if e.voicedAny && e.silentFor >= e.cfg.SilenceThreshold {
		return e.finalizeLocked()
	}
	return Utterance{}, false
}

func (e *Engine) finalizeLocked() (Utterance, bool) {
	if !e.recording || e.buf.Len() == 0 {
		e.recording = false
		e.buf.Reset()
		return Utterance{}, false
	}
	pcm := make([]byte, e.buf.Len())
	copy(pcm, e.buf.Bytes())
	u := Utterance{
		PCM:        pcm,
		SampleRate: e.cfg.SampleRate,
		Duration:   e.recordedFor,
	}
	e.recording = false
	e.buf.Reset()
	e.voicedAny = false
	e.silentFor = 0
	e.recordedFor = 0

	if e.cfg.DumpDir != "" {
		path := filepath.Join(e.cfg.DumpDir, "utterance-"+uuid.NewString()+".wav")
		if err := audio.WriteWAVPCM16LEFile(path, u.PCM, u.SampleRate); err != nil {
			log.Printf("capture: dump utterance: %v", err)
		}
	}
	return u, true
}

func pcmDuration(nbytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := nbytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
