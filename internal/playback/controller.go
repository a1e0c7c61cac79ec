package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

// ErrPlaybackBusy reports an overlapping Play call. The active playback
// must be cancelled before a new one may start.
var ErrPlaybackBusy = errors.New("playback already active")

type ResultKind int

const (
	Completed ResultKind = iota
	Cancelled
	Failed
)

func (k ResultKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result resolves a Play call. Callers must treat all three kinds as valid
// terminal outcomes, not just Completed.
type Result struct {
	Kind ResultKind
	Err  error
}

// Controller plays one base64-encoded audio reply at a time and supports
// hard cancellation mid-playback.
type Controller struct {
	sink Sink

	mu        sync.Mutex
	active    bool
	cancel    context.CancelFunc
	cancelled bool
}

func NewController(sink Sink) *Controller {
	return &Controller{sink: sink}
}

// Play decodes the payload and starts playback. The returned channel
// resolves exactly once: when playback ends naturally, fails, or is
// cancelled. A second Play while one is active returns ErrPlaybackBusy.
func (c *Controller) Play(ctx context.Context, base64Audio string) (<-chan Result, error) {
	data, err := base64.StdEncoding.DecodeString(base64Audio)
	if err != nil {
		return nil, fmt.Errorf("decode reply audio: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty reply audio")
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil, ErrPlaybackBusy
	}
	playCtx, cancel := context.WithCancel(ctx)
	c.active = true
	c.cancel = cancel
	c.cancelled = false
	c.mu.Unlock()

	done := make(chan Result, 1)
	go func() {
		err := c.sink.Play(playCtx, data)

		c.mu.Lock()
		wasCancelled := c.cancelled
		c.active = false
		c.cancel = nil
		c.cancelled = false
		c.mu.Unlock()
		cancel()

		switch {
		case wasCancelled || errors.Is(err, context.Canceled):
			done <- Result{Kind: Cancelled}
		case err != nil:
			done <- Result{Kind: Failed, Err: err}
		default:
			done <- Result{Kind: Completed}
		}
	}()
	return done, nil
}

// Cancel stops the active playback immediately. Safe to call when nothing
// is playing.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	if c.active {
		c.cancelled = true
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Active reports whether a playback is in flight.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
