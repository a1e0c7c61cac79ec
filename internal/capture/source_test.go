package capture

import (
	"io"
	"testing"
	"time"
)

func TestExecStreamStopsWhenNobodyDrains(t *testing.T) {
	pr, pw := io.Pipe()
	st := &execStream{
		out:    pr,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	loopExited := make(chan struct{})
	go func() {
		st.readLoop(4)
		close(loopExited)
	}()

	// Three frames worth of audio with no receiver: the first fills the
	// buffer and the loop parks on the second send.
	go pw.Write(make([]byte, 12))

	select {
	case <-loopExited:
		t.Fatal("read loop exited before shutdown")
	case <-time.After(50 * time.Millisecond):
	}

	// Shutdown closes done before reaping the recorder; the parked send
	// must release even though the frames buffer stays full.
	close(st.done)

	select {
	case <-loopExited:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop still running after shutdown")
	}
	pr.Close()

	// The frames channel closes so a late receiver sees end-of-stream.
	frame, open := <-st.frames
	if !open || len(frame) != 4 {
		t.Fatalf("buffered frame = %d bytes, open = %v, want 4 bytes before close", len(frame), open)
	}
	if _, open := <-st.frames; open {
		t.Fatal("frames channel left open after read loop exit")
	}
}

func TestExecStreamDeliversFixedFrames(t *testing.T) {
	pr, pw := io.Pipe()
	st := &execStream{
		out:    pr,
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
	}
	go st.readLoop(4)

	go func() {
		pw.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
		pw.Close()
	}()

	var frames [][]byte
	for f := range st.frames {
		frames = append(frames, f)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0][0] != 1 || frames[1][0] != 5 {
		t.Fatalf("frame boundaries wrong: %v / %v", frames[0], frames[1])
	}
	close(st.done)
}
