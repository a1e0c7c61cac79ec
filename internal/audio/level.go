package audio

import (
	"encoding/binary"
	"math"
)

// LevelPCM16 reduces a PCM16LE mono frame to a 0..255 energy level.
// The scale matches the capture engine thresholds: silence sits well
// below 30 and conversational speech typically lands between 40 and 120.
func LevelPCM16(frame []byte) int {
	if len(frame) < 2 {
		return 0
	}
	r := RMSPCM16(frame)
	// Map RMS over the int16 range onto 0..255. Speech rarely exceeds
	// ~0.35 full-scale RMS, so scale up before clamping to keep the
	// useful part of the range resolvable.
	level := int(math.Round(r / 32768.0 * 255.0 * 4.0))
	if level < 0 {
		level = 0
	}
	if level > 255 {
		level = 255
	}
	return level
}

// RMSPCM16 computes the root-mean-square amplitude of a PCM16LE frame.
func RMSPCM16(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
