package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func sinePCM16(amplitude float64, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*float64(i)/64.0)
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
	}
	return buf
}

func TestLevelPCM16Silence(t *testing.T) {
	frame := make([]byte, 640)
	if got := LevelPCM16(frame); got != 0 {
		t.Fatalf("LevelPCM16(silence) = %d, want 0", got)
	}
}

func TestLevelPCM16Monotonic(t *testing.T) {
	quiet := LevelPCM16(sinePCM16(400, 320))
	loud := LevelPCM16(sinePCM16(8000, 320))
	if quiet >= loud {
		t.Fatalf("level not monotonic: quiet=%d loud=%d", quiet, loud)
	}
	if loud > 255 {
		t.Fatalf("level out of range: %d", loud)
	}
}

func TestLevelPCM16ClampsFullScale(t *testing.T) {
	if got := LevelPCM16(sinePCM16(32000, 320)); got != 255 {
		t.Fatalf("LevelPCM16(full scale) = %d, want 255", got)
	}
}

func TestLevelPCM16EmptyFrame(t *testing.T) {
	if got := LevelPCM16(nil); got != 0 {
		t.Fatalf("LevelPCM16(nil) = %d, want 0", got)
	}
	if got := LevelPCM16([]byte{0x01}); got != 0 {
		t.Fatalf("LevelPCM16(odd byte) = %d, want 0", got)
	}
}

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := sinePCM16(1000, 160)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Fatalf("missing RIFF header")
	}
	if !bytes.Contains(wav[:44], []byte("WAVE")) {
		t.Fatalf("missing WAVE marker")
	}
	if got := len(wav); got != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", got, 44+len(pcm))
	}
}
