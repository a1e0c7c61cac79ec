package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// Finalized utterances are mono PCM16LE; WAV framing is only applied at the
// edges (debug dumps, archive uploads). The wire payload stays raw.

const wavHeaderSize = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LETo(f, pcm, sampleRate)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	header := make([]byte, 0, wavHeaderSize)
	le := binary.LittleEndian

	header = append(header, "RIFF"...)
	header = le.AppendUint32(header, 36+dataSize)
	header = append(header, "WAVE"...)

	header = append(header, "fmt "...)
	header = le.AppendUint32(header, 16)
	header = le.AppendUint16(header, audioFormat)
	header = le.AppendUint16(header, numChannels)
	header = le.AppendUint32(header, uint32(sampleRate))
	header = le.AppendUint32(header, uint32(sampleRate*numChannels*bitsPerSample/8))
	header = le.AppendUint16(header, numChannels*bitsPerSample/8)
	header = le.AppendUint16(header, bitsPerSample)

	header = append(header, "data"...)
	header = le.AppendUint32(header, dataSize)

	if _, err := out.Write(header); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}
