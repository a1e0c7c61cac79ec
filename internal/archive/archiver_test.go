package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jllobera/shopvoice/internal/capture"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func testUtterance() capture.Utterance {
	return capture.Utterance{
		PCM:        make([]byte, 3200),
		SampleRate: 16000,
		Duration:   100 * time.Millisecond,
	}
}

func TestArchiveUtteranceUploadsWAV(t *testing.T) {
	putter := &fakePutter{}
	a := &S3Archiver{
		client: putter,
		bucket: "utterances",
		prefix: "shopvoice",
		now:    func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	}

	key, err := a.ArchiveUtterance(context.Background(), "conv-9", testUtterance())
	if err != nil {
		t.Fatalf("ArchiveUtterance() = %v, want nil", err)
	}
	if len(putter.inputs) != 1 {
		t.Fatalf("uploads = %d, want 1", len(putter.inputs))
	}

	in := putter.inputs[0]
	if *in.Bucket != "utterances" {
		t.Fatalf("bucket = %q, want %q", *in.Bucket, "utterances")
	}
	if *in.Key != key {
		t.Fatalf("input key = %q, want returned key %q", *in.Key, key)
	}
	if !strings.HasPrefix(key, "shopvoice/conv-9/20260314T093000-") || !strings.HasSuffix(key, ".wav") {
		t.Fatalf("key = %q, want shopvoice/conv-9/20260314T093000-*.wav", key)
	}
	if *in.ContentType != "audio/wav" {
		t.Fatalf("content type = %q, want audio/wav", *in.ContentType)
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	// 44-byte RIFF header ahead of the raw samples.
	if len(body) != 44+3200 {
		t.Fatalf("body size = %d, want %d", len(body), 44+3200)
	}
	if string(body[:4]) != "RIFF" || string(body[8:12]) != "WAVE" {
		t.Fatal("body is not a WAV file")
	}
}

func TestArchiveUtteranceKeyWithoutPrefix(t *testing.T) {
	a := &S3Archiver{client: &fakePutter{}, bucket: "b", now: time.Now}
	key, err := a.ArchiveUtterance(context.Background(), "conv-1", testUtterance())
	if err != nil {
		t.Fatalf("ArchiveUtterance() = %v, want nil", err)
	}
	if !strings.HasPrefix(key, "conv-1/") {
		t.Fatalf("key = %q, want conv-1/ prefix", key)
	}
}

func TestArchiveUtteranceUploadError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	a := &S3Archiver{client: putter, bucket: "b", now: time.Now}

	if _, err := a.ArchiveUtterance(context.Background(), "conv-1", testUtterance()); err == nil {
		t.Fatal("ArchiveUtterance() = nil, want upload error")
	}
}

func TestConfigEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"complete", Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}, true},
		{"empty", Config{}, false},
		{"missing secret", Config{Bucket: "b", AccessKeyID: "k"}, false},
		{"missing bucket", Config{AccessKeyID: "k", SecretAccessKey: "s"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Enabled(); got != tt.want {
				t.Fatalf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}
