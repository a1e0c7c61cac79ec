// Package archive uploads finalized utterances to S3-compatible storage
// for offline review. Archiving is best effort: upload failures are logged
// by the caller and never stall the conversation loop.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/jllobera/shopvoice/internal/audio"
	"github.com/jllobera/shopvoice/internal/capture"
)

// Config holds S3 settings. Archiving is enabled only when bucket and
// credentials are all present.
type Config struct {
	Endpoint        string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Archiver stores one finalized utterance and returns its object key.
type Archiver interface {
	ArchiveUtterance(ctx context.Context, conversationID string, u capture.Utterance) (string, error)
}

// objectPutter is the slice of the S3 API the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes utterances as WAV objects under
// {prefix}/{conversation_id}/{timestamp}-{id}.wav.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
	now    func() time.Time
}

func NewS3Archiver(cfg Config) *S3Archiver {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.New(s3.Options{}, options...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    time.Now,
	}
}

func (a *S3Archiver) ArchiveUtterance(ctx context.Context, conversationID string, u capture.Utterance) (string, error) {
	wav, err := audio.EncodeWAVPCM16LE(u.PCM, u.SampleRate)
	if err != nil {
		return "", fmt.Errorf("encode utterance: %w", err)
	}

	key := a.objectKey(conversationID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(wav),
		ContentType: aws.String("audio/wav"),
	})
	if err != nil {
		return "", fmt.Errorf("upload utterance %s: %w", key, err)
	}
	return key, nil
}

func (a *S3Archiver) objectKey(conversationID string) string {
	name := fmt.Sprintf("%s-%s.wav", a.now().UTC().Format("20060102T150405"), uuid.NewString())
	if a.prefix == "" {
		return conversationID + "/" + name
	}
	return a.prefix + "/" + conversationID + "/" + name
}

// Noop discards utterances. Used when archiving is not configured.
type Noop struct{}

func (Noop) ArchiveUtterance(context.Context, string, capture.Utterance) (string, error) {
	return "", nil
}
