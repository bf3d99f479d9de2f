package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "flowci/internal/config"
)

// Uploader persists stage log artifacts. Uploads happen off the execution
// hot path; a failed upload is logged, never surfaced to the run.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) (string, error)
}

// New picks S3 when a bucket is configured, local disk otherwise.
func New(ctx context.Context, cfg appconfig.Config) (Uploader, error) {
	if cfg.ArtifactS3Bucket != "" {
		return newS3Uploader(ctx, cfg)
	}
	return &localUploader{dir: cfg.ArtifactDir}, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func newS3Uploader(ctx context.Context, cfg appconfig.Config) (*s3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	})
	return &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}, nil
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

// localUploader writes artifacts under a base directory, for dev and tests.
type localUploader struct {
	dir string
}

func NewLocal(dir string) Uploader {
	return &localUploader{dir: dir}
}

func (u *localUploader) Upload(_ context.Context, key string, body []byte) (string, error) {
	// Keys arrive as "<run-id>/<stage>.log"; refuse anything escaping the base dir.
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	path := filepath.Join(u.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir artifact dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// UploadAsync runs the upload in the background, detached from the caller's
// cancellation.
func UploadAsync(ctx context.Context, u Uploader, key string, body []byte) {
	if u == nil {
		return
	}
	go func(ctx context.Context) {
		if _, err := u.Upload(ctx, key, body); err != nil {
			log.Printf("artifacts: upload %s: %v", key, err)
		}
	}(context.WithoutCancel(ctx))
}
