// Package archive stores completed job result payloads and returns a URI
// the job record keeps as its result pointer.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"agent-job-sync/internal/config"
)

// Archiver persists one result payload under jobID.
type Archiver interface {
	Archive(ctx context.Context, jobID string, payload []byte) (string, error)
}

// New picks S3 when a bucket is configured, otherwise the local directory.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.ResultS3Bucket == "" {
		dir := cfg.ResultOutputDir
		if dir == "" {
			dir = "./results"
		}
		return NewLocal(dir), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3(client, cfg.ResultS3Bucket, "results"), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ResultS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ResultS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ResultS3Endpoint)
		}
		o.UsePathStyle = cfg.ResultS3PathStyle
	}), nil
}

func objectKey(prefix, jobID string) string {
	key := filepath.ToSlash(filepath.Clean(jobID))
	key = strings.TrimLeft(strings.ReplaceAll(key, "../", ""), "/.")
	if prefix == "" {
		return key + ".json"
	}
	return strings.TrimRight(prefix, "/") + "/" + key + ".json"
}

// Local writes payloads below a base directory.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local { return &Local{baseDir: baseDir} }

func (l *Local) Archive(_ context.Context, jobID string, payload []byte) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(objectKey("", jobID)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

// S3 uploads payloads as JSON objects.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) Archive(ctx context.Context, jobID string, payload []byte) (string, error) {
	key := objectKey(s.prefix, jobID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
