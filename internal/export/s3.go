package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// S3API is the slice of the S3 client the uploader needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg config.ExportConfig) (*s3.Client, error) {
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// S3Sink buffers a gzipped CSV export and uploads it on Close.
type S3Sink struct {
	client S3API
	bucket string
	key    string

	buf *bytes.Buffer
	gz  *gzip.Writer
	csv *CSVWriter
	n   int
}

// NewS3Sink prepares an export object named
// <prefix>/suppressions-<timestamp>.csv.gz.
func NewS3Sink(client S3API, bucket, prefix string, now time.Time) *S3Sink {
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	return &S3Sink{
		client: client,
		bucket: bucket,
		key:    path.Join(prefix, fmt.Sprintf("suppressions-%s.csv.gz", now.UTC().Format("20060102T150405Z"))),
		buf:    buf,
		gz:     gz,
		csv:    NewCSVWriter(gz),
	}
}

// Key is the object key the export is written to.
func (s *S3Sink) Key() string { return s.key }

func (s *S3Sink) Write(e domain.SuppressionEntry) error {
	s.n++
	return s.csv.Write(e)
}

// Close finishes the archive and uploads it.
func (s *S3Sink) Close(ctx context.Context) error {
	if err := s.csv.WriteHeader(); err != nil {
		return err
	}
	if err := s.csv.Flush(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	if err := s.gz.Close(); err != nil {
		return fmt.Errorf("compress export: %w", err)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key),
		Body:            bytes.NewReader(s.buf.Bytes()),
		ContentType:     aws.String("text/csv"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload export s3://%s/%s: %w", s.bucket, s.key, err)
	}
	logger.Info("[Export] uploaded suppression export", "bucket", s.bucket, "key", s.key, "entries", s.n)
	return nil
}
