package audit

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

// S3ArchiverConfig locates the archive bucket and the credentials to reach
// it. Endpoint and UsePathStyle are only needed for MinIO and other
// S3-compatible backends; against AWS both stay at their zero values.
type S3ArchiverConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Archiver writes batches of expired audit events to S3 as NDJSON objects.
// It is used by DBStore.Cleanup when the retention policy enables archiving.
type S3Archiver struct {
	client  *s3.Client
	bucket  string
	metrics *observability.OTelMetrics
}

// NewS3Archiver builds the client and makes sure the bucket exists, so a
// first run against a fresh MinIO instance needs no provisioning step.
// Explicit keys in the config win over the ambient AWS credential chain.
func NewS3Archiver(cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	ctx := context.Background()

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	if err := createBucketIfNotExists(ctx, s3Client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure archive bucket exists: %w", err)
	}

	return &S3Archiver{
		client: s3Client,
		bucket: cfg.Bucket,
	}, nil
}

// SetMetrics enables OTLP recording of archive uploads. Archiving runs inside
// scheduled jobs with no scrape endpoint, so push-based instruments are the
// only way those batches show up anywhere.
func (a *S3Archiver) SetMetrics(metrics *observability.OTelMetrics) {
	a.metrics = metrics
}

// Archive uploads a batch of events as a single NDJSON object. The object key
// is derived from the date and the ID range of the batch, so re-running a
// cleanup that archives the same rows overwrites rather than duplicates.
func (a *S3Archiver) Archive(ctx context.Context, prefix string, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, span := observability.Tracer().Start(ctx, "S3Archiver.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.Int("audit.batch_size", len(events)),
		),
	)
	defer span.End()

	data, err := exportNDJSON(events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode batch")
		return fmt.Errorf("failed to encode archive batch: %w", err)
	}

	if prefix == "" {
		prefix = DefaultRetentionPolicy().ArchivePrefix
	}

	first := events[0]
	last := events[len(events)-1]
	key := fmt.Sprintf("%s/%s/audit-%d-%d.ndjson",
		prefix,
		first.Timestamp.UTC().Format("2006/01/02"),
		first.ID,
		last.ID,
	)
	span.SetAttributes(attribute.String("s3.key", key))

	start := time.Now()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})

	if a.metrics != nil {
		a.metrics.RecordArchiveUpload(ctx, "s3", time.Since(start), int64(len(data)), err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload archive batch")
		return fmt.Errorf("failed to upload archive batch: %w", err)
	}

	span.SetStatus(codes.Ok, "batch archived")
	return nil
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	// Losing the create race to another replica is fine; any already-exists
	// answer means the bucket is there.
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil && !isBucketAlreadyExistsError(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isBucketAlreadyExistsError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "BucketAlreadyExists") ||
		strings.Contains(err.Error(), "BucketAlreadyOwnedByYou"))
}
