package storage

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/meetrec/meetrec-control-plane/internal/metrics"
	"github.com/meetrec/meetrec-control-plane/internal/model"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// S3Backend uploads recordings to an S3-compatible store such as MinIO.
type S3Backend struct {
	client S3API
	bucket string
	region string
}

func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx,
		awscfg.WithRegion(region),
		awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	endpoint := normalizeEndpoint(opts.Endpoint, opts.Secure)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		// MinIO serves buckets by path, not by virtual host.
		o.UsePathStyle = true
	})
	return NewS3BackendWithClient(client, opts.Bucket, region), nil
}

func NewS3BackendWithClient(client S3API, bucket, region string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, region: region}
}

// normalizeEndpoint accepts MinIO-style host:port endpoints.
func normalizeEndpoint(endpoint string, secure bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if secure {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (b *S3Backend) Name() string { return "s3" }

// EnsureBucket creates the bucket when it does not exist yet.
func (b *S3Backend) EnsureBucket(ctx context.Context) error {
	err := retryS3(ctx, "head_bucket", func(callCtx context.Context) error {
		_, err := b.client.HeadBucket(callCtx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
		return err
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	if b.region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(b.region),
		}
	}
	err = retryS3(ctx, "create_bucket", func(callCtx context.Context) error {
		_, err := b.client.CreateBucket(callCtx, in)
		return err
	})
	if err != nil && !shouldIgnoreCreateBucketError(err) {
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	log.Printf("event=s3_bucket_created bucket=%s region=%s", b.bucket, b.region)
	return nil
}

// Store uploads the file under <session_id>/<file name> and deletes the local
// copy only after the stored object's size matches.
func (b *S3Backend) Store(ctx context.Context, sessionID, localPath string) (string, error) {
	start := time.Now()
	loc, err := b.store(ctx, sessionID, localPath)
	observe(b.Name(), "store", start, err)
	log.Printf("metric=s3_store_latency_ms session_id=%s bucket=%s value=%d", sessionID, b.bucket, time.Since(start).Milliseconds())
	if err != nil {
		return "", fmt.Errorf("session %s: %w", sessionID, err)
	}
	return loc, nil
}

func (b *S3Backend) store(ctx context.Context, sessionID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open recording: %v: %w", err, model.ErrStorageFailure)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat recording: %v: %w", err, model.ErrStorageFailure)
	}
	if fi.Size() == 0 {
		return "", fmt.Errorf("recording %s is empty: %w", localPath, model.ErrStorageFailure)
	}

	key := sessionID + "/" + filepath.Base(localPath)
	err = retryS3(ctx, "put_object", func(callCtx context.Context) error {
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		_, err := b.client.PutObject(callCtx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(fi.Size()),
			ContentType:   aws.String("audio/wav"),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %v: %w", key, err, model.ErrStorageFailure)
	}

	var head *s3.HeadObjectOutput
	err = retryS3(ctx, "head_object", func(callCtx context.Context) error {
		var headErr error
		head, headErr = b.client.HeadObject(callCtx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
		return headErr
	})
	if err != nil {
		return "", fmt.Errorf("verify object %s: %v: %w", key, err, model.ErrStorageFailure)
	}
	if got := aws.ToInt64(head.ContentLength); got != fi.Size() {
		return "", fmt.Errorf("verify object %s: stored %d bytes, expected %d: %w", key, got, fi.Size(), model.ErrStorageFailure)
	}

	_ = f.Close()
	if err := os.Remove(localPath); err != nil {
		log.Printf("event=s3_local_cleanup_failed session_id=%s path=%s err=%q", sessionID, localPath, err.Error())
	}
	return "s3://" + b.bucket + "/" + key, nil
}

func (b *S3Backend) Remove(ctx context.Context, location string) error {
	start := time.Now()
	bucket, key, ok := parseLocation(location)
	if !ok {
		err := fmt.Errorf("not an s3 location: %q", location)
		observe(b.Name(), "remove", start, err)
		return err
	}
	err := retryS3(ctx, "delete_object", func(callCtx context.Context) error {
		_, err := b.client.DeleteObject(callCtx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		return err
	})
	if err != nil && isNotFound(err) {
		err = nil
	}
	observe(b.Name(), "remove", start, err)
	return err
}

func parseLocation(location string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func isNotFound(err error) bool {
	switch awsErrorCode(err) {
	case "NotFound", "NoSuchBucket", "NoSuchKey":
		return true
	}
	return false
}

func shouldIgnoreCreateBucketError(err error) bool {
	code := awsErrorCode(err)
	return code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists"
}

func retryS3(ctx context.Context, opName string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientS3Error(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("meetrec_s3_retry_exhausted_total", map[string]string{"op": opName})
			return err
		}
		metrics.Default().IncCounter("meetrec_s3_retries_total", map[string]string{
			"op":     opName,
			"reason": awsErrorCode(err),
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=s3_retry op=%s attempt=%d delay_ms=%d err=%q", opName, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % uint64(span)
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientS3Error(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "SlowDown",
		"Throttling",
		"ThrottlingException",
		"RequestTimeout",
		"RequestTimeTooSkewed",
		"ServiceUnavailable",
		"InternalError",
		"XMinioServerNotInitialized":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
