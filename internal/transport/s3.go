// S3 gateway transport: parks chunks in an upstream Amazon S3 bucket via the
// AWS SDK for Go v2. The manifest stays local -- this backend handles raw
// bytes only. Each chunk is one object under {prefix}chunks/{id}; the blob
// reference is the object key.
//
// Credentials are resolved via the standard AWS credential chain (env vars,
// ~/.aws/credentials, IAM role, etc.), with optional static overrides for
// S3-compatible endpoints.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/telecloud/telecloud/internal/uid"
)

// S3API is the subset of the AWS S3 client interface the transport uses.
// This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Options configures an S3 transport.
type S3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Transport implements Transport against an upstream S3 bucket.
type S3Transport struct {
	bucket string
	prefix string
	client S3API
}

// NewS3Transport creates an S3 transport for the given bucket, initializing
// the SDK client from the default credential chain with optional overrides.
func NewS3Transport(ctx context.Context, opts S3Options) (*S3Transport, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &S3Transport{bucket: opts.Bucket, prefix: opts.Prefix, client: client}, nil
}

// NewS3TransportWithClient wires an existing client, used by tests.
func NewS3TransportWithClient(bucket, prefix string, client S3API) *S3Transport {
	return &S3Transport{bucket: bucket, prefix: prefix, client: client}
}

func (t *S3Transport) key(ref BlobRef) string {
	return t.prefix + "chunks/" + string(ref)
}

func (t *S3Transport) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	ref := BlobRef(uid.New())
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(ref)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return "", wrapS3Error("send", err)
	}
	return ref, nil
}

func (t *S3Transport) Fetch(ctx context.Context, ref BlobRef) ([]byte, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(ref)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapS3Error("fetch", err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &Error{Op: "fetch", Transient: true, Err: err}
	}
	return payload, nil
}

func (t *S3Transport) Delete(ctx context.Context, ref BlobRef) error {
	// S3 DeleteObject is silent about missing keys, so probe first to honor
	// the NotFound contract.
	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(ref)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
		return wrapS3Error("delete", err)
	}

	_, err = t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(ref)),
	})
	if err != nil {
		return wrapS3Error("delete", err)
	}
	return nil
}

func (t *S3Transport) Ping(ctx context.Context) error {
	_, err := t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.bucket)})
	if err != nil {
		return wrapS3Error("ping", err)
	}
	return nil
}

// isS3NotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	return false
}

// wrapS3Error classifies an AWS error as transient or permanent.
func wrapS3Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout",
			"InternalError", "ServiceUnavailable", "503":
			return &Error{Op: op, Transient: true, Err: err}
		}
		return &Error{Op: op, Err: err}
	}
	// Network-level failures (no API error code) are worth retrying, but
	// cancellation propagates as-is.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Op: op, Transient: true, Err: err}
}
