package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3MultipartStore.
// Narrowed to an interface so tests can inject a mock.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Compile-time check that S3MultipartStore implements Store.
var _ Store = (*S3MultipartStore)(nil)

// S3Config holds the configuration for S3-backed chunk storage.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// NewS3Client builds an S3 client from the given configuration.
// Custom endpoints switch the client to path-style addressing for
// MinIO and other S3-compatible stores.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, clientOpts...), nil
}

// S3MultipartStore implements Store on a remote S3-style multipart
// upload API. Chunks map 1:1 to parts; the remote service is the
// authoritative part listing, which is what makes cross-process resume
// possible. Part sizes must honor the provider's 5MB minimum for all
// but the final part.
type S3MultipartStore struct {
	client S3API
	bucket string
	region string
}

// NewS3MultipartStore creates a store targeting the given bucket.
func NewS3MultipartStore(client S3API, bucket, region string) *S3MultipartStore {
	return &S3MultipartStore{
		client: client,
		bucket: bucket,
		region: region,
	}
}

// ref returns the remote multipart upload ID for the upload. When a
// session was rebuilt after a registry loss, the session ID is the
// remote upload ID itself.
func ref(up Upload) string {
	if up.Ref != "" {
		return up.Ref
	}
	return up.ID
}

// Begin initiates a remote multipart upload and returns its upload ID.
func (s *S3MultipartStore) Begin(ctx context.Context, up Upload) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(up.Key),
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

// WriteChunk uploads one part. Re-uploading a part number replaces the
// previous part on the remote side.
func (s *S3MultipartStore) WriteChunk(ctx context.Context, up Upload, n int, data io.Reader, size int64) error {
	_, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(up.Key),
		UploadId:      aws.String(ref(up)),
		PartNumber:    aws.Int32(int32(n)), // #nosec G115 - part numbers are capped at 10000
		Body:          data,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", n, err)
	}
	return nil
}

// ListChunks returns the sorted part numbers the remote service has
// accepted, following pagination markers.
func (s *S3MultipartStore) ListChunks(ctx context.Context, up Upload) ([]int, error) {
	parts, err := s.listParts(ctx, up)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(parts))
	for _, p := range parts {
		indices = append(indices, int(aws.ToInt32(p.PartNumber)))
	}
	sort.Ints(indices)
	return indices, nil
}

// Assemble completes the multipart upload, which concatenates parts in
// ascending part-number order on the remote side. Returns the object URL.
func (s *S3MultipartStore) Assemble(ctx context.Context, up Upload) (string, error) {
	parts, err := s.listParts(ctx, up)
	if err != nil {
		return "", err
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       p.ETag,
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(up.Key),
		UploadId:        aws.String(ref(up)),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, up.Key), nil
}

// Discard aborts the multipart upload, dropping all stored parts.
// An already-aborted or unknown upload is treated as discarded.
func (s *S3MultipartStore) Discard(ctx context.Context, up Upload) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(up.Key),
		UploadId: aws.String(ref(up)),
	})
	if err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

func (s *S3MultipartStore) listParts(ctx context.Context, up Upload) ([]types.Part, error) {
	var parts []types.Part
	var marker *string

	for {
		out, err := s.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(up.Key),
			UploadId:         aws.String(ref(up)),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}

		parts = append(parts, out.Parts...)
		if !aws.ToBool(out.IsTruncated) {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

func isNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}
