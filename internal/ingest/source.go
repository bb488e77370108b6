package ingest

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3GetObjectAPI abstracts the S3 client for dependency inversion.
type S3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3RawSource reads messages stored by the SES receipt rule S3 action.
type S3RawSource struct {
	client S3GetObjectAPI
	bucket string
	prefix string
}

// NewS3RawSource creates a new S3RawSource. Objects are named prefix+messageID.
func NewS3RawSource(client S3GetObjectAPI, bucket, prefix string) *S3RawSource {
	return &S3RawSource{client: client, bucket: bucket, prefix: prefix}
}

// Loader returns a Loader for one SES message ID.
func (s *S3RawSource) Loader(messageID string) Loader {
	return func(ctx context.Context) ([]byte, error) {
		return s.Fetch(ctx, messageID)
	}
}

// Fetch downloads the raw message stored for messageID.
func (s *S3RawSource) Fetch(ctx context.Context, messageID string) ([]byte, error) {
	key := s.prefix + messageID
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}
	return raw, nil
}
