// Package archive writes raw messages to the primary and secondary object
// stores.
package archive

import (
	"bytes"
	"context"
	"mime"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MaxSubjectMetadataBytes bounds the subject stored as object metadata.
const MaxSubjectMetadataBytes = 512

// ContentType is the media type of every archived object.
const ContentType = "message/rfc822"

// Metadata is attached to the primary copy of an archived message.
type Metadata struct {
	To      string
	From    string
	RawFrom string
	Subject string
}

// Map returns the metadata as S3 user metadata. Values must be ASCII, so
// anything else is RFC 2047 encoded.
func (m Metadata) Map() map[string]string {
	return map[string]string{
		"to":      encodeValue(m.To),
		"from":    encodeValue(m.From),
		"rawfrom": encodeValue(m.RawFrom),
		"subject": encodeValue(truncateBytes(m.Subject, MaxSubjectMetadataBytes)),
	}
}

func encodeValue(v string) string {
	for i := 0; i < len(v); i++ {
		if v[i] >= utf8.RuneSelf || v[i] < ' ' {
			return mime.QEncoding.Encode("utf-8", v)
		}
	}
	return v
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Store is one archive destination.
type Store interface {
	Destination() string
	Put(ctx context.Context, key string, body []byte, meta Metadata) error
}

// S3PutObjectAPI abstracts the S3 client for dependency inversion.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store is the primary store: an S3 bucket that keeps the metadata.
type S3Store struct {
	client S3PutObjectAPI
	bucket string
}

// NewS3Store creates a new S3Store.
func NewS3Store(client S3PutObjectAPI, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Destination implements Store.
func (s *S3Store) Destination() string {
	return "s3://" + s.bucket
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, meta Metadata) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(ContentType),
		Metadata:      meta.Map(),
	})
	return err
}

// BlobPutter writes raw bytes to an S3-compatible endpoint.
type BlobPutter interface {
	Destination() string
	Put(ctx context.Context, key string, body []byte) error
}

// BlobStore is the secondary store. It keeps the body only.
type BlobStore struct {
	client BlobPutter
}

// NewBlobStore creates a new BlobStore.
func NewBlobStore(client BlobPutter) *BlobStore {
	return &BlobStore{client: client}
}

// Destination implements Store.
func (s *BlobStore) Destination() string {
	return s.client.Destination()
}

// Put implements Store.
func (s *BlobStore) Put(ctx context.Context, key string, body []byte, _ Metadata) error {
	return s.client.Put(ctx, key, body)
}
