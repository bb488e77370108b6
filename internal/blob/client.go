// Package blob writes raw objects to an S3-compatible store over signed
// path-style HTTP requests.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Error types for blob operations.
var (
	ErrForbidden  = errors.New("forbidden")
	ErrServerFail = errors.New("server error")
	ErrNoBucket   = errors.New("no bucket configured")
)

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx response that is neither 403 nor 5xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPBlobClient puts objects into one bucket of an S3-compatible endpoint.
type HTTPBlobClient struct {
	endpoint   string
	bucket     string
	httpClient HTTPDoer
}

// NewHTTPBlobClient creates a new HTTPBlobClient. The HTTP client is expected
// to sign requests, normally through SigV4Transport.
func NewHTTPBlobClient(endpoint, bucket string, httpClient HTTPDoer) *HTTPBlobClient {
	return &HTTPBlobClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		bucket:     bucket,
		httpClient: httpClient,
	}
}

// Destination names the store for logs and outcomes.
func (c *HTTPBlobClient) Destination() string {
	return c.endpoint + "/" + c.bucket
}

// objectURL constructs the path-style URL for key.
func (c *HTTPBlobClient) objectURL(key string) string {
	return c.endpoint + "/" + url.PathEscape(c.bucket) + "/" + EscapeKey(key)
}

// Put uploads body under key. It makes a single attempt.
func (c *HTTPBlobClient) Put(ctx context.Context, key string, body []byte) error {
	if c.bucket == "" {
		return ErrNoBucket
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "message/rfc822")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServerFail, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
}

// EscapeKey percent-encodes each path segment of key, keeping the slashes.
func EscapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
