// Package chat posts relay digests to a chat webhook.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jarrod-lowe/mail-relay-service/internal/retry"
)

// Error types for webhook posts.
var (
	ErrServerFail  = errors.New("webhook server error")
	ErrRejected    = errors.New("webhook rejected message")
	ErrEmptyPost   = errors.New("empty webhook content")
	ErrNoWebhook   = errors.New("webhook URL not configured")
	errRateLimited = errors.New("webhook rate limited")
)

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RateLimitError is returned for HTTP 429 responses. It signals backpressure
// to the retry runner.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %v", errRateLimited, e.RetryAfter)
	}
	return errRateLimited.Error()
}

// Backpressure implements retry.Backpressure.
func (e *RateLimitError) Backpressure() bool { return true }

// RetryDelay implements retry.DelayHint.
func (e *RateLimitError) RetryDelay() time.Duration { return e.RetryAfter }

// payload is the webhook request body.
type payload struct {
	Content string `json:"content"`
}

// WebhookClient posts messages to a chat webhook with retries.
type WebhookClient struct {
	url        string
	httpClient HTTPDoer
	runner     *retry.Runner
	policy     retry.Policy
}

// NewWebhookClient creates a new WebhookClient using the ChatPost policy.
func NewWebhookClient(url string, httpClient HTTPDoer, runner *retry.Runner) *WebhookClient {
	return &WebhookClient{
		url:        url,
		httpClient: httpClient,
		runner:     runner,
		policy:     retry.ChatPost,
	}
}

// Post sends content as one chat message.
func (c *WebhookClient) Post(ctx context.Context, content string) error {
	if c.url == "" {
		return ErrNoWebhook
	}
	if content == "" {
		return ErrEmptyPost
	}

	body, err := json.Marshal(payload{Content: content})
	if err != nil {
		return err
	}

	_, _, err = retry.Do(ctx, c.runner, "chat.post", c.policy, func(ctx context.Context, n int) (struct{}, error) {
		return struct{}{}, c.postOnce(ctx, body)
	}, chatAttrs(content)...)
	return err
}

func (c *WebhookClient) postOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServerFail, resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
	}
}

func chatAttrs(content string) []slog.Attr {
	return []slog.Attr{slog.Int("content_length", len(content))}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
