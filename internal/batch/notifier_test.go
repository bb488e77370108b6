package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
	"github.com/jarrod-lowe/mail-relay-service/internal/throttle"
)

// mockPoster implements Poster for testing.
type mockPoster struct {
	mu       sync.Mutex
	posts    []string
	postFunc func(content string) error
}

func (m *mockPoster) Post(ctx context.Context, content string) error {
	m.mu.Lock()
	m.posts = append(m.posts, content)
	m.mu.Unlock()
	if m.postFunc != nil {
		return m.postFunc(content)
	}
	return nil
}

func testConfig() Config {
	return Config{
		Budget:   DefaultBudget,
		LineCap:  DefaultLineCap,
		Throttle: throttle.Options{Concurrency: 1, Limit: 1, QueueSize: 8},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNotify_SplitsOnBudget(t *testing.T) {
	long := strings.Repeat("s", 700)
	events := []relay.SummaryEvent{
		{Timestamp: 1705746600000, From: "a@example.org", To: "x@example.com", Subject: long},
		{Timestamp: 1705746601000, From: "b@example.org", To: "x@example.com", Subject: long},
		{Timestamp: 1705746602000, From: "c@example.org", To: "x@example.com", Subject: long},
	}

	poster := &mockPoster{}
	n := NewNotifier(poster, testConfig(), discardLogger())
	if err := n.Notify(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(poster.posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(poster.posts))
	}
	if !strings.Contains(poster.posts[0], "a@example.org") || !strings.Contains(poster.posts[0], "b@example.org") {
		t.Error("first post should contain the first two events")
	}
	if !strings.Contains(poster.posts[1], "c@example.org") || strings.Contains(poster.posts[1], "b@example.org") {
		t.Error("second post should contain only the third event")
	}
}

func TestNotify_NoEvents(t *testing.T) {
	poster := &mockPoster{}
	n := NewNotifier(poster, testConfig(), discardLogger())
	if err := n.Notify(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(poster.posts) != 0 {
		t.Errorf("posts = %d, want 0", len(poster.posts))
	}
}

func TestNotify_ReturnsPostErrors(t *testing.T) {
	failure := errors.New("webhook down")
	poster := &mockPoster{postFunc: func(string) error { return failure }}

	n := NewNotifier(poster, testConfig(), discardLogger())
	err := n.Notify(context.Background(), []relay.SummaryEvent{{From: "a@example.org", To: "b@example.org", Subject: "hi"}})

	if !errors.Is(err, failure) {
		t.Errorf("err = %v, want %v", err, failure)
	}
}

func TestNewNotifier_Defaults(t *testing.T) {
	n := NewNotifier(&mockPoster{}, Config{}, discardLogger())
	if n.cfg.Budget != DefaultBudget || n.cfg.LineCap != DefaultLineCap {
		t.Errorf("budget, lineCap = %d, %d, want %d, %d", n.cfg.Budget, n.cfg.LineCap, DefaultBudget, DefaultLineCap)
	}
}

func TestNotify_ErrorsNameEachPost(t *testing.T) {
	long := strings.Repeat("s", 700)
	events := []relay.SummaryEvent{
		{From: "a@example.org", To: "x@example.com", Subject: long},
		{From: "b@example.org", To: "x@example.com", Subject: long},
		{From: "c@example.org", To: "x@example.com", Subject: long},
	}
	poster := &mockPoster{postFunc: func(string) error { return errors.New("webhook down") }}

	n := NewNotifier(poster, testConfig(), discardLogger())
	err := n.Notify(context.Background(), events)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	for _, want := range []string{"post 1 of 2", "post 2 of 2"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %q, want it to contain %q", err.Error(), want)
		}
	}
	if len(poster.posts) != 2 || poster.posts[0] == poster.posts[1] {
		t.Errorf("posts = %q, want two distinct posts", poster.posts)
	}
}
