package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarrod-lowe/mail-relay-service/internal/archive"
	"github.com/jarrod-lowe/mail-relay-service/internal/classify"
	"github.com/jarrod-lowe/mail-relay-service/internal/headers"
	"github.com/jarrod-lowe/mail-relay-service/internal/notification"
	"github.com/jarrod-lowe/mail-relay-service/internal/reduce"
	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
	"github.com/jarrod-lowe/mail-relay-service/internal/retry"
	"github.com/jarrod-lowe/mail-relay-service/internal/telemetry"
)

const operator = "ops@example.net"

// mockRelay implements relay.Publisher for testing.
type mockRelay struct {
	events      []relay.SummaryEvent
	publishFunc func(event relay.SummaryEvent) error
}

func (m *mockRelay) Publish(ctx context.Context, event relay.SummaryEvent) error {
	m.events = append(m.events, event)
	if m.publishFunc != nil {
		return m.publishFunc(event)
	}
	return nil
}

// mockNotifications implements notification.Publisher for testing.
type mockNotifications struct {
	mu      sync.Mutex
	records []notification.Record
}

func (m *mockNotifications) Publish(ctx context.Context, record notification.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// mockForwarder implements Forwarder for testing.
type mockForwarder struct {
	to []string
}

func (m *mockForwarder) Forward(ctx context.Context, msg *Message, to string) error {
	m.to = append(m.to, to)
	return nil
}

// mockStore implements archive.Store for testing.
type mockStore struct {
	name   string
	mu     sync.Mutex
	bodies map[string][]byte
	err    error
}

func (m *mockStore) Destination() string { return m.name }

func (m *mockStore) Put(ctx context.Context, key string, body []byte, meta archive.Metadata) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bodies == nil {
		m.bodies = map[string][]byte{}
	}
	m.bodies[key] = body
	return nil
}

// mockSink implements telemetry.Sink for testing.
type mockSink struct {
	mu     sync.Mutex
	points map[string][]telemetry.DataPoint
}

func (m *mockSink) WriteDataPoint(ctx context.Context, dataset string, point telemetry.DataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.points == nil {
		m.points = map[string][]telemetry.DataPoint{}
	}
	m.points[dataset] = append(m.points[dataset], point)
	return nil
}

type fixture struct {
	pipeline      *Pipeline
	relay         *mockRelay
	notifications *mockNotifications
	forwarder     *mockForwarder
	primary       *mockStore
	secondary     *mockStore
	sink          *mockSink
	logs          *bytes.Buffer
}

func newFixture() *fixture {
	f := &fixture{
		relay:         &mockRelay{},
		notifications: &mockNotifications{},
		forwarder:     &mockForwarder{},
		primary:       &mockStore{name: "s3://primary"},
		secondary:     &mockStore{name: "https://b2/archive"},
		sink:          &mockSink{},
		logs:          &bytes.Buffer{},
	}

	logger := slog.New(slog.NewJSONHandler(&syncWriter{w: f.logs}, &slog.HandlerOptions{Level: slog.LevelInfo}))
	runner := retry.NewRunner(logger).WithSleep(func(ctx context.Context, d time.Duration) error { return nil })

	cfg := classify.DefaultConfig()
	cfg.OperatorAddress = operator
	cfg.GovListsAddress = "lists@example.com"

	f.pipeline = New(Options{
		Classifier:    classify.New(cfg),
		Relay:         f.relay,
		Notifications: f.notifications,
		Forwarder:     f.forwarder,
		Archiver:      archive.NewArchiver(f.primary, f.secondary, runner, logger),
		Telemetry:     telemetry.NewEmitter(f.sink, logger),
		Runner:        runner,
		Logger:        logger,
	})
	f.pipeline.now = func() time.Time { return time.Date(2024, 1, 20, 10, 30, 0, 0, time.UTC) }
	return f
}

// syncWriter serialises writes from concurrent log calls.
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (f *fixture) process(t *testing.T, msg *Message) error {
	t.Helper()
	var bg Background
	err := f.pipeline.Process(context.Background(), msg, &bg)
	bg.Wait()
	return err
}

func (f *fixture) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(f.logs)
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("failed to decode log record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func mustParse(t *testing.T, envelopeFrom, envelopeTo, raw string) *Message {
	t.Helper()
	msg, err := ParseMessage(envelopeFrom, envelopeTo, []byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	return msg
}

func onlyKey(t *testing.T, s *mockStore) string {
	t.Helper()
	if len(s.bodies) != 1 {
		t.Fatalf("%s stored %d objects, want 1", s.name, len(s.bodies))
	}
	for k := range s.bodies {
		return k
	}
	return ""
}

func TestProcess_GithubVerificationMail(t *testing.T) {
	f := newFixture()
	msg := mustParse(t, "notifications@github.com", "dev@example.com",
		"From: GitHub <notifications@github.com>\r\n"+
			"To: dev@example.com\r\n"+
			"Subject: [[acme/widgets] Please verify your email address.]\r\n"+
			"\r\n"+
			"Click the link.\r\n")

	if err := f.process(t, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	projects := f.sink.points[telemetry.DatasetGithubStats]
	if len(projects) != 1 || projects[0].Labels[0] != "acme" || projects[0].Labels[1] != "widgets" {
		t.Errorf("githubstats = %+v, want acme/widgets", projects)
	}

	key := onlyKey(t, f.primary)
	if !strings.HasPrefix(key, "github/notifications@github.com/acme/widgets/2024/01/20/") {
		t.Errorf("key = %q, want github/notifications@github.com/acme/widgets/2024/01/20/...", key)
	}
	if !strings.HasSuffix(key, ".1705746600000.eml") {
		t.Errorf("key = %q, want timestamp suffix", key)
	}

	if len(f.forwarder.to) != 1 || f.forwarder.to[0] != operator {
		t.Errorf("forwarded to %v, want [%s]", f.forwarder.to, operator)
	}

	if len(f.relay.events) != 1 {
		t.Fatalf("relay events = %d, want 1", len(f.relay.events))
	}
	ev := f.relay.events[0]
	if ev.From != "notifications@github.com" || ev.To != "dev@example.com" || ev.Timestamp != 1705746600000 {
		t.Errorf("summary event = %+v", ev)
	}

	if len(f.notifications.records) != 1 || f.notifications.records[0].ArchivePath != key {
		t.Errorf("notifications = %+v, want one with ArchivePath %q", f.notifications.records, key)
	}
	if f.notifications.records[0].RawFrom != "GitHub <notifications@github.com>" {
		t.Errorf("RawFrom = %q", f.notifications.records[0].RawFrom)
	}
}

func TestProcess_DisqusBodyIsReduced(t *testing.T) {
	f := newFixture()
	raw := strings.Join([]string{
		"From: Disqus <notifications@disqus.net>",
		"To: blog@example.com",
		"Subject: New comment on your post",
		`Content-Type: multipart/alternative; boundary="===============42=="`,
		"",
		"--===============42==",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		"Someone replied.",
		"",
		"--===============42==",
		reduce.DisqusHTMLMarker,
		"",
		"<html>" + strings.Repeat("<p>padding</p>", 100) + "</html>",
		"",
		"--===============42==--",
		"",
	}, "\r\n")
	msg := mustParse(t, "notifications@disqus.net", "blog@example.com", raw)

	if err := f.process(t, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := onlyKey(t, f.primary)
	archived := f.primary.bodies[key]
	if len(archived) >= len(raw) {
		t.Fatalf("archived %d bytes, want fewer than %d", len(archived), len(raw))
	}
	if !strings.HasPrefix(key, "disqus/blog@example.com/") {
		t.Errorf("key = %q, want disqus folder", key)
	}

	saved := f.sink.points[telemetry.DatasetDisqusStats]
	if len(saved) != 1 {
		t.Fatalf("disqusstats points = %d, want 1", len(saved))
	}
	if saved[0].Values[0] != float64(len(raw)-len(archived)) {
		t.Errorf("bytes saved = %v, want %d", saved[0].Values[0], len(raw)-len(archived))
	}

	// Telemetry size is the size of the message as received.
	stats := f.sink.points[telemetry.DatasetStats][0].Values
	if len(stats) != 2 || stats[0] != 1 {
		t.Fatalf("stats values = %v, want [1 size]", stats)
	}
	if stats[1] != float64(len(raw)) {
		t.Errorf("stats size = %v, want %d", stats[1], len(raw))
	}
}

func TestProcess_PrimaryFailsSecondarySucceeds(t *testing.T) {
	f := newFixture()
	f.primary.err = errors.New("InternalError")
	msg := mustParse(t, "alice@example.org", "dev@example.com",
		"From: alice@example.org\r\nSubject: Lunch\r\n\r\nhi\r\n")

	if err := f.process(t, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key := onlyKey(t, f.secondary)

	if len(f.notifications.records) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifications.records))
	}
	if f.notifications.records[0].ArchivePath != key {
		t.Errorf("ArchivePath = %q, want %q", f.notifications.records[0].ArchivePath, key)
	}

	var errorLogs []map[string]any
	for _, rec := range f.records(t) {
		if rec["destination"] == "https://b2/archive" {
			t.Errorf("unexpected log for secondary: %v", rec)
		}
		if rec["level"] == "ERROR" {
			errorLogs = append(errorLogs, rec)
		}
	}
	if len(errorLogs) != 1 {
		t.Fatalf("error logs = %d, want 1", len(errorLogs))
	}
	if errorLogs[0]["operation"] != "archive.primary" || errorLogs[0]["key"] != key {
		t.Errorf("error log = %v", errorLogs[0])
	}
}

func TestProcess_BothArchivesFailStillNotifies(t *testing.T) {
	f := newFixture()
	f.primary.err = errors.New("down")
	f.secondary.err = errors.New("down")
	msg := mustParse(t, "alice@example.org", "dev@example.com", "Subject: x\r\n\r\nbody\r\n")

	if err := f.process(t, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.notifications.records) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifications.records))
	}
	if f.notifications.records[0].ArchivePath != "" {
		t.Errorf("ArchivePath = %q, want empty", f.notifications.records[0].ArchivePath)
	}
}

func TestProcess_GithubSubjectWithoutProject(t *testing.T) {
	f := newFixture()
	msg := mustParse(t, "notifications@github.com", "dev@example.com",
		"From: notifications@github.com\r\nSubject: Your weekly digest\r\n\r\nbody\r\n")

	if err := f.process(t, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	warned := false
	for _, rec := range f.records(t) {
		errMsg, _ := rec["error"].(string)
		if rec["level"] == "WARN" && strings.Contains(errMsg, classify.ErrProjectInfoNotFound.Error()) {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning for the missing project")
	}

	if len(f.sink.points[telemetry.DatasetGithubStats]) != 0 {
		t.Error("githubstats should be skipped")
	}
	if len(f.sink.points[telemetry.DatasetAllStats]) != 1 {
		t.Error("allstats should still be recorded")
	}
	if key := onlyKey(t, f.primary); !strings.HasPrefix(key, "github/notifications@github.com/2024/") {
		t.Errorf("key = %q, want github/{from} folder", key)
	}
	if len(f.forwarder.to) != 0 {
		t.Errorf("forwarded to %v, want none", f.forwarder.to)
	}
}

func TestProcess_NoSenderIsFatal(t *testing.T) {
	f := newFixture()
	msg := mustParse(t, "", "dev@example.com", "Subject: orphan\r\n\r\nbody\r\n")

	err := f.process(t, msg)
	if !errors.Is(err, headers.ErrNoSender) {
		t.Fatalf("err = %v, want ErrNoSender", err)
	}
	if len(f.relay.events) != 0 || len(f.primary.bodies) != 0 || len(f.notifications.records) != 0 {
		t.Error("nothing should be published or archived without a sender")
	}
}

func TestProcess_RelayFailureIsSwallowed(t *testing.T) {
	f := newFixture()
	f.relay.publishFunc = func(relay.SummaryEvent) error { return errors.New("queue " + retry.BackpressureMessage) }
	msg := mustParse(t, "alice@example.org", "dev@example.com", "Subject: hi\r\n\r\nbody\r\n")

	if err := f.process(t, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.relay.events) != retry.QueueSend.MaxAttempts {
		t.Errorf("relay attempts = %d, want %d", len(f.relay.events), retry.QueueSend.MaxAttempts)
	}
	if len(f.notifications.records) != 1 {
		t.Error("pipeline should continue after relay failure")
	}
}

func TestProcess_BodyLoadFailure(t *testing.T) {
	f := newFixture()
	header := mustParse(t, "alice@example.org", "dev@example.com", "Subject: hi\r\n\r\n").Header
	var calls int
	msg := NewMessage("alice@example.org", "dev@example.com", header, 0, func(context.Context) ([]byte, error) {
		calls++
		return nil, errors.New("NoSuchKey")
	})

	if err := f.process(t, msg); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if calls != retry.BodyFetch.MaxAttempts {
		t.Errorf("loader calls = %d, want %d", calls, retry.BodyFetch.MaxAttempts)
	}
	if len(f.primary.bodies) != 0 || len(f.secondary.bodies) != 0 {
		t.Error("nothing should be archived without a body")
	}
	if len(f.notifications.records) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifications.records))
	}
	if got := f.notifications.records[0].ArchivePath; got != "" {
		t.Errorf("ArchivePath = %q, want empty", got)
	}
	for _, dataset := range []string{telemetry.DatasetStats, telemetry.DatasetAllStats} {
		if len(f.sink.points[dataset]) != 1 {
			t.Errorf("%s points = %d, want 1", dataset, len(f.sink.points[dataset]))
		}
	}
}

func TestProcess_BodyLoadRecoversAfterRetry(t *testing.T) {
	f := newFixture()
	raw := "Subject: hi\r\n\r\nhello\r\n"
	header := mustParse(t, "alice@example.org", "dev@example.com", raw).Header
	var calls int
	msg := NewMessage("alice@example.org", "dev@example.com", header, 0, func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("InternalError: 503")
		}
		return []byte(raw), nil
	})

	if err := f.process(t, msg); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("loader calls = %d, want 2", calls)
	}
	key := onlyKey(t, f.primary)
	if len(f.notifications.records) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifications.records))
	}
	if got := f.notifications.records[0].ArchivePath; got != key {
		t.Errorf("ArchivePath = %q, want %q", got, key)
	}
	if got := f.sink.points[telemetry.DatasetStats][0].Values[1]; got != float64(len(raw)) {
		t.Errorf("stats size = %v, want %d", got, len(raw))
	}
}

func TestProcess_GovListManualReview(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantReview bool
		wantGov    int
	}{
		{"with account code", "X-Accountcode: USDOT_123\r\n", false, 1},
		{"without account code", "", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			msg := mustParse(t, "updates@public.govdelivery.com", "lists@example.com",
				"From: updates@public.govdelivery.com\r\n"+tt.header+"Subject: Bulletin\r\n\r\nbody\r\n")

			if err := f.process(t, msg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.notifications.records[0].ManualReview; got != tt.wantReview {
				t.Errorf("ManualReview = %v, want %v", got, tt.wantReview)
			}
			if got := len(f.sink.points[telemetry.DatasetGovStats]); got != tt.wantGov {
				t.Errorf("govstats points = %d, want %d", got, tt.wantGov)
			}
		})
	}
}
