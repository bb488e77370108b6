package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/mail-relay-service/internal/archive"
	"github.com/jarrod-lowe/mail-relay-service/internal/archivekey"
	"github.com/jarrod-lowe/mail-relay-service/internal/classify"
	"github.com/jarrod-lowe/mail-relay-service/internal/headers"
	"github.com/jarrod-lowe/mail-relay-service/internal/notification"
	"github.com/jarrod-lowe/mail-relay-service/internal/reduce"
	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
	"github.com/jarrod-lowe/mail-relay-service/internal/retry"
)

// Archiver stores a message in every configured destination.
type Archiver interface {
	Archive(ctx context.Context, req archive.Request) archive.Result
}

// Recorder receives per-message metrics.
type Recorder interface {
	RecordMessage(ctx context.Context, category, to string, size int64)
	RecordAll(ctx context.Context, label, to string, size int64)
	RecordProject(ctx context.Context, org, project string)
	RecordBytesSaved(ctx context.Context, to string, saved int64)
	RecordGovAccount(ctx context.Context, to, code string)
}

// Options wires a Pipeline. Forwarder may be nil to disable forwarding.
type Options struct {
	Classifier    *classify.Classifier
	Relay         relay.Publisher
	Notifications notification.Publisher
	Forwarder     Forwarder
	Archiver      Archiver
	Telemetry     Recorder
	Runner        *retry.Runner
	Logger        *slog.Logger
}

// Pipeline processes inbound messages one at a time.
type Pipeline struct {
	classifier    *classify.Classifier
	relay         relay.Publisher
	notifications notification.Publisher
	forwarder     Forwarder
	archiver      Archiver
	telemetry     Recorder
	runner        *retry.Runner
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{
		classifier:    opts.Classifier,
		relay:         opts.Relay,
		notifications: opts.Notifications,
		forwarder:     opts.Forwarder,
		archiver:      opts.Archiver,
		telemetry:     opts.Telemetry,
		runner:        opts.Runner,
		logger:        opts.Logger,
		now:           time.Now,
	}
}

// Process runs msg through the pipeline. Archival and the downstream
// notification are started on bg; the caller must Wait on bg before it
// returns control to the runtime. Only a missing sender is returned as an
// error. A body that cannot be fetched skips archival, but the notification
// and telemetry are still produced.
func (p *Pipeline) Process(ctx context.Context, msg *Message, bg *Background) error {
	tracer := tracing.Tracer("mail-relay-ingest")
	ctx, span := tracer.Start(ctx, "ingest.Process",
		trace.WithAttributes(
			attribute.String("mail.envelope_from", msg.EnvelopeFrom),
			attribute.String("mail.envelope_to", msg.EnvelopeTo),
		))
	defer span.End()

	from, err := headers.ParseFrom(msg.Header.Get("From"), msg.EnvelopeFrom)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to resolve sender",
			slog.String("envelope_from", msg.EnvelopeFrom),
			slog.String("to", msg.EnvelopeTo),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	subject := headers.ParseText(msg.Header.Get("Subject"))
	cl := p.classifier.Classify(classify.Input{
		EnvelopeFrom: msg.EnvelopeFrom,
		HeaderFrom:   from.Address,
		EnvelopeTo:   msg.EnvelopeTo,
	}, subject, &msg.Header)

	span.SetAttributes(
		attribute.String("mail.category", string(cl.Category)),
		attribute.String("mail.label", cl.Label),
	)

	received := msg.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}
	received = received.UTC()
	ts := received.UnixMilli()

	p.publishSummary(ctx, relay.SummaryEvent{
		Timestamp: ts,
		From:      from.Address,
		To:        msg.EnvelopeTo,
		Subject:   subject,
	})

	if cl.ProjectErr != nil {
		p.logger.WarnContext(ctx, "Failed to parse project from subject",
			slog.String("subject", subject),
			slog.String("from", from.Address),
			slog.String("error", cl.ProjectErr.Error()),
		)
	} else if cl.Org != "" {
		p.telemetry.RecordProject(ctx, cl.Org, cl.Project)
	}

	if cl.GovDelivery {
		if cl.GovAccountCode != "" {
			p.telemetry.RecordGovAccount(ctx, msg.EnvelopeTo, cl.GovAccountCode)
		} else {
			p.logger.InfoContext(ctx, "Mailing list message has no account code",
				slog.String("from", from.Address),
				slog.String("subject", subject),
			)
		}
	}

	if cl.Forward && p.forwarder != nil {
		p.forward(ctx, msg, from.Address, subject)
	}

	key := archivekey.DeriveArchiveKey(cl.Folder, received, archivekey.DeriveFilename(subject), ts)
	span.SetAttributes(attribute.String("archive.key", key))

	record := notification.Record{
		From:         from.Address,
		RawFrom:      from.Raw,
		Subject:      subject,
		To:           msg.EnvelopeTo,
		Timestamp:    ts,
		ManualReview: cl.ManualReview,
	}

	raw, err := p.loadBody(ctx, msg, from.Address, subject)
	if err != nil {
		// Nothing to archive; the notification still goes out without a path.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		bg.Go(ctx, func(ctx context.Context) {
			p.publishNotification(ctx, record)
		})
	} else {
		req := archive.Request{
			Key:  key,
			Body: p.reduce(ctx, cl.Category, raw, msg.EnvelopeTo, subject),
			Metadata: archive.Metadata{
				To:      msg.EnvelopeTo,
				From:    from.Address,
				RawFrom: from.Raw,
				Subject: subject,
			},
		}
		bg.Go(ctx, func(ctx context.Context) {
			result := p.archiver.Archive(ctx, req)
			if result.Archived() {
				record.ArchivePath = key
			}
			p.publishNotification(ctx, record)
		})
	}

	size := msg.ByteSize()
	p.telemetry.RecordMessage(ctx, string(cl.Category), msg.EnvelopeTo, size)
	p.telemetry.RecordAll(ctx, cl.Label, msg.EnvelopeTo, size)

	p.logger.InfoContext(ctx, "Message processed",
		slog.String("from", cl.DisplayFrom),
		slog.String("to", msg.EnvelopeTo),
		slog.String("category", string(cl.Category)),
		slog.String("key", key),
		slog.Int64("size", size),
	)

	return nil
}

// loadBody fetches the raw message under the BodyFetch policy. The final
// failure is logged by the retry runner.
func (p *Pipeline) loadBody(ctx context.Context, msg *Message, from, subject string) ([]byte, error) {
	raw, _, err := retry.Do(ctx, p.runner, "body.fetch", retry.BodyFetch, func(ctx context.Context, n int) ([]byte, error) {
		raw, err := msg.Raw(ctx)
		if errors.Is(err, ErrNoBody) {
			return nil, retry.Permanent(err)
		}
		return raw, err
	}, slog.String("from", from), slog.String("to", msg.EnvelopeTo), slog.String("subject", subject))
	return raw, err
}

// publishSummary sends the relay event. Failure is logged by the retry
// runner and otherwise ignored.
func (p *Pipeline) publishSummary(ctx context.Context, event relay.SummaryEvent) {
	_, _, _ = retry.Do(ctx, p.runner, "relay.publish", retry.QueueSend, func(ctx context.Context, n int) (struct{}, error) {
		return struct{}{}, p.relay.Publish(ctx, event)
	}, slog.String("from", event.From), slog.String("to", event.To), slog.String("subject", event.Subject))
}

func (p *Pipeline) publishNotification(ctx context.Context, record notification.Record) {
	_, _, _ = retry.Do(ctx, p.runner, "notification.publish", retry.NotificationSend, func(ctx context.Context, n int) (struct{}, error) {
		return struct{}{}, p.notifications.Publish(ctx, record)
	}, slog.String("key", record.ArchivePath), slog.String("from", record.From), slog.String("to", record.To))
}

func (p *Pipeline) forward(ctx context.Context, msg *Message, from, subject string) {
	to := p.classifier.Config().OperatorAddress
	if err := p.forwarder.Forward(ctx, msg, to); err != nil {
		p.logger.ErrorContext(ctx, "Failed to forward message",
			slog.String("from", from),
			slog.String("forward_to", to),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return
	}
	p.logger.InfoContext(ctx, "Forwarded message",
		slog.String("from", from),
		slog.String("forward_to", to),
	)
}

// reduce trims the body when the category allows it. On failure the
// original is returned.
func (p *Pipeline) reduce(ctx context.Context, category classify.Category, raw []byte, to, subject string) []byte {
	reduced, err := reduce.Reduce(category, raw)
	if err != nil {
		level := slog.LevelWarn
		if !errors.Is(err, reduce.ErrStartBoundaryNotFound) && !errors.Is(err, reduce.ErrEndBoundaryNotFound) {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "Failed to reduce message body",
			slog.String("category", string(category)),
			slog.String("to", to),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return raw
	}
	if saved := len(raw) - len(reduced); saved > 0 {
		p.telemetry.RecordBytesSaved(ctx, to, int64(saved))
	}
	return reduced
}
