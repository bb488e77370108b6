package archive

import (
	"context"
	"log/slog"

	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/mail-relay-service/internal/retry"
)

const tracerName = "mail-relay-archive"

// StatusDisabled marks a destination that is not configured.
const StatusDisabled = "disabled"

// Request is one message to archive.
type Request struct {
	Key      string
	Body     []byte
	Metadata Metadata
}

// Outcome reports the result of writing to one destination.
type Outcome struct {
	Destination string
	Success     bool
	StatusInfo  string
	Attempts    int
}

// Result holds the outcome for both destinations.
type Result struct {
	Primary   Outcome
	Secondary Outcome
}

// Archived reports whether at least one copy was stored.
func (r Result) Archived() bool {
	return r.Primary.Success || r.Secondary.Success
}

// Archiver writes each request to both stores at once.
type Archiver struct {
	primary         Store
	secondary       Store
	runner          *retry.Runner
	logger          *slog.Logger
	primaryPolicy   retry.Policy
	secondaryPolicy retry.Policy
}

// NewArchiver creates a new Archiver. A nil secondary store is skipped.
func NewArchiver(primary, secondary Store, runner *retry.Runner, logger *slog.Logger) *Archiver {
	return &Archiver{
		primary:         primary,
		secondary:       secondary,
		runner:          runner,
		logger:          logger,
		primaryPolicy:   retry.PrimaryArchive,
		secondaryPolicy: retry.SecondaryArchive,
	}
}

// Archive stores req in both destinations. The writes run concurrently and
// a failure in one never stops the other. Each final failure is logged once
// by the retry runner.
func (a *Archiver) Archive(ctx context.Context, req Request) Result {
	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "archive.Archive",
		trace.WithAttributes(
			attribute.String("archive.key", req.Key),
			attribute.Int("archive.size", len(req.Body)),
		))
	defer span.End()

	var result Result
	var g errgroup.Group

	g.Go(func() error {
		result.Primary = a.write(ctx, "archive.primary", a.primary, a.primaryPolicy, req)
		return nil
	})
	g.Go(func() error {
		result.Secondary = a.write(ctx, "archive.secondary", a.secondary, a.secondaryPolicy, req)
		return nil
	})
	_ = g.Wait()

	span.SetAttributes(
		attribute.Bool("archive.primary.success", result.Primary.Success),
		attribute.Bool("archive.secondary.success", result.Secondary.Success),
	)
	if !result.Archived() {
		span.SetStatus(codes.Error, "no destination stored the message")
	}

	return result
}

func (a *Archiver) write(ctx context.Context, op string, store Store, policy retry.Policy, req Request) Outcome {
	if store == nil {
		return Outcome{StatusInfo: StatusDisabled}
	}

	tracer := tracing.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, op,
		trace.WithAttributes(attribute.String("archive.destination", store.Destination())))
	defer span.End()

	attrs := []slog.Attr{
		slog.String("destination", store.Destination()),
		slog.String("key", req.Key),
		slog.String("subject", req.Metadata.Subject),
		slog.String("to", req.Metadata.To),
		slog.String("from", req.Metadata.From),
	}

	_, attempts, err := retry.Do(ctx, a.runner, op, policy, func(ctx context.Context, n int) (struct{}, error) {
		return struct{}{}, store.Put(ctx, req.Key, req.Body, req.Metadata)
	}, attrs...)

	out := Outcome{Destination: store.Destination(), Attempts: attempts}
	span.SetAttributes(attribute.Int("archive.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.StatusInfo = err.Error()
		return out
	}

	out.Success = true
	out.StatusInfo = "stored"
	a.logger.LogAttrs(ctx, slog.LevelDebug, "Archived message",
		append(attrs, slog.Int("attempts", attempts))...)
	return out
}
