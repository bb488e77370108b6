// Package main implements the chat relay SQS consumer Lambda handler.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"github.com/jarrod-lowe/mail-relay-service/internal/batch"
	"github.com/jarrod-lowe/mail-relay-service/internal/chat"
	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
	"github.com/jarrod-lowe/mail-relay-service/internal/retry"
)

var logger = logging.New()

// Notifier abstracts chat delivery for dependency inversion.
type Notifier interface {
	Notify(ctx context.Context, events []relay.SummaryEvent) error
}

// handler implements the chat relay SQS consumer logic.
type handler struct {
	notifier Notifier
}

// newHandler creates a new handler.
func newHandler(notifier Notifier) *handler {
	return &handler{notifier: notifier}
}

// handle relays one SQS batch of summary events to chat. Undecodable
// records are returned for redelivery. Post failures are logged and the
// batch is still acknowledged.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := otel.Tracer("mail-relay-chat")
	ctx, span := tracer.Start(ctx, "ChatRelayHandler")
	defer span.End()

	decoded, failures, errs := relay.DecodeBatch(event)
	for _, err := range errs {
		logger.ErrorContext(ctx, "Failed to parse SQS message",
			slog.String("error", err.Error()),
		)
	}

	if err := h.notifier.Notify(ctx, decoded); err != nil {
		logger.ErrorContext(ctx, "Failed to relay events to chat",
			slog.Int("events", len(decoded)),
			slog.String("error", err.Error()),
		)
	}

	logger.InfoContext(ctx, "Chat relay batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("failures", len(failures)),
	)

	return events.SQSEventResponse{
		BatchItemFailures: failures,
	}, nil
}

// loadConfig reads the chat sizing and pacing overrides from the environment.
func loadConfig(getenv func(string) string) batch.Config {
	cfg := batch.DefaultConfig()

	if v, err := strconv.Atoi(getenv("CHAT_BUDGET")); err == nil && v > 0 {
		cfg.Budget = v
	}
	if v, err := strconv.Atoi(getenv("CHAT_INTERVAL_MS")); err == nil && v >= 0 {
		cfg.Throttle.Interval = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.Atoi(getenv("CHAT_LIMIT")); err == nil && v > 0 {
		cfg.Throttle.Limit = v
	}

	return cfg
}

func main() {
	ctx := context.Background()

	// The relay makes no AWS SDK calls, so awsinit's config load is skipped.
	tp, err := tracing.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		logger = logger.With(slog.String("environment", env))
	}

	webhookURL := os.Getenv("DISCORD_WEBHOOK_URL")
	if webhookURL == "" {
		logger.Warn("DISCORD_WEBHOOK_URL is not set, chat posts will fail")
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	webhook := chat.NewWebhookClient(webhookURL, httpClient, retry.NewRunner(logger))

	h := newHandler(batch.NewNotifier(webhook, loadConfig(os.Getenv), logger))
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
