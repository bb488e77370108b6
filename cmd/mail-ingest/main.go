// Package main implements the SES inbound mail Lambda handler.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/emersion/go-message/textproto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/mail-relay-service/internal/archive"
	"github.com/jarrod-lowe/mail-relay-service/internal/blob"
	"github.com/jarrod-lowe/mail-relay-service/internal/classify"
	"github.com/jarrod-lowe/mail-relay-service/internal/ingest"
	"github.com/jarrod-lowe/mail-relay-service/internal/notification"
	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
	"github.com/jarrod-lowe/mail-relay-service/internal/retry"
	"github.com/jarrod-lowe/mail-relay-service/internal/telemetry"
)

var logger = logging.New()

// Processor abstracts the ingest pipeline for dependency inversion.
type Processor interface {
	Process(ctx context.Context, msg *ingest.Message, bg *ingest.Background) error
}

// RawSource abstracts raw message retrieval for dependency inversion.
type RawSource interface {
	Loader(messageID string) ingest.Loader
}

// handler implements the SES receipt rule consumer logic.
type handler struct {
	processor Processor
	source    RawSource
}

// newHandler creates a new handler.
func newHandler(processor Processor, source RawSource) *handler {
	return &handler{processor: processor, source: source}
}

// handle runs every recipient of every received message through the
// pipeline, then waits for background archival before returning.
func (h *handler) handle(ctx context.Context, event events.SimpleEmailEvent) error {
	tracer := otel.Tracer("mail-relay-ingest")
	ctx, span := tracer.Start(ctx, "MailIngestHandler")
	defer span.End()

	var bg ingest.Background
	var errs []error
	total := 0

	for _, record := range event.Records {
		mail := record.SES.Mail
		header := headerFromSES(mail.Headers)

		recipients := record.SES.Receipt.Recipients
		if len(recipients) == 0 {
			recipients = mail.Destination
		}

		load := h.source.Loader(mail.MessageID)

		for _, to := range recipients {
			total++
			msg := ingest.NewMessage(mail.Source, to, header.Copy(), 0, load)
			msg.ReceivedAt = mail.Timestamp
			// Later recipients read through the first, so the object is fetched once.
			load = msg.Raw

			if err := h.processor.Process(ctx, msg, &bg); err != nil {
				logger.ErrorContext(ctx, "Failed to process message",
					slog.String("message_id", mail.MessageID),
					slog.String("to", to),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
			}
		}
	}

	bg.Wait()

	logger.InfoContext(ctx, "Mail ingest batch completed",
		slog.Int("total", total),
		slog.Int("failures", len(errs)),
	)

	return errors.Join(errs...)
}

// headerFromSES rebuilds the message header from the SES notification.
// Add prepends, so fields are added bottom-up to keep the original order.
func headerFromSES(fields []events.SimpleEmailHeader) textproto.Header {
	var h textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		h.Add(fields[i].Name, fields[i].Value)
	}
	return h
}

// splitList parses a comma separated environment value.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		logger = logger.With(slog.String("environment", env))
	}

	s3Client := s3.NewFromConfig(result.Config)
	sqsClient := sqs.NewFromConfig(result.Config)
	runner := retry.NewRunner(logger)

	classifierCfg := classify.DefaultConfig()
	classifierCfg.DigestRecipients = splitList(os.Getenv("DIGEST_ADDRESSES"))
	classifierCfg.GovListsAddress = os.Getenv("GOV_LISTS_ADDRESS")
	classifierCfg.OperatorAddress = os.Getenv("OPERATOR_ADDRESS")

	primary := archive.NewS3Store(s3Client, os.Getenv("ARCHIVE_BUCKET"))

	// The secondary archive is an S3-compatible endpoint with its own keys.
	var secondary archive.Store
	if endpoint := os.Getenv("B2_ENDPOINT"); endpoint != "" {
		creds := credentials.NewStaticCredentialsProvider(
			os.Getenv("B2_AWS_ACCESS_KEY_ID"),
			os.Getenv("B2_AWS_SECRET_ACCESS_KEY"),
			"",
		)
		baseTransport := otelhttp.NewTransport(http.DefaultTransport)
		transport := blob.NewSigV4Transport(baseTransport, creds, os.Getenv("B2_AWS_DEFAULT_REGION"), blob.ServiceS3)
		blobClient := blob.NewHTTPBlobClient(endpoint, os.Getenv("B2_BUCKET"), &http.Client{Transport: transport})
		secondary = archive.NewBlobStore(blobClient)
	}

	var sink telemetry.Sink
	if table := os.Getenv("TELEMETRY_TABLE_NAME"); table != "" {
		sink = telemetry.NewDynamoSink(dbclient.NewClient(result.Config), table, telemetry.DefaultRetentionDays)
	}

	var forwarder ingest.Forwarder
	if from := os.Getenv("FORWARD_FROM_ADDRESS"); from != "" && classifierCfg.OperatorAddress != "" {
		forwarder = ingest.NewSESForwarder(sesv2.NewFromConfig(result.Config), from)
	}

	pipeline := ingest.New(ingest.Options{
		Classifier:    classify.New(classifierCfg),
		Relay:         relay.NewSQSPublisher(sqsClient, os.Getenv("RELAY_QUEUE_URL")),
		Notifications: notification.NewSQSPublisher(sqsClient, os.Getenv("NOTIFICATION_QUEUE_URL")),
		Forwarder:     forwarder,
		Archiver:      archive.NewArchiver(primary, secondary, runner, logger),
		Telemetry:     telemetry.NewEmitter(sink, logger),
		Runner:        runner,
		Logger:        logger,
	})

	source := ingest.NewS3RawSource(s3Client, os.Getenv("INBOUND_BUCKET"), os.Getenv("INBOUND_PREFIX"))

	h := newHandler(pipeline, source)
	result.Start(h.handle)
}
