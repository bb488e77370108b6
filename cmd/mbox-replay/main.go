// Package main implements mbox-replay, which pushes messages saved in an
// mbox file back through the inbound mail pipeline.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/cobra"

	"github.com/jarrod-lowe/mail-relay-service/internal/archive"
	"github.com/jarrod-lowe/mail-relay-service/internal/blob"
	"github.com/jarrod-lowe/mail-relay-service/internal/classify"
	"github.com/jarrod-lowe/mail-relay-service/internal/ingest"
	"github.com/jarrod-lowe/mail-relay-service/internal/notification"
	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
	"github.com/jarrod-lowe/mail-relay-service/internal/retry"
	"github.com/jarrod-lowe/mail-relay-service/internal/telemetry"
)

type options struct {
	to       string
	dryRun   bool
	logLevel string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "mbox-replay [mbox file]",
		Short: "Replay messages from an mbox file through the inbound mail pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			logger := newLogger(opts.logLevel)
			classifierCfg := classifierConfig(os.Getenv)

			var processor Processor
			if opts.dryRun {
				processor = &dryRun{classifier: classify.New(classifierCfg), out: out}
			} else {
				p, err := newPipeline(ctx, classifierCfg, logger)
				if err != nil {
					return err
				}
				processor = p
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			logger.Info("starting replay", "mbox", args[0], "to", opts.to, "dryRun", opts.dryRun)
			stats, err := replay(ctx, f, opts.to, processor, logger)
			logger.Info("replay finished", "total", stats.Total, "failed", stats.Failed, "skipped", stats.Skipped)
			if err != nil {
				return err
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%d of %d messages failed", stats.Failed, stats.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.to, "to", "", "envelope recipient for every message (default: Delivered-To header)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print routing and archive keys without contacting AWS")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	return cmd
}

func newLogger(level string) *slog.Logger {
	lv := new(slog.LevelVar)
	switch level {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// classifierConfig reads the same routing tables as the ingest Lambda.
func classifierConfig(getenv func(string) string) classify.Config {
	cfg := classify.DefaultConfig()
	for _, s := range strings.Split(getenv("DIGEST_ADDRESSES"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.DigestRecipients = append(cfg.DigestRecipients, s)
		}
	}
	cfg.GovListsAddress = getenv("GOV_LISTS_ADDRESS")
	cfg.OperatorAddress = getenv("OPERATOR_ADDRESS")
	return cfg
}

// newPipeline wires the live pipeline from the ingest Lambda's environment.
// Forwarding is left off so a replay never re-sends verification mail.
func newPipeline(ctx context.Context, classifierCfg classify.Config, logger *slog.Logger) (*ingest.Pipeline, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(cfg)
	runner := retry.NewRunner(logger)

	var secondary archive.Store
	if endpoint := os.Getenv("B2_ENDPOINT"); endpoint != "" {
		creds := credentials.NewStaticCredentialsProvider(
			os.Getenv("B2_AWS_ACCESS_KEY_ID"),
			os.Getenv("B2_AWS_SECRET_ACCESS_KEY"),
			"",
		)
		transport := blob.NewSigV4Transport(http.DefaultTransport, creds, os.Getenv("B2_AWS_DEFAULT_REGION"), blob.ServiceS3)
		secondary = archive.NewBlobStore(blob.NewHTTPBlobClient(endpoint, os.Getenv("B2_BUCKET"), &http.Client{Transport: transport}))
	}

	var sink telemetry.Sink
	if table := os.Getenv("TELEMETRY_TABLE_NAME"); table != "" {
		sink = telemetry.NewDynamoSink(dynamodb.NewFromConfig(cfg), table, telemetry.DefaultRetentionDays)
	}

	return ingest.New(ingest.Options{
		Classifier:    classify.New(classifierCfg),
		Relay:         relay.NewSQSPublisher(sqsClient, os.Getenv("RELAY_QUEUE_URL")),
		Notifications: notification.NewSQSPublisher(sqsClient, os.Getenv("NOTIFICATION_QUEUE_URL")),
		Archiver:      archive.NewArchiver(archive.NewS3Store(s3.NewFromConfig(cfg), os.Getenv("ARCHIVE_BUCKET")), secondary, runner, logger),
		Telemetry:     telemetry.NewEmitter(sink, logger),
		Runner:        runner,
		Logger:        logger,
	}), nil
}
