package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/jarrod-lowe/mail-relay-service/internal/archivekey"
	"github.com/jarrod-lowe/mail-relay-service/internal/classify"
	"github.com/jarrod-lowe/mail-relay-service/internal/headers"
	"github.com/jarrod-lowe/mail-relay-service/internal/ingest"
)

// Processor abstracts the ingest pipeline for dependency inversion.
type Processor interface {
	Process(ctx context.Context, msg *ingest.Message, bg *ingest.Background) error
}

// replayStats counts the outcome of one replay run.
type replayStats struct {
	Total   int
	Failed  int
	Skipped int
}

// replay feeds every message in the mbox stream through processor. A
// message that cannot be parsed or processed is logged and counted; the
// run continues with the next one.
func replay(ctx context.Context, r io.Reader, to string, processor Processor, logger *slog.Logger) (replayStats, error) {
	var stats replayStats
	reader := mboxlib.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		mr, err := reader.NextMessage()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read mbox: %w", err)
		}

		stats.Total++
		raw, err := io.ReadAll(mr)
		if err != nil {
			return stats, fmt.Errorf("read message %d: %w", stats.Total, err)
		}

		msg, err := envelope(raw, to)
		if err != nil {
			logger.Warn("skipping message", "index", stats.Total, "error", err)
			stats.Skipped++
			continue
		}

		// Wait per message so a large mbox never has more than one
		// archival in flight.
		var bg ingest.Background
		err = processor.Process(ctx, msg, &bg)
		bg.Wait()
		if err != nil {
			logger.Error("failed to replay message", "index", stats.Total, "to", msg.EnvelopeTo, "error", err)
			stats.Failed++
		}
	}
}

// envelope rebuilds the SMTP envelope that is lost when mail is saved to an
// mbox. The sender comes from Return-Path, then From. The recipient is the
// override when set, otherwise Delivered-To.
func envelope(raw []byte, to string) (*ingest.Message, error) {
	msg, err := ingest.ParseMessage("", "", raw)
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	from := strings.Trim(strings.TrimSpace(msg.Header.Get("Return-Path")), "<>")
	if from == "" {
		parsed, err := headers.ParseFrom(msg.Header.Get("From"), "")
		if err != nil {
			return nil, err
		}
		from = parsed.Address
	}

	if to == "" {
		to = strings.TrimSpace(msg.Header.Get("Delivered-To"))
	}
	if to == "" {
		return nil, fmt.Errorf("no recipient: set --to or add Delivered-To")
	}

	msg.EnvelopeFrom = from
	msg.EnvelopeTo = to
	if date, err := mail.ParseDate(msg.Header.Get("Date")); err == nil {
		msg.ReceivedAt = date
	}
	return msg, nil
}

// dryRun prints where each message would be routed without touching any
// remote service.
type dryRun struct {
	classifier *classify.Classifier
	out        io.Writer
}

// Process implements Processor.
func (d *dryRun) Process(ctx context.Context, msg *ingest.Message, _ *ingest.Background) error {
	from, err := headers.ParseFrom(msg.Header.Get("From"), msg.EnvelopeFrom)
	if err != nil {
		return err
	}

	subject := headers.ParseText(msg.Header.Get("Subject"))
	cl := d.classifier.Classify(classify.Input{
		EnvelopeFrom: msg.EnvelopeFrom,
		HeaderFrom:   from.Address,
		EnvelopeTo:   msg.EnvelopeTo,
	}, subject, &msg.Header)

	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	received = received.UTC()
	key := archivekey.DeriveArchiveKey(cl.Folder, received, archivekey.DeriveFilename(subject), received.UnixMilli())

	_, err = fmt.Fprintf(d.out, "%s\t%s\t%s\n", cl.Category, cl.Label, key)
	return err
}
