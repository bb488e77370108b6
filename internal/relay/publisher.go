package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Publisher publishes summary events to the relay queue.
type Publisher interface {
	Publish(ctx context.Context, event SummaryEvent) error
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes summary events to an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// Publish sends a summary event to SQS.
func (p *SQSPublisher) Publish(ctx context.Context, event SummaryEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	bodyStr := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &bodyStr,
	})
	return err
}

// DecodeBatch parses the summary events in an SQS batch, keeping delivery
// order. Records that fail to parse are returned as batch item failures.
func DecodeBatch(event events.SQSEvent) ([]SummaryEvent, []events.SQSBatchItemFailure, []error) {
	decoded := make([]SummaryEvent, 0, len(event.Records))
	var failures []events.SQSBatchItemFailure
	var errs []error

	for _, record := range event.Records {
		var msg SummaryEvent
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			errs = append(errs, fmt.Errorf("message %s: %w", record.MessageId, err))
			continue
		}
		decoded = append(decoded, msg)
	}

	return decoded, failures, errs
}
