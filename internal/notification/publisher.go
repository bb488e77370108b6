// Package notification publishes per-message archive notifications to the
// downstream embed queue.
package notification

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Record is the SQS message body for a processed message.
type Record struct {
	From    string `json:"from"`
	RawFrom string `json:"rawFrom"`
	Subject string `json:"subject"`
	To      string `json:"to"`
	// ArchivePath is empty when neither archive destination accepted the body.
	ArchivePath  string `json:"r2path"`
	Timestamp    int64  `json:"ts"`
	ManualReview bool   `json:"manualReview"`
}

// Publisher publishes notification records.
type Publisher interface {
	Publish(ctx context.Context, record Record) error
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes notification records to an SQS queue.
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

// Publish sends a notification record to SQS.
func (p *SQSPublisher) Publish(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
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
