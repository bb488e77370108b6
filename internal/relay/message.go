// Package relay carries lightweight summary events from the ingest path to
// the chat relay via SQS.
package relay

// SummaryEvent is the SQS message body placed on the relay queue for each
// inbound message.
type SummaryEvent struct {
	// Timestamp is the ingest time in Unix milliseconds.
	Timestamp int64  `json:"ts"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
}
