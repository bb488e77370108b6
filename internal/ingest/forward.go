package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-message/textproto"
)

// Forwarder re-sends a received message to another mailbox.
type Forwarder interface {
	Forward(ctx context.Context, msg *Message, to string) error
}

// SESSender abstracts the SES v2 client for dependency inversion.
type SESSender interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESForwarder forwards messages through SES. SES only sends from verified
// identities, so the From header is replaced and the original sender moves
// to Reply-To.
type SESForwarder struct {
	client SESSender
	from   string
}

// NewSESForwarder creates a new SESForwarder sending as from.
func NewSESForwarder(client SESSender, from string) *SESForwarder {
	return &SESForwarder{client: client, from: from}
}

// Forward implements Forwarder.
func (f *SESForwarder) Forward(ctx context.Context, msg *Message, to string) error {
	raw, err := msg.Raw(ctx)
	if err != nil {
		return err
	}

	rewritten, err := RewriteForForward(raw, f.from)
	if err != nil {
		return err
	}

	_, err = f.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(f.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: rewritten},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to forward to %s: %w", to, err)
	}
	return nil
}

// headers that would fail verification once the message is re-sent.
var strippedOnForward = []string{"Return-Path", "Sender", "DKIM-Signature", "Message-Id"}

// RewriteForForward sets From to from, keeps the original sender in
// Reply-To and X-Original-From, and drops headers tied to the first hop.
func RewriteForForward(raw []byte, from string) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}

	original := h.Get("From")
	for _, k := range strippedOnForward {
		h.Del(k)
	}
	h.Set("From", from)
	if original != "" {
		h.Set("X-Original-From", original)
		if !h.Has("Reply-To") {
			h.Set("Reply-To", original)
		}
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}
