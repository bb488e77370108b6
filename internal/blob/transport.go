package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// ServiceS3 is the signing name used by S3-compatible object stores.
const ServiceS3 = "s3"

// HeaderContentSHA256 carries the payload hash S3-compatible stores verify.
const HeaderContentSHA256 = "X-Amz-Content-Sha256"

// SigV4Transport is an http.RoundTripper that signs requests with AWS SigV4.
type SigV4Transport struct {
	wrapped     http.RoundTripper
	credentials aws.CredentialsProvider
	region      string
	service     string
	signer      *v4.Signer
	now         func() time.Time
}

// NewSigV4Transport creates a new SigV4Transport for service.
func NewSigV4Transport(wrapped http.RoundTripper, credentials aws.CredentialsProvider, region, service string) *SigV4Transport {
	return &SigV4Transport{
		wrapped:     wrapped,
		credentials: credentials,
		region:      region,
		service:     service,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *SigV4Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	creds, err := t.credentials.Retrieve(ctx)
	if err != nil {
		return nil, err
	}

	// Clone the request to avoid modifying the original
	signedReq := req.Clone(ctx)

	var payload []byte
	if signedReq.Body != nil && signedReq.Body != http.NoBody {
		payload, err = io.ReadAll(signedReq.Body)
		if err != nil {
			return nil, err
		}
		signedReq.Body.Close()
		signedReq.Body = io.NopCloser(bytes.NewReader(payload))
		signedReq.ContentLength = int64(len(payload))
	}
	h := sha256.Sum256(payload)
	payloadHashHex := hex.EncodeToString(h[:])

	// S3 refuses signed requests that omit the payload hash header
	if t.service == ServiceS3 {
		signedReq.Header.Set(HeaderContentSHA256, payloadHashHex)
	}

	err = t.signer.SignHTTP(ctx, creds, signedReq, payloadHashHex, t.service, t.region, t.now())
	if err != nil {
		return nil, err
	}

	return t.wrapped.RoundTrip(signedReq)
}
