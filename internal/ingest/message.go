// Package ingest runs one inbound message through classification, relay,
// archival and telemetry.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
)

// ErrNoBody is returned when a message has no way to load its raw content.
var ErrNoBody = errors.New("message body unavailable")

// Loader fetches the raw RFC 5322 bytes of a message.
type Loader func(ctx context.Context) ([]byte, error)

// Message is one inbound email. The raw body is loaded on first use and
// kept for the rest of the run. A failed load is not kept, so the next call
// tries again.
type Message struct {
	EnvelopeFrom string
	EnvelopeTo   string
	Header       textproto.Header
	Size         int64
	ReceivedAt   time.Time

	load   Loader
	mu     sync.Mutex
	loaded bool
	raw    []byte
}

// NewMessage creates a Message whose body is fetched by load.
func NewMessage(envelopeFrom, envelopeTo string, header textproto.Header, size int64, load Loader) *Message {
	return &Message{
		EnvelopeFrom: envelopeFrom,
		EnvelopeTo:   envelopeTo,
		Header:       header,
		Size:         size,
		load:         load,
	}
}

// ParseMessage creates a Message from raw bytes already in memory.
func ParseMessage(envelopeFrom, envelopeTo string, raw []byte) (*Message, error) {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}
	return NewMessage(envelopeFrom, envelopeTo, header, int64(len(raw)), func(context.Context) ([]byte, error) {
		return raw, nil
	}), nil
}

// Raw returns the full message. Once a load succeeds the loader is not
// called again.
func (m *Message) Raw(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return m.raw, nil
	}
	if m.load == nil {
		return nil, ErrNoBody
	}
	raw, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	m.raw, m.loaded = raw, true
	return raw, nil
}

// ByteSize returns the declared size, or the loaded length when none was
// declared.
func (m *Message) ByteSize() int64 {
	if m.Size > 0 {
		return m.Size
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.raw))
}
