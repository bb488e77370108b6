// Package headers decodes the message header fields the relay reads.
package headers

import (
	"errors"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/jarrod-lowe/mail-relay-service/internal/charset"
)

// ErrNoSender is returned when neither the From header nor the envelope
// yields a sender address.
var ErrNoSender = errors.New("no sender address")

var (
	foldRE  = regexp.MustCompile(`\r?\n[ \t]`)
	spaceRE = regexp.MustCompile(`  +`)
)

// wordDecoder decodes RFC 2047 words in any charset the charset package knows.
var wordDecoder = &mime.WordDecoder{CharsetReader: charset.NewReader}

// EmailAddress represents an email address with optional display name.
type EmailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// From is the resolved sender of a message.
type From struct {
	// Address is the bare mailbox, never empty.
	Address string
	// Raw is the undecoded From header, or the envelope sender when the
	// header was unusable.
	Raw string
}

// ParseRaw returns the header value as-is, replacing invalid UTF-8 with U+FFFD.
func ParseRaw(value string) string {
	if utf8.ValidString(value) {
		return value
	}
	return strings.ToValidUTF8(value, "�")
}

// ParseText decodes RFC 2047 encoded words, unfolds whitespace, and normalizes to NFC.
func ParseText(value string) string {
	if value == "" {
		return ""
	}

	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		decoded = value
	}

	decoded = foldRE.ReplaceAllString(decoded, " ")
	decoded = strings.ReplaceAll(decoded, "\t", " ")
	decoded = spaceRE.ReplaceAllString(decoded, " ")
	decoded = strings.TrimSpace(decoded)

	return norm.NFC.String(ParseRaw(decoded))
}

// ParseAddresses parses an address header into a list of EmailAddress.
func ParseAddresses(value string) ([]EmailAddress, error) {
	if value == "" {
		return nil, nil
	}

	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addrs, err := parser.ParseList(value)
	if err != nil {
		return nil, err
	}

	result := make([]EmailAddress, len(addrs))
	for i, addr := range addrs {
		result[i] = EmailAddress{
			Name:  addr.Name,
			Email: addr.Address,
		}
	}
	return result, nil
}

// ParseFrom resolves the sender from a From header value. It falls back to
// envelopeFrom when the header is missing, unparseable or empty.
func ParseFrom(headerValue, envelopeFrom string) (From, error) {
	if headerValue != "" {
		addrs, err := ParseAddresses(headerValue)
		if err == nil && len(addrs) > 0 && addrs[0].Email != "" {
			return From{Address: addrs[0].Email, Raw: headerValue}, nil
		}
	}

	raw := strings.TrimSpace(envelopeFrom)
	if raw == "" {
		return From{}, ErrNoSender
	}
	address := raw
	if addr, err := mail.ParseAddress(raw); err == nil {
		address = addr.Address
	}
	return From{Address: address, Raw: raw}, nil
}
