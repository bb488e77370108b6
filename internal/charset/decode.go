// Package charset decodes legacy character sets found in message headers.
package charset

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// NewReader returns a reader that converts input from charset to UTF-8. Its
// signature matches mime.WordDecoder.CharsetReader.
//
// Unknown charsets never fail: the content is passed through when it is
// valid UTF-8 and decoded as Latin-1 otherwise.
func NewReader(charset string, input io.Reader) (io.Reader, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" {
		charset = "us-ascii"
	}

	enc, err := lookupEncoding(charset)
	if err != nil || enc == nil {
		return decodeUTF8WithValidation(input)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// lookupEncoding finds the encoding for a charset name. A nil encoding means
// the content is already UTF-8 compatible.
func lookupEncoding(charset string) (encoding.Encoding, error) {
	// Handle common aliases that may not be in IANA index
	switch charset {
	case "utf-8", "utf8", "ascii", "us-ascii":
		return nil, nil
	case "latin1", "latin-1":
		return charmap.ISO8859_1, nil
	}

	return ianaindex.IANA.Encoding(charset)
}

// decodeUTF8WithValidation reads content and validates it as UTF-8.
// If invalid bytes are found, falls back to Latin-1.
func decodeUTF8WithValidation(r io.Reader) (io.Reader, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if utf8.Valid(content) {
		return bytes.NewReader(content), nil
	}

	decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), content)
	if err != nil {
		return bytes.NewReader(content), nil
	}
	return bytes.NewReader(decoded), nil
}
