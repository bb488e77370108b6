// Package reduce strips boilerplate from bulk notification bodies before
// they are archived.
package reduce

import (
	"bytes"
	"errors"
	"regexp"

	"github.com/jarrod-lowe/mail-relay-service/internal/classify"
)

// Error types for body reduction.
var (
	ErrStartBoundaryNotFound = errors.New("start boundary not found")
	ErrEndBoundaryNotFound   = errors.New("end boundary not found")
)

// DisqusHTMLMarker is the part header that introduces the HTML alternative
// in Disqus notification mails.
const DisqusHTMLMarker = `Content-Type: text/html; charset="utf-8"`

var endBoundary = regexp.MustCompile(`^--=.*=--$`)

// Reduce returns a smaller body for categories that have a known reduction.
// Bodies of other categories are returned unchanged.
func Reduce(category classify.Category, raw []byte) ([]byte, error) {
	if category != classify.CategoryDisqusNotification {
		return raw, nil
	}
	return StripHTMLPart(raw, DisqusHTMLMarker)
}

// StripHTMLPart removes the multipart section introduced by marker and
// everything after it, then closes the multipart body with its original
// terminating boundary. The line before marker is the boundary that opens the
// HTML part and is dropped as well.
func StripHTMLPart(raw []byte, marker string) ([]byte, error) {
	lines := bytes.Split(raw, []byte("\n"))

	start := -1
	for i, line := range lines {
		if string(bytes.TrimSuffix(line, []byte("\r"))) == marker {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, ErrStartBoundaryNotFound
	}

	end := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if endBoundary.Match(bytes.TrimSuffix(lines[i], []byte("\r"))) {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, ErrEndBoundaryNotFound
	}

	cut := start - 1
	if cut < 0 {
		cut = 0
	}

	newline := []byte("\n")
	if bytes.HasSuffix(lines[end], []byte("\r")) {
		newline = []byte("\r\n")
	}

	var out bytes.Buffer
	out.Grow(len(raw))
	for _, line := range lines[:cut] {
		out.Write(line)
		out.WriteByte('\n')
	}
	out.Write(bytes.TrimSuffix(lines[end], []byte("\r")))
	out.Write(newline)
	out.Write(newline)

	return out.Bytes(), nil
}
