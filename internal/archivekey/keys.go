// Package archivekey derives object-store keys for archived messages.
package archivekey

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxSegmentBytes is the longest path segment most filesystems accept.
	MaxSegmentBytes = 255
	// MaxKeyBytes is the longest object key accepted by S3 and B2.
	MaxKeyBytes = 1024

	// NoSubjectPrefix prefixes the generated name used for blank subjects.
	NoSubjectPrefix = "NOSUBJECT_"

	// Extension is appended to every archived message key.
	Extension = ".eml"
)

var disallowed = regexp.MustCompile(`[^a-zA-Z0-9\-_\[\]]+`)

// DeriveFilename turns a subject line into a name that is safe to use as a
// path segment. Characters outside [A-Za-z0-9-_[]] collapse to single spaces
// and leading or trailing dashes, underscores and whitespace are removed.
// A subject that sanitises to nothing gets a unique NOSUBJECT_ name.
func DeriveFilename(subject string) string {
	name := disallowed.ReplaceAllString(subject, " ")
	for {
		trimmed := strings.TrimSpace(strings.Trim(name, "-"))
		trimmed = strings.TrimSpace(strings.Trim(trimmed, "_"))
		if trimmed == name {
			break
		}
		name = trimmed
	}
	if name == "" {
		return NoSubjectPrefix + uuid.New().String()
	}
	return name
}

// DatePartition formats t as a UTC YYYY/MM/DD partition, with a trailing
// /HH when withHour is set.
func DatePartition(t time.Time, withHour bool) string {
	if withHour {
		return t.UTC().Format("2006/01/02/15")
	}
	return t.UTC().Format("2006/01/02")
}

// Suffix returns the ".{timestamp}.eml" suffix for a message timestamp.
func Suffix(ts int64) string {
	return fmt.Sprintf(".%d%s", ts, Extension)
}

// DeriveArchiveKey builds {folder}/{YYYY/MM/DD}/{filename}.{ts}.eml.
// The filename plus suffix always fits in one path segment and the whole key
// never exceeds MaxKeyBytes.
func DeriveArchiveKey(folder string, date time.Time, filename string, ts int64) string {
	suffix := Suffix(ts)

	if len(filename)+len(suffix) >= MaxSegmentBytes {
		filename = truncate(filename, MaxSegmentBytes-len(suffix)-1)
	}

	prefix := folder + "/" + DatePartition(date, false) + "/" + filename
	if len(prefix) > MaxKeyBytes-len(suffix) {
		prefix = truncate(prefix, MaxKeyBytes-len(suffix))
	}

	return prefix + suffix
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
