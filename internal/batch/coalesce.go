// Package batch turns a backlog of summary events into size-bounded chat
// posts and dispatches them through a throttle.
package batch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jarrod-lowe/mail-relay-service/internal/relay"
)

const (
	// DefaultBudget is the maximum size of one chat post, in characters.
	DefaultBudget = 1990
	// DefaultLineCap is the maximum size of one formatted event line.
	DefaultLineCap = 1999

	separator = "\n"
)

// FormatEvent renders one summary event as a chat line. Timestamps use the
// chat platform's relative-time markup.
func FormatEvent(e relay.SummaryEvent) string {
	return fmt.Sprintf("**From:** %s → %s • <t:%d:R>\n**Subject:** %s",
		e.From, e.To, e.Timestamp/1000, e.Subject)
}

// Coalesce packs lines into blocks of at most budget characters, keeping
// their order. Each line is first cut to lineCap characters. A line that
// would push the current block past budget starts a new block. Blocks that
// are empty or only whitespace are dropped.
func Coalesce(lines []string, budget, lineCap int) []string {
	var blocks []string
	var acc strings.Builder
	accLen := 0

	flush := func() {
		if strings.TrimSpace(acc.String()) != "" {
			blocks = append(blocks, acc.String())
		}
		acc.Reset()
		accLen = 0
	}

	for _, line := range lines {
		line = truncateRunes(line, lineCap)
		lineLen := utf8.RuneCountInString(line)

		if accLen == 0 {
			acc.WriteString(line)
			accLen = lineLen
			continue
		}

		if accLen+len(separator)+lineLen > budget {
			flush()
			acc.WriteString(line)
			accLen = lineLen
			continue
		}

		acc.WriteString(separator)
		acc.WriteString(line)
		accLen += len(separator) + lineLen
	}
	flush()

	return blocks
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
