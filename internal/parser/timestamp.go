package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// fallbackTimeFormats is the fixed list of common formats tried, in order,
// after the user-specified format fails.
var fallbackTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"2006-01-02",
	"01/02/2006",
}

// parseTimestamp parses a source-reported timestamp, trying the preferred
// format first, then the fallback list, then epoch seconds. Timestamps
// without a zone are taken as UTC.
func parseTimestamp(raw, preferred string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, eris.New("parser: empty timestamp")
	}

	formats := fallbackTimeFormats
	if preferred != "" {
		formats = append([]string{preferred}, fallbackTimeFormats...)
	}
	for _, layout := range formats {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC(), nil
	}

	return time.Time{}, eris.Errorf("parser: unparseable timestamp %q", raw)
}
