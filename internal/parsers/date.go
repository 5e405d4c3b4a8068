package parsers

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"ledger-import-engine/internal/formats"
	engerrors "ledger-import-engine/pkg/errors"
)

// autoLayouts are tried in decreasing order of specificity before the
// permissive fallback. Slash dates are deliberately absent: without a
// format the day/month order is unknown.
var autoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"January 2, 2006 15:04",
	"Jan 2, 2006 15:04",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

func dateError(raw, reason string) error {
	return engerrors.New(engerrors.KindParse, engerrors.CodeInvalidDate,
		fmt.Sprintf("invalid date '%s': %s", raw, reason)).
		WithContext("field", "date").
		WithContext("value", raw)
}

func parseWithLayouts(raw string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseDate resolves raw without applying the date window.
func parseDate(raw string, format formats.FormatID) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, dateError(raw, "empty value")
	}

	f, ok := formats.Get(format)
	if !ok {
		return parseDateAuto(s)
	}
	if t, ok := parseWithLayouts(s, f.DateLayouts); ok {
		return t, nil
	}
	return time.Time{}, dateError(raw, fmt.Sprintf("does not match any %s date layout", f.Name))
}

func parseDateAuto(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, dateError(raw, "empty value")
	}
	if t, ok := parseWithLayouts(s, autoLayouts); ok {
		return t, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, dateError(raw, err.Error())
	}
	return t.UTC(), nil
}

// ParseDate parses raw using the ordered layouts of the given format and
// rejects dates outside the default window. Formats that are not registered
// fall back to ParseDateAuto.
func ParseDate(raw string, format formats.FormatID) (time.Time, error) {
	return DefaultLimits().ParseDate(raw, format)
}

// ParseDateAuto parses input of unknown origin: fixed layouts by decreasing
// specificity, then a permissive general parser. The default window applies.
func ParseDateAuto(raw string) (time.Time, error) {
	return DefaultLimits().ParseDateAuto(raw)
}
