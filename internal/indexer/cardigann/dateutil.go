package cardigann

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the canonical layout date filters emit.
const DateLayout = time.RFC1123Z

var (
	timeAgoPartRegex = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(years?|yrs?|y|months?|mon|weeks?|wks?|w|days?|d|hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)\b`)
	unixTimestampRe  = regexp.MustCompile(`^\d{9,13}$`)
	todayTimeRegex   = regexp.MustCompile(`(?i)^(today|yesterday)(?:\s*(?:at)?\s*(\d{1,2}):(\d{2})(?::(\d{2}))?)?$`)
	ordinalSuffixRe  = regexp.MustCompile(`(\d)(st|nd|rd|th)\b`)
)

var fuzzyLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02-01-2006 15:04",
	"02-01-2006",
	"01/02/2006 15:04:05",
	"01/02/2006",
	"02.01.2006 15:04",
	"02.01.2006",
	"Jan 2 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006 15:04",
	"January 2, 2006",
	"Mon, 02 Jan 2006 15:04:05",
}

// parseGoLayout parses value with a Go reference layout.
func parseGoLayout(value, layout string) (time.Time, error) {
	t, err := time.ParseInLocation(layout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q with layout %q: %w", value, layout, err)
	}
	return t, nil
}

// parseTimeAgo parses relative dates such as "2 hours, 3 mins ago", "now" or "yesterday".
func parseTimeAgo(value string, now time.Time) (time.Time, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, ",", " ")
	v = strings.TrimSuffix(strings.TrimSpace(v), "ago")
	v = strings.TrimSpace(v)

	switch v {
	case "now", "just now", "moments", "seconds":
		return now, nil
	case "today":
		return now, nil
	case "yesterday":
		return now.AddDate(0, 0, -1), nil
	}

	matches := timeAgoPartRegex.FindAllStringSubmatch(v, -1)
	if len(matches) == 0 {
		return time.Time{}, fmt.Errorf("failed to parse relative time %q", value)
	}

	t := now
	for _, m := range matches {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse relative time %q: %w", value, err)
		}
		unit := m[2]
		switch {
		case strings.HasPrefix(unit, "y"):
			t = t.AddDate(-int(n), 0, 0)
		case strings.HasPrefix(unit, "mon"):
			t = t.AddDate(0, -int(n), 0)
		case strings.HasPrefix(unit, "w"):
			t = t.Add(-time.Duration(n * float64(7*24*time.Hour)))
		case strings.HasPrefix(unit, "d"):
			t = t.Add(-time.Duration(n * float64(24*time.Hour)))
		case strings.HasPrefix(unit, "h"):
			t = t.Add(-time.Duration(n * float64(time.Hour)))
		case strings.HasPrefix(unit, "m"):
			t = t.Add(-time.Duration(n * float64(time.Minute)))
		case strings.HasPrefix(unit, "s"):
			t = t.Add(-time.Duration(n * float64(time.Second)))
		}
	}
	return t, nil
}

// parseFuzzyTime tries every date representation indexers are known to emit.
func parseFuzzyTime(value string, now time.Time) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if unixTimestampRe.MatchString(v) {
		n, _ := strconv.ParseInt(v, 10, 64)
		if len(v) > 10 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	if m := todayTimeRegex.FindStringSubmatch(v); m != nil {
		day := now
		if strings.EqualFold(m[1], "yesterday") {
			day = now.AddDate(0, 0, -1)
		}
		if m[2] == "" {
			return day, nil
		}
		h, _ := strconv.Atoi(m[2])
		mi, _ := strconv.Atoi(m[3])
		s, _ := strconv.Atoi(m[4])
		return time.Date(day.Year(), day.Month(), day.Day(), h, mi, s, 0, day.Location()), nil
	}

	if t, err := parseTimeAgo(v, now); err == nil {
		return t, nil
	}

	cleaned := ordinalSuffixRe.ReplaceAllString(v, "$1")
	for _, layout := range fuzzyLayouts {
		if t, err := time.ParseInLocation(layout, cleaned, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse date %q", value)
}

// parseReleaseDate parses the normalized date field of a release row.
func parseReleaseDate(value string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(DateLayout, strings.TrimSpace(value)); err == nil {
		return t, nil
	}
	return parseFuzzyTime(value, now)
}
