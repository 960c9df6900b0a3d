package cardigann

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// publicTrackers are announced in magnet links built from a bare info hash.
var publicTrackers = []string{
	"http://tracker.opentrackr.org:1337/announce",
	"udp://tracker.auctor.tv:6969/announce",
	"udp://opentracker.i2p.rocks:6969/announce",
	"https://opentracker.i2p.rocks:443/announce",
	"udp://open.demonii.com:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"http://tracker.openbittorrent.com:80/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
}

// BuildMagnetLink builds a public magnet URI for an info hash.
func BuildMagnetLink(infoHash, title string) string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(strings.ToUpper(infoHash))
	if title != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(title))
	}
	for _, tr := range publicTrackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

// InfoHashFromMagnet extracts the btih hash of a magnet URI, or "".
func InfoHashFromMagnet(magnet string) string {
	u, err := url.Parse(magnet)
	if err != nil || u.Scheme != "magnet" {
		return ""
	}
	for _, xt := range u.Query()["xt"] {
		if i := strings.LastIndex(xt, ":"); i >= 0 && strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			return xt[i+1:]
		}
	}
	return ""
}

// normalizeNumber keeps digits and separators, treating "," as a decimal
// point and every dot but the last as a thousands separator.
func normalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == ',':
			b.WriteByte('.')
		}
	}
	out := b.String()
	if out == "" {
		return "0"
	}
	if strings.Count(out, ".") > 1 {
		last := strings.LastIndex(out, ".")
		out = strings.ReplaceAll(out[:last], ".", "") + out[last:]
	}
	return out
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(normalizeNumber(s), 64)
}

var groupedInt = regexp.MustCompile(`^\d{1,3}([.,\s]\d{3})+$`)

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// parseInt reads an integer count. Grouped digits such as "1,234" are read as
// thousands; any other decimal part is truncated.
func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if groupedInt.MatchString(s) {
		return strconv.ParseInt(digitsOnly(s), 10, 64)
	}
	f, err := parseFloat(s)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// parseSize converts a human readable size such as "1.5 GB" to bytes, using
// 1024 multiples.
func parseSize(s string) (int64, error) {
	number := strings.TrimRightFunc(strings.TrimSpace(s), func(r rune) bool { return r < '0' || r > '9' })
	if groupedInt.MatchString(number) {
		number = digitsOnly(number)
	}
	value, err := parseFloat(number)
	if err != nil {
		return 0, err
	}

	unit := strings.ToLower(strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) && r != 'i' && r != 'I' {
			return r
		}
		return -1
	}, s))

	switch {
	case strings.Contains(unit, "kb"):
		value *= 1 << 10
	case strings.Contains(unit, "mb"):
		value *= 1 << 20
	case strings.Contains(unit, "gb"):
		value *= 1 << 30
	case strings.Contains(unit, "tb"):
		value *= 1 << 40
	case strings.Contains(unit, "pb"):
		value *= 1 << 50
	}
	return int64(value), nil
}

var digitRun = regexp.MustCompile(`\d+`)

// firstNumber returns the first run of digits in s as an int, or 0.
func firstNumber(s string) int {
	m := digitRun.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

var genreDelimiters = ", /)(.;[]\"|:"

func splitGenres(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(genreDelimiters, r) })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ReplaceAll(p, "_", " "))
		}
	}
	return out
}
