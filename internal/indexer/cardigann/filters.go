package cardigann

import (
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FilterFunc transforms a value. Args are already template-expanded where the filter allows it.
type FilterFunc func(fc *filterContext, value string, args []string) (string, error)

// filterContext carries what filters need beyond the value itself.
type filterContext struct {
	engine *Engine
	vars   Variables
	logger zerolog.Logger
	now    time.Time
}

// filters is the registry of all available filter functions.
var filters map[string]FilterFunc

// filters whose arguments are rendered as templates before use.
var templatedFilterArgs = map[string][]int{
	"re_replace": {1},
	"replace":    {1},
	"prepend":    {0},
	"append":     {0},
}

func init() {
	filters = map[string]FilterFunc{
		"querystring":   filterQueryString,
		"dateparse":     filterDateParse,
		"timeparse":     filterDateParse,
		"regexp":        filterRegexp,
		"re_replace":    filterReReplace,
		"split":         filterSplit,
		"replace":       filterReplace,
		"trim":          filterTrim,
		"prepend":       filterPrepend,
		"append":        filterAppend,
		"tolower":       filterToLower,
		"toupper":       filterToUpper,
		"urldecode":     filterURLDecode,
		"urlencode":     filterURLEncode,
		"htmldecode":    filterHTMLDecode,
		"htmlencode":    filterHTMLEncode,
		"timeago":       filterTimeAgo,
		"reltime":       filterTimeAgo,
		"fuzzytime":     filterFuzzyTime,
		"validfilename": filterValidFilename,
		"diacritics":    filterDiacritics,
		"jsonjoinarray": filterJSONJoinArray,
		"hexdump":       filterHexDump,
		"strdump":       filterStrDump,
		"validate":      filterValidate,
	}
}

// applyFilters runs the filter chain over value. Unknown filters are logged and skipped.
func (fc *filterContext) applyFilters(value string, chain []FilterBlock) (string, error) {
	result := value
	for _, f := range chain {
		fn, ok := filters[f.Name]
		if !ok {
			fc.logger.Warn().Str("filter", f.Name).Msg("Unsupported filter, skipping")
			continue
		}

		args := normalizeFilterArgs(f.Args)
		for _, idx := range templatedFilterArgs[f.Name] {
			if idx < len(args) && fc.engine != nil {
				expanded, err := fc.engine.Render(args[idx], fc.vars, nil)
				if err != nil {
					return "", fmt.Errorf("filter %s: %w", f.Name, err)
				}
				args[idx] = expanded
			}
		}

		var err error
		result, err = fn(fc, result, args)
		if err != nil {
			return "", fmt.Errorf("filter %s failed: %w", f.Name, err)
		}
	}
	return result, nil
}

// normalizeFilterArgs converts filter args to []string.
func normalizeFilterArgs(args any) []string {
	switch v := args.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		result := make([]string, len(v))
		for i, item := range v {
			result[i] = fmt.Sprint(item)
		}
		return result
	default:
		return []string{fmt.Sprint(v)}
	}
}

func requireArgs(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("want %d arguments, got %d", n, len(args))
	}
	return nil
}

func filterQueryString(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 1); err != nil {
		return "", err
	}
	raw := value
	if u, err := url.Parse(value); err == nil && (u.RawQuery != "" || u.Scheme != "") {
		raw = u.RawQuery
	}
	values, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil {
		return "", nil
	}
	return values.Get(args[0]), nil
}

func filterDateParse(fc *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 1); err != nil {
		return "", err
	}
	t, err := parseGoLayout(value, args[0])
	if err != nil {
		// unparseable dates keep their value; the release parser falls back to fuzzy parsing
		fc.logger.Debug().Err(err).Msg("Date filter did not match")
		return value, nil
	}
	return t.Format(DateLayout), nil
}

func filterRegexp(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 1); err != nil {
		return "", err
	}
	re, err := compileRegexp(args[0])
	if err != nil {
		return "", err
	}
	matches := re.FindStringSubmatch(value)
	if len(matches) < 2 {
		return "", nil
	}
	return matches[1], nil
}

func filterReReplace(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 2); err != nil {
		return "", err
	}
	re, err := compileRegexp(args[0])
	if err != nil {
		return "", err
	}
	return re.ReplaceAllString(value, dotNetReplacement(args[1])), nil
}

// dotNetReplacement converts $1 style group references to ${1} so adjacent text is not eaten.
func dotNetReplacement(repl string) string {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		if repl[i] == '$' && i+1 < len(repl) && repl[i+1] >= '0' && repl[i+1] <= '9' {
			j := i + 1
			for j < len(repl) && repl[j] >= '0' && repl[j] <= '9' {
				j++
			}
			b.WriteString("${" + repl[i+1:j] + "}")
			i = j - 1
			continue
		}
		b.WriteByte(repl[i])
	}
	return b.String()
}

func filterSplit(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 2); err != nil {
		return "", err
	}
	if args[0] == "" {
		return "", fmt.Errorf("empty separator")
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil {
		return "", fmt.Errorf("invalid position %q", args[1])
	}
	parts := strings.Split(value, args[0][:1])
	if idx < 0 {
		idx += len(parts)
	}
	if idx < 0 || idx >= len(parts) {
		return "", nil
	}
	return parts[idx], nil
}

func filterReplace(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 2); err != nil {
		return "", err
	}
	return strings.ReplaceAll(value, args[0], args[1]), nil
}

func filterTrim(_ *filterContext, value string, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return strings.Trim(value, args[0][:1]), nil
	}
	return strings.TrimSpace(value), nil
}

func filterPrepend(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 1); err != nil {
		return "", err
	}
	return args[0] + value, nil
}

func filterAppend(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 1); err != nil {
		return "", err
	}
	return value + args[0], nil
}

func filterToLower(_ *filterContext, value string, _ []string) (string, error) {
	return strings.ToLower(value), nil
}

func filterToUpper(_ *filterContext, value string, _ []string) (string, error) {
	return strings.ToUpper(value), nil
}

func filterURLDecode(_ *filterContext, value string, _ []string) (string, error) {
	decoded, err := url.QueryUnescape(value)
	if err != nil {
		return value, nil
	}
	return decoded, nil
}

func filterURLEncode(_ *filterContext, value string, _ []string) (string, error) {
	return url.QueryEscape(value), nil
}

func filterHTMLDecode(_ *filterContext, value string, _ []string) (string, error) {
	return html.UnescapeString(value), nil
}

func filterHTMLEncode(_ *filterContext, value string, _ []string) (string, error) {
	return html.EscapeString(value), nil
}

func filterTimeAgo(fc *filterContext, value string, _ []string) (string, error) {
	t, err := parseTimeAgo(value, fc.now)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}

func filterFuzzyTime(fc *filterContext, value string, _ []string) (string, error) {
	t, err := parseFuzzyTime(value, fc.now)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}

func filterValidFilename(_ *filterContext, value string, _ []string) (string, error) {
	var b strings.Builder
	for _, r := range value {
		if strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

func filterDiacritics(_ *filterContext, value string, args []string) (string, error) {
	if len(args) == 0 || args[0] != "replace" {
		return "", fmt.Errorf("unsupported diacritics argument %v", args)
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, value)
	if err != nil {
		return "", err
	}
	return out, nil
}

func filterJSONJoinArray(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 2); err != nil {
		return "", err
	}
	var data any
	if err := json.Unmarshal([]byte(value), &data); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	sel, ok := jsonSelect(data, strings.TrimPrefix(args[0], "$."))
	if !ok {
		return "", nil
	}
	arr, ok := sel.([]any)
	if !ok {
		return jsonString(sel), nil
	}
	parts := make([]string, len(arr))
	for i, item := range arr {
		parts[i] = jsonString(item)
	}
	return strings.Join(parts, args[1]), nil
}

func filterHexDump(fc *filterContext, value string, _ []string) (string, error) {
	var b strings.Builder
	for _, r := range value {
		fmt.Fprintf(&b, "%c(%02X)", r, r)
	}
	fc.logger.Debug().Str("hexdump", b.String()).Msg("Filter dump")
	return value, nil
}

func filterStrDump(fc *filterContext, value string, args []string) (string, error) {
	dump := strings.NewReplacer("\r", `\r`, "\n", `\n`, "\u00a0", `\xA0`).Replace(value)
	ev := fc.logger.Debug().Str("strdump", dump)
	if len(args) > 0 {
		ev = ev.Str("tag", args[0])
	}
	ev.Msg("Filter dump")
	return value, nil
}

func validateTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return strings.ContainsRune(", /)(.;[]\"|:", r)
	})
}

// filterValidate keeps only the tokens of value that appear in the allowed list.
func filterValidate(_ *filterContext, value string, args []string) (string, error) {
	if err := requireArgs(args, 1); err != nil {
		return "", err
	}
	present := validateTokens(value)
	var kept []string
	for _, tok := range validateTokens(args[0]) {
		if containsString(present, tok) && !containsString(kept, tok) {
			kept = append(kept, tok)
		}
	}
	return strings.Join(kept, ", "), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
