package cardigann

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// jsonFilterRegex matches the :has(), :not() and :contains() suffixes of JSON selectors.
var jsonFilterRegex = regexp.MustCompile(`:(has|not|contains)\((.+?)\)`)

// parseJSON decodes a response body, keeping numbers exact.
func parseJSON(body []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return data, nil
}

// jsonSelect navigates data with a dot path such as "data.items[0].name".
// An empty path or "." selects data itself.
func jsonSelect(data any, path string) (any, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return data, true
	}

	current := data
	for _, seg := range parsePath(path) {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false
			}
			if idx < 0 {
				idx += len(v)
			}
			if idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

// parsePath splits a dot-notation path into segments.
func parsePath(path string) []string {
	var segments []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
		}
	}

	inBracket := false
	for _, r := range path {
		switch {
		case r == '.' && !inBracket:
			flush()
		case r == '[':
			flush()
			inBracket = true
		case r == ']':
			flush()
			inBracket = false
		case inBracket && (r == '\'' || r == '"'):
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return segments
}

// splitJSONSelector separates the path part of a selector from its filters.
func splitJSONSelector(selector string) (string, string) {
	if i := strings.Index(selector, ":"); i >= 0 {
		return selector[:i], selector[i:]
	}
	return selector, ""
}

// jsonMatches resolves selector against parent, honoring filter suffixes.
// It returns the selected value and whether the selector matched.
func jsonMatches(parent any, selector string) (any, bool) {
	path, filterPart := splitJSONSelector(selector)
	obj, ok := jsonSelect(parent, path)
	if !ok {
		return nil, false
	}

	for _, m := range jsonFilterRegex.FindAllStringSubmatch(filterPart, -1) {
		kind, arg := m[1], m[2]
		switch kind {
		case "has":
			if _, ok := jsonMatches(obj, arg); !ok {
				return nil, false
			}
		case "not":
			if _, ok := jsonMatches(obj, arg); ok {
				return nil, false
			}
		case "contains":
			raw, _ := json.Marshal(obj)
			if !strings.Contains(string(raw), arg) {
				return nil, false
			}
		}
	}
	return obj, true
}

// jsonRows selects the row array and keeps the elements that pass the row filters.
func jsonRows(data any, rowSelector string) ([]any, error) {
	path, filterPart := splitJSONSelector(rowSelector)
	sel, ok := jsonSelect(data, path)
	if !ok {
		return nil, nil
	}
	arr, ok := sel.([]any)
	if !ok {
		return nil, fmt.Errorf("rows selector %q does not select an array", rowSelector)
	}
	if filterPart == "" {
		return arr, nil
	}
	out := make([]any, 0, len(arr))
	for _, row := range arr {
		if _, ok := jsonMatches(row, filterPart); ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// jsonString converts a JSON value to its text form; arrays are comma joined.
func jsonString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = jsonString(item)
		}
		return strings.Join(parts, ",")
	default:
		raw, _ := json.Marshal(val)
		return string(raw)
	}
}
