package cardigann

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// errNoMatch is returned when a required selector finds nothing.
var errNoMatch = errors.New("selector did not match")

// parseHTML loads a response body into a goquery document.
func parseHTML(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// queryFirst returns sel itself when it matches selector, otherwise its first
// matching descendant. A ":root" prefix anchors the query at the document root.
func queryFirst(sel *goquery.Selection, selector string) *goquery.Selection {
	if strings.HasPrefix(selector, ":root") {
		root := rootOf(sel)
		rest := strings.TrimSpace(strings.TrimPrefix(selector, ":root"))
		if rest == "" {
			return root
		}
		return root.Find(rest).First()
	}
	if sel.Is(selector) {
		return sel
	}
	return sel.Find(selector).First()
}

// queryAll is queryFirst for every match.
func queryAll(sel *goquery.Selection, selector string) *goquery.Selection {
	if strings.HasPrefix(selector, ":root") {
		rest := strings.TrimSpace(strings.TrimPrefix(selector, ":root"))
		if rest == "" {
			return rootOf(sel)
		}
		return rootOf(sel).Find(rest)
	}
	return sel.Find(selector)
}

func rootOf(sel *goquery.Selection) *goquery.Selection {
	if sel.Length() == 0 {
		return sel
	}
	n := sel.Nodes[0]
	for n.Parent != nil {
		n = n.Parent
	}
	return goquery.NewDocumentFromNode(n).Selection
}

// selectHTML evaluates a selector block against an element. found is false
// when an optional selector matched nothing; a required one returns an error.
func (ix *Indexer) selectHTML(block *SelectorBlock, sel *goquery.Selection, vars Variables, required bool) (value string, found bool, err error) {
	fc := ix.filterContext(vars)
	if block.Text != nil {
		text, err := ix.engine.Render(*block.Text, vars, nil)
		if err != nil {
			return "", false, err
		}
		out, err := fc.applyFilters(text, block.Filters)
		return out, err == nil, err
	}

	selection := sel
	if block.Selector != "" {
		selector, err := ix.engine.Render(block.Selector, vars, nil)
		if err != nil {
			return "", false, err
		}
		selection = queryFirst(sel, selector)
		if selection.Length() == 0 {
			return missing(required, "selector %q matched nothing", selector)
		}
	}

	if block.Remove != "" {
		selection = selection.Clone()
		selection.Find(block.Remove).Remove()
	}

	switch {
	case len(block.Case) > 0:
		matched := false
		for _, c := range block.Case {
			if selection.Is(c.Key) || selection.Find(c.Key).Length() > 0 {
				value, matched = c.Value, true
				break
			}
		}
		if !matched {
			return missing(required, "none of the case selectors matched")
		}
	case block.Attribute != "":
		attr, ok := selection.Attr(block.Attribute)
		if !ok {
			return missing(required, "attribute %q is not set", block.Attribute)
		}
		value = attr
	default:
		value = selection.Text()
	}

	out, err := fc.applyFilters(strings.TrimSpace(value), block.Filters)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// selectJSON evaluates a selector block against a decoded JSON value. Array
// selections are comma joined; a "*" case key matches anything.
func (ix *Indexer) selectJSON(block *SelectorBlock, parent any, vars Variables, required bool) (value string, found bool, err error) {
	fc := ix.filterContext(vars)
	if block.Text != nil {
		text, err := ix.engine.Render(*block.Text, vars, nil)
		if err != nil {
			return "", false, err
		}
		out, err := fc.applyFilters(text, block.Filters)
		return out, err == nil, err
	}

	if block.Selector != "" {
		selector, err := ix.engine.Render(strings.TrimLeft(block.Selector, "."), vars, nil)
		if err != nil {
			return "", false, err
		}
		selected, ok := jsonMatches(parent, selector)
		if !ok {
			return missing(required, "selector %q matched nothing", selector)
		}
		value = jsonString(selected)
	}

	if len(block.Case) > 0 {
		matched := false
		for _, c := range block.Case {
			if c.Key == value || c.Key == "*" {
				value, matched = c.Value, true
				break
			}
		}
		if !matched {
			return missing(required, "none of the case values matched %q", value)
		}
	}

	out, err := fc.applyFilters(strings.TrimSpace(value), block.Filters)
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

func missing(required bool, format string, args ...any) (string, bool, error) {
	if required {
		return "", false, fmt.Errorf("%w: %s", errNoMatch, fmt.Sprintf(format, args...))
	}
	return "", false, nil
}
