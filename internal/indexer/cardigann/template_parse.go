package cardigann

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const maxTemplateDepth = 32

// ErrTemplateSyntax is returned for templates that cannot be parsed.
var ErrTemplateSyntax = errors.New("template syntax error")

type node interface{}

type textNode struct {
	text string
}

type actionNode struct {
	pipe *pipeline
}

type condBranch struct {
	cond *pipeline
	list []node
}

type ifNode struct {
	branches []condBranch
	elseList []node
}

type rangeNode struct {
	indexVar string
	elemVar  string
	pipe     *pipeline
	list     []node
	elseList []node
}

type pipeline struct {
	cmds []*command
}

type command struct {
	args []*operand
}

type operandKind int

const (
	opDot operandKind = iota
	opField
	opVar
	opString
	opNumber
	opIdent
	opParen
)

type operand struct {
	kind  operandKind
	text  string
	value any
	sub   *pipeline
}

type tokenKind int

const (
	tokField tokenKind = iota
	tokVar
	tokString
	tokNumber
	tokIdent
	tokLParen
	tokRParen
	tokPipe
	tokDeclare
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

// segment is a raw piece of the template: literal text or the tokens of one action.
type segment struct {
	text     string
	isAction bool
	tokens   []token
}

// scanSegments splits src into text and action segments, honoring {{- and -}} trim markers.
func scanSegments(src string) ([]segment, error) {
	var segs []segment
	pos := 0
	trimNext := false

	for pos < len(src) {
		open := strings.Index(src[pos:], "{{")
		if open < 0 {
			text := src[pos:]
			if trimNext {
				text = strings.TrimLeftFunc(text, unicode.IsSpace)
			}
			segs = append(segs, segment{text: text})
			break
		}

		text := src[pos : pos+open]
		if trimNext {
			text = strings.TrimLeftFunc(text, unicode.IsSpace)
			trimNext = false
		}

		start := pos + open + 2
		if strings.HasPrefix(src[start:], "- ") || strings.HasPrefix(src[start:], "-\t") {
			text = strings.TrimRightFunc(text, unicode.IsSpace)
			start++
		}
		if text != "" {
			segs = append(segs, segment{text: text})
		}

		end, err := findActionEnd(src, start)
		if err != nil {
			return nil, err
		}
		inner := src[start:end]
		if strings.HasSuffix(inner, " -") || strings.HasSuffix(inner, "\t-") {
			inner = inner[:len(inner)-1]
			trimNext = true
		}
		pos = end + 2

		inner = strings.TrimSpace(inner)
		if strings.HasPrefix(inner, "/*") && strings.HasSuffix(inner, "*/") {
			continue
		}
		toks, err := lexAction(inner)
		if err != nil {
			return nil, err
		}
		if len(toks) == 0 {
			return nil, fmt.Errorf("%w: empty action", ErrTemplateSyntax)
		}
		segs = append(segs, segment{isAction: true, tokens: toks})
	}
	return segs, nil
}

func findActionEnd(src string, start int) (int, error) {
	var quote byte
	for i := start; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote == '"':
				i++
			case c == quote:
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '`':
			quote = c
		case c == '}' && i+1 < len(src) && src[i+1] == '}':
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unclosed action", ErrTemplateSyntax)
}

func isIdentRune(r byte) bool {
	return r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

func lexAction(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '|':
			toks = append(toks, token{kind: tokPipe, text: "|"})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ","})
			i++
		case c == ':' && i+1 < len(s) && s[i+1] == '=':
			toks = append(toks, token{kind: tokDeclare, text: ":="})
			i += 2
		case c == '.':
			j := i + 1
			for j < len(s) && (isIdentRune(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokField, text: s[i:j]})
			i = j
		case c == '$':
			j := i + 1
			for j < len(s) && isIdentRune(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokVar, text: s[i:j]})
			i = j
		case c == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("%w: unterminated string", ErrTemplateSyntax)
			}
			str, err := strconv.Unquote(s[i : j+1])
			if err != nil {
				return nil, fmt.Errorf("%w: bad string %s", ErrTemplateSyntax, s[i:j+1])
			}
			toks = append(toks, token{kind: tokString, text: str})
			i = j + 1
		case c == '`':
			j := strings.IndexByte(s[i+1:], '`')
			if j < 0 {
				return nil, fmt.Errorf("%w: unterminated raw string", ErrTemplateSyntax)
			}
			toks = append(toks, token{kind: tokString, text: s[i+1 : i+1+j]})
			i += j + 2
		case c == '-' || c >= '0' && c <= '9':
			j := i + 1
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j]})
			i = j
		case isIdentRune(c):
			j := i
			for j < len(s) && isIdentRune(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrTemplateSyntax, c)
		}
	}
	return toks, nil
}

type parser struct {
	segs  []segment
	pos   int
	depth int
}

// parseTemplate builds the AST of src.
func parseTemplate(src string) ([]node, error) {
	segs, err := scanSegments(src)
	if err != nil {
		return nil, err
	}
	p := &parser{segs: segs}
	list, term, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if term != nil {
		return nil, fmt.Errorf("%w: unexpected {{%s}}", ErrTemplateSyntax, term[0].text)
	}
	return list, nil
}

// parseList parses nodes until an else/end action, which is returned unconsumed.
func (p *parser) parseList() ([]node, []token, error) {
	var list []node
	for p.pos < len(p.segs) {
		seg := p.segs[p.pos]
		p.pos++

		if !seg.isAction {
			list = append(list, &textNode{text: seg.text})
			continue
		}

		toks := seg.tokens
		if toks[0].kind == tokIdent {
			switch toks[0].text {
			case "else", "end":
				return list, toks, nil
			case "if":
				n, err := p.parseIf(toks[1:])
				if err != nil {
					return nil, nil, err
				}
				list = append(list, n)
				continue
			case "range":
				n, err := p.parseRange(toks[1:])
				if err != nil {
					return nil, nil, err
				}
				list = append(list, n)
				continue
			}
		}

		pipe, err := parsePipeline(toks)
		if err != nil {
			return nil, nil, err
		}
		list = append(list, &actionNode{pipe: pipe})
	}
	return list, nil, nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxTemplateDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrTemplateSyntax, maxTemplateDepth)
	}
	return nil
}

func (p *parser) parseIf(condToks []token) (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	n := &ifNode{}
	for {
		cond, err := parsePipeline(condToks)
		if err != nil {
			return nil, err
		}
		list, term, err := p.parseList()
		if err != nil {
			return nil, err
		}
		if term == nil {
			return nil, fmt.Errorf("%w: missing {{end}} for if", ErrTemplateSyntax)
		}
		n.branches = append(n.branches, condBranch{cond: cond, list: list})

		if term[0].text == "end" {
			return n, nil
		}
		// else if chains another branch
		if len(term) > 1 && term[1].kind == tokIdent && term[1].text == "if" {
			condToks = term[2:]
			continue
		}
		elseList, endTerm, err := p.parseList()
		if err != nil {
			return nil, err
		}
		if endTerm == nil || endTerm[0].text != "end" {
			return nil, fmt.Errorf("%w: missing {{end}} after else", ErrTemplateSyntax)
		}
		n.elseList = elseList
		return n, nil
	}
}

func (p *parser) parseRange(toks []token) (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	n := &rangeNode{}
	switch {
	case len(toks) >= 5 && toks[0].kind == tokVar && toks[1].kind == tokComma && toks[2].kind == tokVar && toks[3].kind == tokDeclare:
		n.indexVar, n.elemVar = toks[0].text, toks[2].text
		toks = toks[4:]
	case len(toks) >= 3 && toks[0].kind == tokVar && toks[1].kind == tokDeclare:
		n.elemVar = toks[0].text
		toks = toks[2:]
	}

	pipe, err := parsePipeline(toks)
	if err != nil {
		return nil, err
	}
	n.pipe = pipe

	list, term, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if term == nil {
		return nil, fmt.Errorf("%w: missing {{end}} for range", ErrTemplateSyntax)
	}
	n.list = list
	if term[0].text == "else" {
		elseList, endTerm, err := p.parseList()
		if err != nil {
			return nil, err
		}
		if endTerm == nil || endTerm[0].text != "end" {
			return nil, fmt.Errorf("%w: missing {{end}} after range else", ErrTemplateSyntax)
		}
		n.elseList = elseList
	}
	return n, nil
}

func parsePipeline(toks []token) (*pipeline, error) {
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: missing value", ErrTemplateSyntax)
	}
	pipe := &pipeline{}
	cmd := &command{}
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokPipe:
			if len(cmd.args) == 0 {
				return nil, fmt.Errorf("%w: empty pipeline stage", ErrTemplateSyntax)
			}
			pipe.cmds = append(pipe.cmds, cmd)
			cmd = &command{}
		case tokLParen:
			closeIdx, err := matchParen(toks, i)
			if err != nil {
				return nil, err
			}
			sub, err := parsePipeline(toks[i+1 : closeIdx])
			if err != nil {
				return nil, err
			}
			cmd.args = append(cmd.args, &operand{kind: opParen, sub: sub})
			i = closeIdx
		case tokRParen:
			return nil, fmt.Errorf("%w: unbalanced )", ErrTemplateSyntax)
		case tokField:
			if t.text == "." {
				cmd.args = append(cmd.args, &operand{kind: opDot, text: t.text})
			} else {
				cmd.args = append(cmd.args, &operand{kind: opField, text: t.text})
			}
		case tokVar:
			cmd.args = append(cmd.args, &operand{kind: opVar, text: t.text})
		case tokString:
			cmd.args = append(cmd.args, &operand{kind: opString, value: t.text})
		case tokNumber:
			n, err := strconv.Atoi(t.text)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %s", ErrTemplateSyntax, t.text)
			}
			cmd.args = append(cmd.args, &operand{kind: opNumber, value: n})
		case tokIdent:
			cmd.args = append(cmd.args, &operand{kind: opIdent, text: t.text})
		default:
			return nil, fmt.Errorf("%w: unexpected %q", ErrTemplateSyntax, t.text)
		}
	}
	if len(cmd.args) == 0 {
		return nil, fmt.Errorf("%w: empty pipeline stage", ErrTemplateSyntax)
	}
	pipe.cmds = append(pipe.cmds, cmd)
	return pipe, nil
}

func matchParen(toks []token, open int) (int, error) {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch toks[i].kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unbalanced (", ErrTemplateSyntax)
}
