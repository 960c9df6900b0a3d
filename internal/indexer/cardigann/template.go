package cardigann

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Render limits for a single template evaluation.
const (
	maxRangeIterations = 10000
	maxTemplateOutput  = 1 << 20
)

// ErrTemplateLimit is returned when a render exceeds its iteration or output bounds.
var ErrTemplateLimit = errors.New("template limit exceeded")

// Variables is the flat binding map templates are evaluated against. Keys are
// full dotted paths such as ".Query.Keywords" or ".Config.sitelink"; values are
// strings, string lists, ints or nil.
type Variables map[string]any

// Clone returns a shallow copy that can be extended without touching the receiver.
func (v Variables) Clone() Variables {
	return maps.Clone(v)
}

// String returns the string form of a variable, "" when absent.
func (v Variables) String(key string) string {
	return stringify(v[key])
}

// Modifier transforms every value substituted into a template.
type Modifier func(string) string

// PathEscape escapes substituted values for use inside URL paths. Spaces
// become %20 rather than +.
func PathEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// QueryEscape escapes substituted values for use inside a query string.
func QueryEscape(s string) string {
	return url.QueryEscape(s)
}

type templateFunc func(args []any) (any, error)

// Template is a parsed template ready for rendering.
type Template struct {
	src  string
	root []node
}

// Engine renders Cardigann templates. Parsed templates are memoized in an LRU.
// The evaluator only knows the built-in functions below; there is no way for a
// definition to call into arbitrary code.
type Engine struct {
	cache *lru.Cache[string, *Template]
	funcs map[string]templateFunc
}

// NewEngine creates an engine caching up to cacheSize parsed templates.
func NewEngine(cacheSize int) *Engine {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, _ := lru.New[string, *Template](cacheSize)
	e := &Engine{cache: cache}
	e.funcs = map[string]templateFunc{
		"and":        fnAnd,
		"or":         fnOr,
		"not":        fnNot,
		"eq":         fnEq,
		"ne":         fnNe,
		"join":       fnJoin,
		"re_replace": fnReReplace,
		"replace":    fnReplace,
		"tolower":    fnCase(strings.ToLower),
		"toupper":    fnCase(strings.ToUpper),
		"trim":       fnTrim,
		"len":        fnLen,
	}
	return e
}

// Parse returns the parsed form of src, from cache when possible.
func (e *Engine) Parse(src string) (*Template, error) {
	if t, ok := e.cache.Get(src); ok {
		return t, nil
	}
	root, err := parseTemplate(src)
	if err != nil {
		return nil, err
	}
	t := &Template{src: src, root: root}
	e.cache.Add(src, t)
	return t, nil
}

// Render evaluates src against vars. An optional modifier is applied to each
// substituted value, never to literal template text.
func (e *Engine) Render(src string, vars Variables, modifier Modifier) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := e.Parse(src)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %q: %w", src, err)
	}
	return e.Execute(t, vars, modifier)
}

// Execute renders a parsed template.
func (e *Engine) Execute(t *Template, vars Variables, modifier Modifier) (string, error) {
	s := &evalState{
		engine:   e,
		vars:     vars,
		modifier: modifier,
		locals:   map[string]any{},
	}
	if err := s.walkList(t.root); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", t.src, err)
	}
	return s.out.String(), nil
}

type evalState struct {
	engine     *Engine
	vars       Variables
	modifier   Modifier
	locals     map[string]any
	dot        any
	out        strings.Builder
	iterations int
}

func (s *evalState) write(str string) error {
	if s.out.Len()+len(str) > maxTemplateOutput {
		return fmt.Errorf("%w: output larger than %d bytes", ErrTemplateLimit, maxTemplateOutput)
	}
	s.out.WriteString(str)
	return nil
}

func (s *evalState) walkList(list []node) error {
	for _, n := range list {
		if err := s.walk(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *evalState) walk(n node) error {
	switch n := n.(type) {
	case *textNode:
		return s.write(n.text)
	case *actionNode:
		v, err := s.evalPipeline(n.pipe)
		if err != nil {
			return err
		}
		str := stringify(v)
		if s.modifier != nil {
			str = s.modifier(str)
		}
		return s.write(str)
	case *ifNode:
		for _, b := range n.branches {
			v, err := s.evalPipeline(b.cond)
			if err != nil {
				return err
			}
			if truthy(v) {
				return s.walkList(b.list)
			}
		}
		return s.walkList(n.elseList)
	case *rangeNode:
		return s.walkRange(n)
	default:
		return fmt.Errorf("unknown node %T", n)
	}
}

func (s *evalState) walkRange(n *rangeNode) error {
	v, err := s.evalPipeline(n.pipe)
	if err != nil {
		return err
	}
	items, err := iterable(v)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return s.walkList(n.elseList)
	}

	savedDot := s.dot
	savedIndex, hadIndex := s.locals[n.indexVar]
	savedElem, hadElem := s.locals[n.elemVar]
	defer func() {
		s.dot = savedDot
		restoreLocal(s.locals, n.indexVar, savedIndex, hadIndex)
		restoreLocal(s.locals, n.elemVar, savedElem, hadElem)
	}()

	for i, item := range items {
		s.iterations++
		if s.iterations > maxRangeIterations {
			return fmt.Errorf("%w: more than %d range iterations", ErrTemplateLimit, maxRangeIterations)
		}
		s.dot = item
		if n.indexVar != "" {
			s.locals[n.indexVar] = i
		}
		if n.elemVar != "" {
			s.locals[n.elemVar] = item
		}
		if err := s.walkList(n.list); err != nil {
			return err
		}
	}
	return nil
}

func restoreLocal(locals map[string]any, name string, v any, had bool) {
	if name == "" {
		return
	}
	if had {
		locals[name] = v
		return
	}
	delete(locals, name)
}

func (s *evalState) evalPipeline(p *pipeline) (any, error) {
	var prev any
	for i, cmd := range p.cmds {
		var final []any
		if i > 0 {
			final = []any{prev}
		}
		v, err := s.evalCommand(cmd, final)
		if err != nil {
			return nil, err
		}
		prev = v
	}
	return prev, nil
}

func (s *evalState) evalCommand(cmd *command, final []any) (any, error) {
	first := cmd.args[0]
	if first.kind == opIdent {
		if lit, ok := literalIdent(first.text); ok {
			if len(cmd.args) > 1 || len(final) > 0 {
				return nil, fmt.Errorf("%s is not a function", first.text)
			}
			return lit, nil
		}
		fn, ok := s.engine.funcs[first.text]
		if !ok {
			return nil, fmt.Errorf("function %q not defined", first.text)
		}
		args := make([]any, 0, len(cmd.args)-1+len(final))
		for _, op := range cmd.args[1:] {
			v, err := s.evalOperand(op)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		args = append(args, final...)
		return fn(args)
	}

	if len(cmd.args) > 1 || len(final) > 0 {
		return nil, errors.New("can't give argument to non-function")
	}
	return s.evalOperand(first)
}

func literalIdent(name string) (any, bool) {
	switch name {
	case "true":
		return "True", true
	case "false", "nil":
		return nil, true
	}
	return nil, false
}

func (s *evalState) evalOperand(op *operand) (any, error) {
	switch op.kind {
	case opDot:
		return s.dot, nil
	case opField:
		return s.vars[op.text], nil
	case opVar:
		return s.locals[op.text], nil
	case opString, opNumber:
		return op.value, nil
	case opParen:
		return s.evalPipeline(op.sub)
	case opIdent:
		if lit, ok := literalIdent(op.text); ok {
			return lit, nil
		}
		fn, ok := s.engine.funcs[op.text]
		if !ok {
			return nil, fmt.Errorf("function %q not defined", op.text)
		}
		return fn(nil)
	}
	return nil, fmt.Errorf("unknown operand %q", op.text)
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "True"
		}
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []string:
		return len(v) > 0
	case []any:
		return len(v) > 0
	case int:
		return v != 0
	case bool:
		return v
	default:
		return true
	}
}

// iterable turns a range operand into items. A number n ranges over 0..n-1
// and is bounded before anything is allocated.
func iterable(v any) ([]any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []any:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []any{v}, nil
	case int:
		if v > maxRangeIterations {
			return nil, fmt.Errorf("%w: range over %d exceeds %d iterations", ErrTemplateLimit, v, maxRangeIterations)
		}
		out := make([]any, 0, max(v, 0))
		for i := range v {
			out = append(out, i)
		}
		return out, nil
	default:
		return []any{v}, nil
	}
}

func argCount(name string, args []any, n int) error {
	if len(args) < n {
		return fmt.Errorf("%s: want %d arguments, got %d", name, n, len(args))
	}
	return nil
}

// and returns the first empty argument, or the last one.
func fnAnd(args []any) (any, error) {
	if err := argCount("and", args, 1); err != nil {
		return nil, err
	}
	for _, a := range args {
		if !truthy(a) {
			return a, nil
		}
	}
	return args[len(args)-1], nil
}

// or returns the first non-empty argument, or the last one.
func fnOr(args []any) (any, error) {
	if err := argCount("or", args, 1); err != nil {
		return nil, err
	}
	for _, a := range args {
		if truthy(a) {
			return a, nil
		}
	}
	return args[len(args)-1], nil
}

func boolValue(b bool) any {
	if b {
		return "True"
	}
	return nil
}

func fnNot(args []any) (any, error) {
	if err := argCount("not", args, 1); err != nil {
		return nil, err
	}
	return boolValue(!truthy(args[0])), nil
}

func fnEq(args []any) (any, error) {
	if err := argCount("eq", args, 2); err != nil {
		return nil, err
	}
	first := stringify(args[0])
	for _, a := range args[1:] {
		if stringify(a) == first {
			return boolValue(true), nil
		}
	}
	return boolValue(false), nil
}

func fnNe(args []any) (any, error) {
	if err := argCount("ne", args, 2); err != nil {
		return nil, err
	}
	return boolValue(stringify(args[0]) != stringify(args[1])), nil
}

func toStrings(v any) []string {
	switch v := v.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = stringify(item)
		}
		return out
	default:
		return []string{stringify(v)}
	}
}

func fnJoin(args []any) (any, error) {
	if err := argCount("join", args, 2); err != nil {
		return nil, err
	}
	return strings.Join(toStrings(args[0]), stringify(args[1])), nil
}

func fnReReplace(args []any) (any, error) {
	if err := argCount("re_replace", args, 3); err != nil {
		return nil, err
	}
	re, err := compileRegexp(stringify(args[1]))
	if err != nil {
		return nil, err
	}
	return re.ReplaceAllString(stringify(args[0]), stringify(args[2])), nil
}

func fnReplace(args []any) (any, error) {
	if err := argCount("replace", args, 3); err != nil {
		return nil, err
	}
	return strings.ReplaceAll(stringify(args[0]), stringify(args[1]), stringify(args[2])), nil
}

func fnCase(fn func(string) string) templateFunc {
	return func(args []any) (any, error) {
		if err := argCount("case", args, 1); err != nil {
			return nil, err
		}
		return fn(stringify(args[0])), nil
	}
}

func fnTrim(args []any) (any, error) {
	if err := argCount("trim", args, 1); err != nil {
		return nil, err
	}
	if len(args) > 1 {
		return strings.Trim(stringify(args[0]), stringify(args[1])), nil
	}
	return strings.TrimSpace(stringify(args[0])), nil
}

func fnLen(args []any) (any, error) {
	if err := argCount("len", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case []string:
		return len(v), nil
	case []any:
		return len(v), nil
	default:
		return len(stringify(v)), nil
	}
}
