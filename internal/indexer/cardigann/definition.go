// Package cardigann implements a Cardigann-compatible indexer definition system.
// It parses YAML definition files and interprets them at runtime to build
// search requests, log in and parse responses of arbitrary indexer sites.
package cardigann

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition is returned for definitions that cannot be used.
var ErrInvalidDefinition = errors.New("invalid definition")

// StringOrArray unmarshals from either a string or a list of strings. Only the
// first list element is used.
type StringOrArray string

// UnmarshalYAML implements custom YAML unmarshaling for StringOrArray.
func (s *StringOrArray) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = StringOrArray(value.Value)
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := value.Decode(&arr); err != nil {
			return err
		}
		if len(arr) > 0 {
			*s = StringOrArray(arr[0])
		}
		return nil
	default:
		return fmt.Errorf("cannot unmarshal %v into StringOrArray", value.Kind)
	}
}

// Definition represents a parsed Cardigann YAML definition file.
type Definition struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Language       string   `yaml:"language"`
	Type           string   `yaml:"type"`     // public, private, semi-private
	Encoding       string   `yaml:"encoding"` // UTF-8, etc.
	RequestDelay   float64  `yaml:"requestDelay"`
	Links          []string `yaml:"links"`
	LegacyLinks    []string `yaml:"legacylinks"`
	FollowRedirect bool     `yaml:"followredirect"`

	Caps     CapabilitiesBlock `yaml:"caps"`
	Settings []SettingsField   `yaml:"settings"`
	Login    *LoginBlock       `yaml:"login"`
	Search   SearchBlock       `yaml:"search"`
}

// CapabilitiesBlock describes search modes and categories.
type CapabilitiesBlock struct {
	Categories       map[string]string   `yaml:"categories"` // legacy native id -> canonical name
	CategoryMappings []CategoryMapping   `yaml:"categorymappings"`
	Modes            map[string][]string `yaml:"modes"` // search, tv-search, movie-search ... -> supported params
	AllowRawSearch   bool                `yaml:"allowrawsearch"`
}

// CategoryMapping maps an indexer category id to a standard Newznab category.
type CategoryMapping struct {
	ID      string `yaml:"id"`
	Cat     string `yaml:"cat"`  // Newznab category name (e.g., "Movies/HD")
	Desc    string `yaml:"desc"` // Human-readable description
	Default bool   `yaml:"default"`
}

// SettingsField defines a user-configurable option for the indexer.
type SettingsField struct {
	Name     string            `yaml:"name" json:"name"`
	Type     string            `yaml:"type" json:"type"` // text, password, checkbox, select, info, info_*
	Label    string            `yaml:"label" json:"label"`
	Default  string            `yaml:"default" json:"default,omitempty"`
	Defaults []string          `yaml:"defaults" json:"defaults,omitempty"`
	Options  map[string]string `yaml:"options" json:"options,omitempty"` // For select type
}

// LoginBlock defines how to authenticate with the indexer.
type LoginBlock struct {
	Path              string                   `yaml:"path"`
	SubmitPath        string                   `yaml:"submitpath"`
	Cookies           []string                 `yaml:"cookies"`
	Method            string                   `yaml:"method"` // post, form, cookie, get, oneurl
	Form              string                   `yaml:"form"`   // CSS selector for form element
	Selectors         bool                     `yaml:"selectors"`
	Inputs            map[string]string        `yaml:"inputs"`
	SelectorInputs    map[string]SelectorBlock `yaml:"selectorinputs"`
	GetSelectorInputs map[string]SelectorBlock `yaml:"getselectorinputs"`
	Error             []ErrorBlock             `yaml:"error"`
	Test              *PageTestBlock           `yaml:"test"`
	Captcha           *CaptchaBlock            `yaml:"captcha"`
	Headers           map[string]StringOrArray `yaml:"headers"`
}

// ErrorBlock detects an error page and extracts its message.
type ErrorBlock struct {
	Path     string         `yaml:"path"`
	Selector string         `yaml:"selector"`
	Message  *SelectorBlock `yaml:"message"`
}

// PageTestBlock verifies that a session is authenticated.
type PageTestBlock struct {
	Path     string `yaml:"path"`
	Selector string `yaml:"selector"`
}

// CaptchaBlock is parsed for completeness; captcha solving is not supported.
type CaptchaBlock struct {
	Type     string `yaml:"type"`
	Selector string `yaml:"selector"`
	Input    string `yaml:"input"`
}

// SelectorBlock extracts one value from a document or JSON object.
type SelectorBlock struct {
	Selector  string        `yaml:"selector"`
	Optional  bool          `yaml:"optional"`
	Default   *string       `yaml:"default"`
	Text      *string       `yaml:"text"`
	Attribute string        `yaml:"attribute"`
	Remove    string        `yaml:"remove"`
	Filters   []FilterBlock `yaml:"filters"`
	Case      CaseList      `yaml:"case"`
}

// FilterBlock transforms an extracted value.
type FilterBlock struct {
	Name string `yaml:"name"`
	Args any    `yaml:"args"` // string, scalar, list or nil
}

// CaseEntry is one selector -> value pair of a case block.
type CaseEntry struct {
	Key   string
	Value string
}

// CaseList is an ordered case block; the first matching key wins.
type CaseList []CaseEntry

// UnmarshalYAML keeps the document order of the mapping.
func (c *CaseList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("case block must be a mapping, got %v", value.Kind)
	}
	out := make(CaseList, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		out = append(out, CaseEntry{Key: value.Content[i].Value, Value: value.Content[i+1].Value})
	}
	*c = out
	return nil
}

// FieldEntry is a named field selector.
type FieldEntry struct {
	Name  string
	Block SelectorBlock
}

// FieldList is the ordered field block of a search. Fields are evaluated in
// document order and a repeated name overrides the earlier value.
type FieldList []FieldEntry

// UnmarshalYAML keeps document order and duplicate keys.
func (f *FieldList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("fields block must be a mapping, got %v", value.Kind)
	}
	out := make(FieldList, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var block SelectorBlock
		if err := value.Content[i+1].Decode(&block); err != nil {
			return fmt.Errorf("field %s: %w", value.Content[i].Value, err)
		}
		out = append(out, FieldEntry{Name: value.Content[i].Value, Block: block})
	}
	*f = out
	return nil
}

// SearchBlock defines how to execute searches and parse results.
type SearchBlock struct {
	Path                 string                   `yaml:"path"`
	Paths                []SearchPathBlock        `yaml:"paths"`
	Headers              map[string]StringOrArray `yaml:"headers"`
	KeywordsFilters      []FilterBlock            `yaml:"keywordsfilters"`
	AllowEmptyInputs     bool                     `yaml:"allowEmptyInputs"`
	Inputs               map[string]string        `yaml:"inputs"`
	Error                []ErrorBlock             `yaml:"error"`
	PreprocessingFilters []FilterBlock            `yaml:"preprocessingfilters"`
	Rows                 RowsBlock                `yaml:"rows"`
	Fields               FieldList                `yaml:"fields"`
}

// RowsBlock locates the repeating result rows.
type RowsBlock struct {
	SelectorBlock                   `yaml:",inline"`
	After                           int            `yaml:"after"`
	DateHeaders                     *SelectorBlock `yaml:"dateheaders"`
	Count                           *SelectorBlock `yaml:"count"`
	Multiple                        bool           `yaml:"multiple"`
	MissingAttributeEqualsNoResults bool           `yaml:"missingAttributeEqualsNoResults"`
}

// RequestBlock describes one HTTP request of a definition.
type RequestBlock struct {
	Path           string            `yaml:"path"`
	Method         string            `yaml:"method"`
	Inputs         map[string]string `yaml:"inputs"`
	QuerySeparator string            `yaml:"queryseparator"`
}

// SearchPathBlock defines a search endpoint, optionally restricted to certain categories.
type SearchPathBlock struct {
	RequestBlock   `yaml:",inline"`
	Categories     []string       `yaml:"categories"`
	InheritInputs  *bool          `yaml:"inheritinputs"`
	FollowRedirect bool           `yaml:"followredirect"`
	Response       *ResponseBlock `yaml:"response"`
}

// InheritsInputs reports whether search level inputs apply to this path (default true).
func (p SearchPathBlock) InheritsInputs() bool {
	return p.InheritInputs == nil || *p.InheritInputs
}

// ResponseBlock specifies the response format.
type ResponseBlock struct {
	Type             string `yaml:"type"` // json, xml, html (default)
	NoResultsMessage string `yaml:"noResultsMessage"`
}

var supportedSettingTypes = []string{"text", "password", "checkbox", "select", "info", "info_cookie", "info_flaresolverr", "info_useragent", "info_category_8000", "cardigannCaptcha"}

// ParseDefinition parses and validates a Cardigann YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition YAML: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionFile parses a Cardigann YAML definition from a file.
func ParseDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return ParseDefinition(data)
}

// Validate checks the structural requirements of a definition and fills defaults.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if len(d.Links) == 0 {
		return fmt.Errorf("%w: %s has no links", ErrInvalidDefinition, d.ID)
	}
	if d.Search.Path == "" && len(d.Search.Paths) == 0 {
		return fmt.Errorf("%w: %s has no search path", ErrInvalidDefinition, d.ID)
	}
	if d.Search.Rows.Selector == "" {
		return fmt.Errorf("%w: %s has no rows selector", ErrInvalidDefinition, d.ID)
	}
	if len(d.Caps.Modes) == 0 {
		return fmt.Errorf("%w: %s declares no search modes", ErrInvalidDefinition, d.ID)
	}
	for _, s := range d.Settings {
		if !slices.Contains(supportedSettingTypes, s.Type) && !strings.HasPrefix(s.Type, "info_") {
			return fmt.Errorf("%w: %s setting %s has unsupported type %s", ErrInvalidDefinition, d.ID, s.Name, s.Type)
		}
	}
	if d.Login != nil && d.Login.Method != "" {
		switch d.Login.Method {
		case "post", "form", "cookie", "get", "oneurl":
		default:
			return fmt.Errorf("%w: %s login method %s is not supported", ErrInvalidDefinition, d.ID, d.Login.Method)
		}
	}
	if d.Encoding == "" {
		d.Encoding = "UTF-8"
	}
	if d.Search.Path != "" && len(d.Search.Paths) == 0 {
		d.Search.Paths = []SearchPathBlock{{RequestBlock: RequestBlock{Path: d.Search.Path}}}
	}
	return nil
}

// GetBaseURL returns the primary URL for this indexer.
func (d *Definition) GetBaseURL() string {
	if len(d.Links) > 0 {
		return d.Links[0]
	}
	return ""
}

// GetPrivacy returns the privacy level (public, private, semi-private).
func (d *Definition) GetPrivacy() string {
	if d.Type == "" {
		return "public"
	}
	return d.Type
}

// HasLogin returns true if this indexer requires authentication.
func (d *Definition) HasLogin() bool {
	return d.Login != nil && d.Login.Method != ""
}

// SupportsSearch returns true if the indexer supports the given search mode.
func (d *Definition) SupportsSearch(mode string) bool {
	_, ok := d.Caps.Modes[mode]
	return ok
}

// Setting returns the named settings field.
func (d *Definition) Setting(name string) (SettingsField, bool) {
	for _, s := range d.Settings {
		if s.Name == name {
			return s, true
		}
	}
	return SettingsField{}, false
}
