// Package torznab implements the generic Torznab and Newznab API adapter.
package torznab

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// DefaultAPIPath is appended to the base URL when no path is configured.
const DefaultAPIPath = "/api"

// Settings is the per-indexer configuration stored in the indexer settings blob.
type Settings struct {
	BaseURL              string              `json:"baseUrl"`
	APIPath              string              `json:"apiPath,omitempty"`
	APIKey               string              `json:"apiKey,omitempty"`
	AdditionalParameters string              `json:"additionalParameters,omitempty"`
	Capabilities         *CapabilitySettings `json:"capabilities,omitempty"`
}

// CapabilitySettings overrides capabilities discovery. Indexers without it
// are asked with t=caps.
type CapabilitySettings struct {
	SearchParams      []string `json:"searchParams,omitempty"`
	TvSearchParams    []string `json:"tvSearchParams,omitempty"`
	MovieSearchParams []string `json:"movieSearchParams,omitempty"`
	MusicSearchParams []string `json:"musicSearchParams,omitempty"`
	BookSearchParams  []string `json:"bookSearchParams,omitempty"`
	Categories        []int    `json:"categories,omitempty"`
}

// ParseSettings decodes and validates the settings of an indexer.
func ParseSettings(def *types.IndexerDefinition) (*Settings, error) {
	var s Settings
	if len(def.Settings) > 0 {
		if err := json.Unmarshal(def.Settings, &s); err != nil {
			return nil, types.NewConfigError(def.ID, def.Name, fmt.Sprintf("invalid settings: %v", err))
		}
	}
	if s.BaseURL == "" {
		s.BaseURL = def.BaseURL
	}
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if s.BaseURL == "" {
		return nil, types.NewConfigError(def.ID, def.Name, "base url is required")
	}
	if s.APIPath == "" {
		s.APIPath = DefaultAPIPath
	}
	if !strings.HasPrefix(s.APIPath, "/") {
		s.APIPath = "/" + s.APIPath
	}
	s.APIPath = strings.TrimRight(s.APIPath, "/")
	if s.AdditionalParameters != "" && !strings.HasPrefix(s.AdditionalParameters, "&") {
		s.AdditionalParameters = "&" + s.AdditionalParameters
	}
	return &s, nil
}

// endpoint returns the API URL without query.
func (s *Settings) endpoint() string {
	return s.BaseURL + s.APIPath
}
