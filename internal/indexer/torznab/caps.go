package torznab

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/slipstream/indexhub/internal/indexer/category"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

type capsDocument struct {
	XMLName xml.Name `xml:"caps"`
	Limits  struct {
		Max     int `xml:"max,attr"`
		Default int `xml:"default,attr"`
	} `xml:"limits"`
	Searching struct {
		Search capsMode `xml:"search"`
		TV     capsMode `xml:"tv-search"`
		Movie  capsMode `xml:"movie-search"`
		Music  capsMode `xml:"music-search"`
		Audio  capsMode `xml:"audio-search"`
		Book   capsMode `xml:"book-search"`
	} `xml:"searching"`
	Categories []capsCategory `xml:"categories>category"`
}

type capsMode struct {
	Available       string `xml:"available,attr"`
	SupportedParams string `xml:"supportedParams,attr"`
	SearchEngine    string `xml:"searchEngine,attr"`
}

type capsCategory struct {
	ID      int            `xml:"id,attr"`
	Name    string         `xml:"name,attr"`
	Subcats []capsCategory `xml:"subcat"`
}

func (m capsMode) params() []string {
	if !strings.EqualFold(m.Available, "yes") {
		return nil
	}
	if strings.TrimSpace(m.SupportedParams) == "" {
		return []string{types.ParamQ}
	}
	var out []string
	for _, p := range strings.Split(m.SupportedParams, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseCapabilities decodes a t=caps response.
func ParseCapabilities(body []byte, indexerID int64) (*types.Capabilities, error) {
	var doc capsDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}

	caps := types.NewCapabilities(indexerID)
	s := doc.Searching
	caps.SearchParams = s.Search.params()
	caps.TvSearchParams = s.TV.params()
	caps.MovieSearchParams = s.Movie.params()
	caps.MusicSearchParams = s.Music.params()
	if caps.MusicSearchParams == nil {
		caps.MusicSearchParams = s.Audio.params()
	}
	caps.BookSearchParams = s.Book.params()
	caps.SupportsRawSearch = strings.EqualFold(s.Search.SearchEngine, "raw")
	if doc.Limits.Max > 0 {
		caps.LimitsMax = doc.Limits.Max
	}
	if doc.Limits.Default > 0 {
		caps.LimitsDefault = doc.Limits.Default
	}

	for _, c := range doc.Categories {
		addCategory(caps.Categories, c)
		for _, sub := range c.Subcats {
			addCategory(caps.Categories, sub)
		}
	}
	return caps, nil
}

// addCategory maps a native id onto the standard taxonomy. Ids outside it
// become indexer specific categories named after the native label.
func addCategory(m *category.Map, c capsCategory) {
	if std := category.ByID(c.ID); std != nil {
		m.AddMappingID(c.ID, std, "")
		return
	}
	m.AddMappingID(c.ID, nil, c.Name)
}

// defaultCapabilities is used when settings give no capabilities and
// discovery has not run yet.
func defaultCapabilities(indexerID int64) *types.Capabilities {
	caps := types.NewCapabilities(indexerID)
	caps.TvSearchParams = []string{types.ParamQ, types.ParamSeason, types.ParamEp, types.ParamImdbID, types.ParamTvdbID}
	caps.MovieSearchParams = []string{types.ParamQ, types.ParamImdbID, types.ParamTmdbID}
	caps.MusicSearchParams = []string{types.ParamQ}
	caps.BookSearchParams = []string{types.ParamQ}
	addStandardCategories(caps.Categories, nil)
	return caps
}

func capabilitiesFromSettings(indexerID int64, s *CapabilitySettings) *types.Capabilities {
	caps := types.NewCapabilities(indexerID)
	caps.SearchParams = s.SearchParams
	caps.TvSearchParams = s.TvSearchParams
	caps.MovieSearchParams = s.MovieSearchParams
	caps.MusicSearchParams = s.MusicSearchParams
	caps.BookSearchParams = s.BookSearchParams
	addStandardCategories(caps.Categories, s.Categories)
	return caps
}

// addStandardCategories registers standard categories by id. With no ids,
// the whole standard tree is registered.
func addStandardCategories(m *category.Map, ids []int) {
	if len(ids) == 0 {
		for _, parent := range category.Parents() {
			m.AddMappingID(parent.ID, parent, "")
			for _, sub := range parent.SubCategories {
				m.AddMappingID(sub.ID, sub, "")
			}
		}
		return
	}
	for _, id := range ids {
		if std := category.ByID(id); std != nil {
			m.AddMappingID(id, std, "")
		}
	}
}
