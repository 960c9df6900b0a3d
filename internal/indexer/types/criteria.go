package types

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SearchType identifies the SearchCriteria variant.
type SearchType string

const (
	SearchTypeBasic SearchType = "search"
	SearchTypeMovie SearchType = "movie"
	SearchTypeTV    SearchType = "tvsearch"
	SearchTypeMusic SearchType = "music"
	SearchTypeBook  SearchType = "book"
)

// ParseSearchType maps a Newznab t= value onto a SearchType.
func ParseSearchType(s string) (SearchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "search":
		return SearchTypeBasic, nil
	case "movie":
		return SearchTypeMovie, nil
	case "tvsearch", "tv":
		return SearchTypeTV, nil
	case "music", "audio":
		return SearchTypeMusic, nil
	case "book":
		return SearchTypeBook, nil
	default:
		return "", fmt.Errorf("unknown search type %q", s)
	}
}

// SearchCriteria is the canonical search request. Type selects which of the
// variant blocks is meaningful; the others are ignored.
type SearchCriteria struct {
	Type       SearchType `json:"type"`
	Query      string     `json:"query,omitempty"`
	Categories []int      `json:"categories,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`

	IndexerIDs  []int64 `json:"indexerIds,omitempty"`
	Interactive bool    `json:"interactive,omitempty"`
	Source      string  `json:"source,omitempty"`

	MinAge  int   `json:"minAge,omitempty"` // days
	MaxAge  int   `json:"maxAge,omitempty"` // days
	MinSize int64 `json:"minSize,omitempty"`
	MaxSize int64 `json:"maxSize,omitempty"`

	Movie *MovieParams `json:"movie,omitempty"`
	TV    *TVParams    `json:"tv,omitempty"`
	Music *MusicParams `json:"music,omitempty"`
	Book  *BookParams  `json:"book,omitempty"`
}

// MovieParams are the identifiers of a movie search.
type MovieParams struct {
	ImdbID  string `json:"imdbId,omitempty"`
	TmdbID  int    `json:"tmdbId,omitempty"`
	TraktID int    `json:"traktId,omitempty"`
	Year    int    `json:"year,omitempty"`
	Genre   string `json:"genre,omitempty"`
}

// TVParams are the identifiers of a TV search.
type TVParams struct {
	ImdbID   string `json:"imdbId,omitempty"`
	TvdbID   int    `json:"tvdbId,omitempty"`
	TvMazeID int    `json:"tvMazeId,omitempty"`
	RageID   int    `json:"rageId,omitempty"`
	TraktID  int    `json:"traktId,omitempty"`
	Season   int    `json:"season,omitempty"`
	Episode  string `json:"episode,omitempty"`
}

// MusicParams are the fields of a music search.
type MusicParams struct {
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	Label  string `json:"label,omitempty"`
	Track  string `json:"track,omitempty"`
	Year   int    `json:"year,omitempty"`
}

// BookParams are the fields of a book search.
type BookParams struct {
	Author    string `json:"author,omitempty"`
	Title     string `json:"title,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Year      int    `json:"year,omitempty"`
}

// NormalizeImdbID returns the canonical numeric form of an IMDb id: no "tt"
// prefix, zero-padded to at least seven digits. Unparseable input yields "".
func NormalizeImdbID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimPrefix(id, "tt")
	if id == "" {
		return ""
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return ""
	}
	return fmt.Sprintf("%07d", n)
}

// ImdbID returns the IMDb id of the active variant.
func (c *SearchCriteria) ImdbID() string {
	switch {
	case c.Type == SearchTypeMovie && c.Movie != nil:
		return c.Movie.ImdbID
	case c.Type == SearchTypeTV && c.TV != nil:
		return c.TV.ImdbID
	}
	return ""
}

// FullImdbID returns the IMDb id with its "tt" prefix, or "".
func (c *SearchCriteria) FullImdbID() string {
	id := NormalizeImdbID(c.ImdbID())
	if id == "" {
		return ""
	}
	return "tt" + id
}

// Normalized returns a copy with identifiers canonicalized. The receiver is not modified.
func (c *SearchCriteria) Normalized() *SearchCriteria {
	out := *c
	out.Categories = append([]int(nil), c.Categories...)
	out.IndexerIDs = append([]int64(nil), c.IndexerIDs...)
	if out.Type == "" {
		out.Type = SearchTypeBasic
	}
	out.Query = strings.TrimSpace(c.Query)
	if c.Movie != nil {
		m := *c.Movie
		m.ImdbID = NormalizeImdbID(m.ImdbID)
		out.Movie = &m
	}
	if c.TV != nil {
		tv := *c.TV
		tv.ImdbID = NormalizeImdbID(tv.ImdbID)
		tv.Episode = strings.TrimSpace(tv.Episode)
		out.TV = &tv
	}
	if c.Music != nil {
		m := *c.Music
		out.Music = &m
	}
	if c.Book != nil {
		b := *c.Book
		out.Book = &b
	}
	return &out
}

// SanitizedSearchTerm strips characters indexers commonly reject.
func (c *SearchCriteria) SanitizedSearchTerm() string {
	var b strings.Builder
	for _, r := range c.Query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || strings.ContainsRune("-._()@/'[]+%", r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EpisodeSearchString renders the season/episode token, e.g. "S01E02", "S01" or a daily "2024.01.15".
func (c *SearchCriteria) EpisodeSearchString() string {
	if c.Type != SearchTypeTV || c.TV == nil || c.TV.Season == 0 {
		return ""
	}
	tv := c.TV
	if tv.Season > 1000 && strings.Contains(tv.Episode, "/") {
		// daily episodes carry the date as season=year, episode=MM/DD
		return fmt.Sprintf("%d.%s", tv.Season, strings.ReplaceAll(tv.Episode, "/", "."))
	}
	if tv.Episode == "" {
		return fmt.Sprintf("S%02d", tv.Season)
	}
	if ep, err := strconv.Atoi(tv.Episode); err == nil {
		return fmt.Sprintf("S%02dE%02d", tv.Season, ep)
	}
	return fmt.Sprintf("S%02dE%s", tv.Season, tv.Episode)
}

// Year returns the year of the active variant, or 0.
func (c *SearchCriteria) Year() int {
	switch c.Type {
	case SearchTypeMovie:
		if c.Movie != nil {
			return c.Movie.Year
		}
	case SearchTypeMusic:
		if c.Music != nil {
			return c.Music.Year
		}
	case SearchTypeBook:
		if c.Book != nil {
			return c.Book.Year
		}
	}
	return 0
}

func (c *SearchCriteria) String() string {
	return fmt.Sprintf("{Type: %s, Term: %s, Offset: %d, Limit: %d, Categories: %v}", c.Type, c.Query, c.Offset, c.Limit, c.Categories)
}
