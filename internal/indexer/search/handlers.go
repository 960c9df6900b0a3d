package search

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// Searcher runs aggregate searches.
type Searcher interface {
	Search(ctx context.Context, criteria *types.SearchCriteria) (*Result, error)
}

// Handlers provides HTTP handlers for search operations.
type Handlers struct {
	service Searcher
}

// NewHandlers creates new search handlers.
func NewHandlers(service Searcher) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the search routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Search)
}

// SearchRequest represents a search request.
type SearchRequest struct {
	Query       string `query:"query"`
	Type        string `query:"type"`       // search, tvsearch, movie, music, book
	Categories  string `query:"categories"` // comma-separated category IDs
	IndexerIDs  string `query:"indexerIds"` // comma-separated, -1 all usenet, -2 all torrent
	Interactive bool   `query:"interactive"`
	Limit       int    `query:"limit"`
	Offset      int    `query:"offset"`
	MinAge      int    `query:"minAge"`
	MaxAge      int    `query:"maxAge"`
	MinSize     int64  `query:"minSize"`
	MaxSize     int64  `query:"maxSize"`

	ImdbID   string `query:"imdbId"`
	TmdbID   int    `query:"tmdbId"`
	TvdbID   int    `query:"tvdbId"`
	TvMazeID int    `query:"tvMazeId"`
	RageID   int    `query:"rId"`
	TraktID  int    `query:"traktId"`
	Season   int    `query:"season"`
	Episode  string `query:"ep"`
	Year     int    `query:"year"`
	Genre    string `query:"genre"`

	Artist    string `query:"artist"`
	Album     string `query:"album"`
	Label     string `query:"label"`
	Track     string `query:"track"`
	Author    string `query:"author"`
	Title     string `query:"title"`
	Publisher string `query:"publisher"`
}

// Search handles aggregate search requests.
// GET /api/v1/search?query=...&type=...&categories=...&indexerIds=...
func (h *Handlers) Search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request parameters"})
	}

	criteria, err := req.Criteria()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := h.service.Search(c.Request().Context(), criteria)
	switch {
	case errors.Is(err, ErrSearchFailed):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrAllIndexersFailed):
		return c.JSON(http.StatusBadGateway, map[string]any{"error": err.Error(), "indexers": result.Indexers})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

// Criteria converts the request into search criteria.
func (r *SearchRequest) Criteria() (*types.SearchCriteria, error) {
	t, err := types.ParseSearchType(r.Type)
	if err != nil {
		return nil, err
	}
	cats, err := parseList(r.Categories, strconv.Atoi)
	if err != nil {
		return nil, errors.New("invalid categories")
	}
	ids, err := parseList(r.IndexerIDs, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
	if err != nil {
		return nil, errors.New("invalid indexerIds")
	}

	c := &types.SearchCriteria{
		Type:        t,
		Query:       r.Query,
		Categories:  cats,
		IndexerIDs:  ids,
		Interactive: r.Interactive,
		Limit:       r.Limit,
		Offset:      r.Offset,
		MinAge:      r.MinAge,
		MaxAge:      r.MaxAge,
		MinSize:     r.MinSize,
		MaxSize:     r.MaxSize,
		Source:      "api",
	}
	switch t {
	case types.SearchTypeMovie:
		c.Movie = &types.MovieParams{ImdbID: r.ImdbID, TmdbID: r.TmdbID, TraktID: r.TraktID, Year: r.Year, Genre: r.Genre}
	case types.SearchTypeTV:
		c.TV = &types.TVParams{ImdbID: r.ImdbID, TvdbID: r.TvdbID, TvMazeID: r.TvMazeID, RageID: r.RageID,
			TraktID: r.TraktID, Season: r.Season, Episode: r.Episode}
	case types.SearchTypeMusic:
		c.Music = &types.MusicParams{Artist: r.Artist, Album: r.Album, Label: r.Label, Track: r.Track, Year: r.Year}
	case types.SearchTypeBook:
		c.Book = &types.BookParams{Author: r.Author, Title: r.Title, Publisher: r.Publisher, Year: r.Year}
	}
	return c, nil
}

func parseList[T any](s string, parse func(string) (T, error)) ([]T, error) {
	var out []T
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
