package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

type searcherFunc func(ctx context.Context, c *types.SearchCriteria) (*Result, error)

func (f searcherFunc) Search(ctx context.Context, c *types.SearchCriteria) (*Result, error) {
	return f(ctx, c)
}

func serve(t *testing.T, s Searcher, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	NewHandlers(s).RegisterRoutes(e.Group("/api/v1/search"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandlers_Search(t *testing.T) {
	var got *types.SearchCriteria
	s := searcherFunc(func(_ context.Context, c *types.SearchCriteria) (*Result, error) {
		got = c
		return &Result{Releases: []*types.ReleaseInfo{{Title: "The Matrix"}}, Total: 1}, nil
	})

	rec := serve(t, s, "/api/v1/search?query=matrix&type=movie&categories=2000,2040&indexerIds=1,-2&imdbId=tt0133093&year=1999&interactive=true")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, got)
	assert.Equal(t, types.SearchTypeMovie, got.Type)
	assert.Equal(t, "matrix", got.Query)
	assert.Equal(t, []int{2000, 2040}, got.Categories)
	assert.Equal(t, []int64{1, types.AllTorrentIndexers}, got.IndexerIDs)
	assert.True(t, got.Interactive)
	require.NotNil(t, got.Movie)
	assert.Equal(t, "tt0133093", got.Movie.ImdbID)
	assert.Equal(t, 1999, got.Movie.Year)

	var body Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
}

func TestHandlers_SearchErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"bad type", "/api/v1/search?type=anime", nil, http.StatusBadRequest},
		{"bad categories", "/api/v1/search?categories=abc", nil, http.StatusBadRequest},
		{"selected indexers unavailable", "/api/v1/search?indexerIds=5&interactive=true", ErrSearchFailed, http.StatusBadRequest},
		{"all failed", "/api/v1/search", ErrAllIndexersFailed, http.StatusBadGateway},
		{"internal", "/api/v1/search", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := searcherFunc(func(context.Context, *types.SearchCriteria) (*Result, error) {
				return &Result{}, tt.err
			})
			rec := serve(t, s, tt.target)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
