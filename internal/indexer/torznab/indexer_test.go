package torznab

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer/category"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

func testDefinition(settings string) *types.IndexerDefinition {
	return &types.IndexerDefinition{
		ID:             3,
		Name:           "Test Torznab",
		Implementation: types.ImplementationTorznab,
		Protocol:       types.ProtocolTorrent,
		Settings:       []byte(settings),
	}
}

func newTestIndexer(t *testing.T, settings string) *Indexer {
	t.Helper()
	ix, err := New(testDefinition(settings), testLogger(t))
	require.NoError(t, err)
	return ix
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func query(t *testing.T, req *types.IndexerRequest) url.Values {
	t.Helper()
	u, err := url.Parse(req.HTTP.URL)
	require.NoError(t, err)
	return u.Query()
}

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name     string
		def      *types.IndexerDefinition
		endpoint string
		extra    string
		wantErr  bool
	}{
		{"defaults", testDefinition(`{"baseUrl":"https://idx.example/"}`), "https://idx.example/api", "", false},
		{"api path", testDefinition(`{"baseUrl":"https://idx.example","apiPath":"torznab/all/"}`), "https://idx.example/torznab/all", "", false},
		{"extra params", testDefinition(`{"baseUrl":"https://idx.example","additionalParameters":"dl=1"}`), "https://idx.example/api", "&dl=1", false},
		{"base url from definition", &types.IndexerDefinition{ID: 1, BaseURL: "https://base.example"}, "https://base.example/api", "", false},
		{"missing base url", testDefinition(`{}`), "", "", true},
		{"invalid json", testDefinition(`{`), "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSettings(tt.def)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrCodeConfiguration, types.GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, s.endpoint())
			assert.Equal(t, tt.extra, s.AdditionalParameters)
		})
	}
}

const testCaps = `<?xml version="1.0" encoding="UTF-8"?>
<caps>
  <limits max="200" default="50"/>
  <searching>
    <search available="yes" supportedParams="q"/>
    <tv-search available="yes" supportedParams="q,season,ep,tvdbid"/>
    <movie-search available="yes" supportedParams="imdbid"/>
    <audio-search available="yes"/>
    <book-search available="no" supportedParams="q,author"/>
  </searching>
  <categories>
    <category id="2000" name="Movies">
      <subcat id="2040" name="Movies/HD"/>
    </category>
    <category id="100001" name="Anime Raw"/>
  </categories>
</caps>`

func TestParseCapabilities(t *testing.T) {
	caps, err := ParseCapabilities([]byte(testCaps), 3)
	require.NoError(t, err)

	assert.Equal(t, []string{"q"}, caps.SearchParams)
	assert.Equal(t, []string{"q", "season", "ep", "tvdbid"}, caps.TvSearchParams)
	assert.Equal(t, []string{"imdbid"}, caps.MovieSearchParams)
	assert.Equal(t, []string{"q"}, caps.MusicSearchParams, "audio-search without params means q")
	assert.False(t, caps.SupportsType(types.SearchTypeBook))
	assert.Equal(t, 200, caps.LimitsMax)
	assert.Equal(t, 50, caps.LimitsDefault)

	assert.Equal(t, []int{2040}, category.IDs(caps.Categories.MapTrackerCategoryToCanonical("2040")))
	custom := caps.Categories.MapTrackerCategoryToCanonical("100001")
	require.Len(t, custom, 1)
	assert.Equal(t, "Anime Raw", custom[0].Name)

	_, err = ParseCapabilities([]byte("<html>"), 3)
	assert.Error(t, err)
}

func TestGetSearchRequests_MovieTiers(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example","apiKey":"secret"}`)

	chain, err := ix.GetSearchRequests(&types.SearchCriteria{
		Type:       types.SearchTypeMovie,
		Query:      "The Matrix",
		Categories: []int{2000},
		Limit:      50,
		Movie:      &types.MovieParams{ImdbID: "0133093", TmdbID: 603},
	})
	require.NoError(t, err)
	require.Equal(t, 2, chain.Len())

	reqs := chain.Requests()
	require.Len(t, reqs, 2)

	ids := query(t, reqs[0])
	assert.Equal(t, "movie", ids.Get("t"))
	assert.Equal(t, "tt0133093", ids.Get("imdbid"))
	assert.Equal(t, "603", ids.Get("tmdbid"))
	assert.Empty(t, ids.Get("q"))
	assert.Equal(t, "1", ids.Get("extended"))
	assert.Equal(t, "secret", ids.Get("apikey"))
	assert.Equal(t, "50", ids.Get("limit"))
	assert.Contains(t, strings.Split(ids.Get("cat"), ","), "2000")
	assert.True(t, strings.HasPrefix(reqs[0].HTTP.URL, "https://idx.example/api?"))

	text := query(t, reqs[1])
	assert.Equal(t, "movie", text.Get("t"))
	assert.Equal(t, "The Matrix", text.Get("q"))
	assert.Contains(t, reqs[1].HTTP.URL, "q=The%20Matrix")
	assert.Empty(t, text.Get("imdbid"))
}

func TestGetSearchRequests_TVEpisode(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example"}`)

	chain, err := ix.GetSearchRequests(&types.SearchCriteria{
		Type:  types.SearchTypeTV,
		Query: "Some Show",
		TV:    &types.TVParams{TvdbID: 81189, Season: 1, Episode: "2"},
	})
	require.NoError(t, err)
	reqs := chain.Requests()
	require.Len(t, reqs, 2)

	ids := query(t, reqs[0])
	assert.Equal(t, "tvsearch", ids.Get("t"))
	assert.Equal(t, "81189", ids.Get("tvdbid"))
	assert.Equal(t, "1", ids.Get("season"))
	assert.Equal(t, "2", ids.Get("ep"))

	text := query(t, reqs[1])
	assert.Equal(t, "Some Show", text.Get("q"))
	assert.Equal(t, "1", text.Get("season"))
}

func TestGetSearchRequests_FallsBackToBasicSearch(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example","capabilities":{"searchParams":["q"],"movieSearchParams":["imdbid"]}}`)

	chain, err := ix.GetSearchRequests(&types.SearchCriteria{Type: types.SearchTypeMovie, Query: "Heat"})
	require.NoError(t, err)
	reqs := chain.Requests()
	require.Len(t, reqs, 1)

	q := query(t, reqs[0])
	assert.Equal(t, "search", q.Get("t"))
	assert.Equal(t, "Heat", q.Get("q"))
}

func TestGetSearchRequests_EmptyTiers(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		criteria *types.SearchCriteria
	}{
		{
			"unsupported mode",
			`{"baseUrl":"https://idx.example","capabilities":{"searchParams":["q"]}}`,
			&types.SearchCriteria{Type: types.SearchTypeMusic, Music: &types.MusicParams{Artist: "x"}},
		},
		{
			"no ids and no query",
			`{"baseUrl":"https://idx.example"}`,
			&types.SearchCriteria{Type: types.SearchTypeMovie, Movie: &types.MovieParams{Year: 1999}},
		},
		{
			"basic query without q support",
			`{"baseUrl":"https://idx.example","capabilities":{"searchParams":["imdbid"]}}`,
			&types.SearchCriteria{Type: types.SearchTypeBasic, Query: "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := newTestIndexer(t, tt.settings)
			chain, err := ix.GetSearchRequests(tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, 1, chain.Len())
			assert.True(t, chain.Empty())
		})
	}
}

func TestGetSearchRequests_RSS(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example","additionalParameters":"&dl=1"}`)

	chain, err := ix.GetSearchRequests(&types.SearchCriteria{Type: types.SearchTypeBasic})
	require.NoError(t, err)
	reqs := chain.Requests()
	require.Len(t, reqs, 1)

	q := query(t, reqs[0])
	assert.Equal(t, "search", q.Get("t"))
	assert.False(t, q.Has("q"))
	assert.True(t, strings.HasSuffix(reqs[0].HTTP.URL, "&dl=1"))
}

type capsClient struct {
	status int
	body   string
	urls   []string
}

func (c *capsClient) Execute(_ context.Context, req *types.HTTPRequest) (*types.HTTPResponse, error) {
	c.urls = append(c.urls, req.URL)
	return &types.HTTPResponse{StatusCode: c.status, Headers: http.Header{}, Body: []byte(c.body)}, nil
}

func TestRefreshCapabilities(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example","apiKey":"k"}`)
	assert.True(t, ix.NeedsCapabilities())

	client := &capsClient{status: http.StatusOK, body: testCaps}
	require.NoError(t, ix.RefreshCapabilities(context.Background(), client))

	require.Len(t, client.urls, 1)
	assert.Equal(t, "https://idx.example/api?apikey=k&t=caps", client.urls[0])
	assert.False(t, ix.NeedsCapabilities())
	assert.Equal(t, []string{"imdbid"}, ix.Capabilities().MovieSearchParams)
}

func TestRefreshCapabilities_AuthError(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example"}`)
	client := &capsClient{status: http.StatusOK, body: `<error code="100" description="Incorrect user credentials"/>`}

	err := ix.RefreshCapabilities(context.Background(), client)
	require.Error(t, err)
	assert.True(t, types.IsAuthError(err))
	assert.True(t, ix.NeedsCapabilities())
}
