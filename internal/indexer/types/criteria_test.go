package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeImdbID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tt0076759", "0076759"},
		{"0076759", "0076759"},
		{"76759", "0076759"},
		{"TT0076759", "0076759"},
		{" tt0076759 ", "0076759"},
		{"tt10001870", "10001870"},
		{"10001870", "10001870"},
		{"", ""},
		{"tt", ""},
		{"abc", ""},
		{"tt0000000", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeImdbID(tt.in))
		})
	}
}

func TestNormalized_DoesNotMutateReceiver(t *testing.T) {
	c := &SearchCriteria{
		Type:       SearchTypeMovie,
		Query:      "  star wars ",
		Categories: []int{2000},
		Movie:      &MovieParams{ImdbID: "tt0076759"},
	}

	n := c.Normalized()
	require.NotNil(t, n.Movie)
	assert.Equal(t, "0076759", n.Movie.ImdbID)
	assert.Equal(t, "star wars", n.Query)
	assert.Equal(t, "tt0076759", c.Movie.ImdbID)

	n.Categories[0] = 5000
	assert.Equal(t, 2000, c.Categories[0])
	assert.Equal(t, "tt0076759", n.FullImdbID())
}

func TestNormalized_DefaultsType(t *testing.T) {
	n := (&SearchCriteria{Query: "x"}).Normalized()
	assert.Equal(t, SearchTypeBasic, n.Type)
}

func TestEpisodeSearchString(t *testing.T) {
	tests := []struct {
		name string
		tv   *TVParams
		want string
	}{
		{"season and episode", &TVParams{Season: 1, Episode: "2"}, "S01E02"},
		{"season only", &TVParams{Season: 3}, "S03"},
		{"daily", &TVParams{Season: 2024, Episode: "01/15"}, "2024.01.15"},
		{"no season", &TVParams{Episode: "4"}, ""},
		{"non numeric episode", &TVParams{Season: 1, Episode: "SP1"}, "S01ESP1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &SearchCriteria{Type: SearchTypeTV, TV: tt.tv}
			assert.Equal(t, tt.want, c.EpisodeSearchString())
		})
	}
}

func TestParseSearchType(t *testing.T) {
	st, err := ParseSearchType("TVSearch")
	require.NoError(t, err)
	assert.Equal(t, SearchTypeTV, st)

	st, err = ParseSearchType("")
	require.NoError(t, err)
	assert.Equal(t, SearchTypeBasic, st)

	_, err = ParseSearchType("nope")
	assert.Error(t, err)
}

func TestSanitizedSearchTerm(t *testing.T) {
	c := &SearchCriteria{Query: "Star Wars: Episode IV!*"}
	assert.Equal(t, "Star Wars Episode IV", c.SanitizedSearchTerm())
}

func TestRequestChain(t *testing.T) {
	chain := NewRequestChain()
	assert.True(t, chain.Empty())

	chain.Add()
	assert.True(t, chain.Empty())
	assert.Equal(t, 1, chain.Len())

	chain.Add(&IndexerRequest{HTTP: NewGetRequest("http://a")}, &IndexerRequest{HTTP: NewGetRequest("http://b")})
	assert.False(t, chain.Empty())
	assert.Len(t, chain.Requests(), 2)
	assert.Equal(t, "http://a", chain.Requests()[0].HTTP.URL)
}

func TestCheckResponseStatus(t *testing.T) {
	def := &IndexerDefinition{ID: 1, Name: "test"}

	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"ok", 200, func(err error) bool { return err == nil }},
		{"redirect", 302, func(err error) bool { return err == nil }},
		{"rate limited", 429, IsRequestLimitError},
		{"forbidden", 403, IsAuthError},
		{"server error", 500, IsAuthError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &IndexerResponse{HTTP: &HTTPResponse{StatusCode: tt.status}}
			assert.True(t, tt.check(CheckResponseStatus(def, resp)))
		})
	}
}
