package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer/search"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

func TestSearchOptions_Criteria(t *testing.T) {
	so := &searchOptions{searchType: "tv", imdbID: "tt0944947", season: 2, episode: "4", indexers: []int64{3}}
	c, err := so.criteria([]string{"game of thrones"})
	require.NoError(t, err)

	assert.Equal(t, types.SearchTypeTV, c.Type)
	assert.Equal(t, "game of thrones", c.Query)
	assert.True(t, c.Interactive, "naming indexers makes the search interactive")
	require.NotNil(t, c.TV)
	assert.Equal(t, 2, c.TV.Season)
	assert.Equal(t, "4", c.TV.Episode)

	_, err = (&searchOptions{searchType: "lyrics"}).criteria(nil)
	assert.Error(t, err)
}

func TestRenderResult(t *testing.T) {
	result := &search.Result{
		Releases: []*types.ReleaseInfo{
			{Title: "Ubuntu 24.04 Desktop", IndexerName: "Linux Tracker", Size: 6 << 30, PublishDate: time.Now().Add(-48 * time.Hour), Torrent: &types.TorrentAttributes{Seeders: 120}},
			{Title: "Ubuntu 24.04 Server", IndexerName: "Linux Tracker", Size: 2 << 30},
		},
		Total: 2,
		Indexers: []*search.IndexerQuery{
			{IndexerName: "Linux Tracker", Outcome: search.OutcomeSuccess, Count: 2, Requests: 1},
			{IndexerName: "Down Tracker", Outcome: search.OutcomeSkipped, Skipped: search.SkipBlocked},
		},
	}

	var out bytes.Buffer
	renderResult(&out, result, 1)

	assert.Contains(t, out.String(), "Ubuntu 24.04 Desktop")
	assert.NotContains(t, out.String(), "Ubuntu 24.04 Server", "rows past the limit are not printed")
	assert.Contains(t, out.String(), "120")
	assert.Contains(t, out.String(), search.SkipBlocked)
}

func TestRootCommand_Version(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "indexhub")
}
