package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

func TestFilterReleases(t *testing.T) {
	caps := testCapabilities(1)
	releases := []*types.ReleaseInfo{
		{Title: "movie hd", Categories: []int{2040}, PublishDate: testNow.Add(-2 * day), Size: 5000},
		{Title: "tv", Categories: []int{5000}, PublishDate: testNow.Add(-2 * day), Size: 5000},
		{Title: "uncategorized", PublishDate: testNow.Add(-10 * day), Size: 100},
		{Title: "movie uhd", Categories: []int{2045}, PublishDate: testNow.Add(-400 * day), Size: 90000},
		{Title: "custom", Categories: []int{100001}, PublishDate: testNow.Add(-time.Hour), Size: 10},
	}

	titles := func(rs []*types.ReleaseInfo) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.Title
		}
		return out
	}

	tests := []struct {
		name     string
		criteria types.SearchCriteria
		want     []string
	}{
		{"no filters", types.SearchCriteria{}, []string{"movie hd", "tv", "uncategorized", "movie uhd", "custom"}},
		{"parent category covers children", types.SearchCriteria{Categories: []int{2000}}, []string{"movie hd", "uncategorized", "movie uhd"}},
		{"child category", types.SearchCriteria{Categories: []int{5000}}, []string{"tv", "uncategorized"}},
		{"min age", types.SearchCriteria{MinAge: 5}, []string{"uncategorized", "movie uhd"}},
		{"max age", types.SearchCriteria{MaxAge: 5}, []string{"movie hd", "tv", "custom"}},
		{"min size", types.SearchCriteria{MinSize: 1000}, []string{"movie hd", "tv", "movie uhd"}},
		{"max size", types.SearchCriteria{MaxSize: 1000}, []string{"uncategorized", "custom"}},
		{"combined", types.SearchCriteria{Categories: []int{2000}, MaxAge: 30, MinSize: 1000}, []string{"movie hd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterReleases(releases, caps, &tt.criteria, testNow)
			assert.Equal(t, tt.want, titles(got))
		})
	}
	assert.Len(t, releases, 5, "the input slice is not modified")
}

func TestFilterReleases_Empty(t *testing.T) {
	assert.Empty(t, filterReleases(nil, nil, &types.SearchCriteria{MinSize: 1}, testNow))
}
