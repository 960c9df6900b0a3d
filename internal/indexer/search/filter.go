package search

import (
	"slices"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/category"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

const day = 24 * time.Hour

// filterReleases drops releases outside the requested categories, age and
// size. Releases without categories are kept. Order is preserved.
func filterReleases(releases []*types.ReleaseInfo, caps *types.Capabilities, c *types.SearchCriteria, now time.Time) []*types.ReleaseInfo {
	if len(releases) == 0 {
		return releases
	}

	var expanded []int
	if len(c.Categories) > 0 && caps != nil && caps.Categories != nil {
		expanded = caps.Categories.ExpandQueryCategories(c.Categories, false)
	}

	out := releases[:0:0]
	for _, r := range releases {
		if len(expanded) > 0 && len(r.Categories) > 0 && !matchesCategory(expanded, r.Categories) {
			continue
		}
		if c.MinAge > 0 && r.PublishDate.After(now.Add(-time.Duration(c.MinAge)*day)) {
			continue
		}
		if c.MaxAge > 0 && r.PublishDate.Before(now.Add(-time.Duration(c.MaxAge)*day)) {
			continue
		}
		if c.MinSize > 0 && r.Size < c.MinSize {
			continue
		}
		if c.MaxSize > 0 && r.Size > c.MaxSize {
			continue
		}
		out = append(out, r)
	}
	return out
}

// matchesCategory reports whether any release category is wanted, either
// directly or through its standard parent.
func matchesCategory(wanted, cats []int) bool {
	for _, id := range cats {
		if slices.Contains(wanted, id) {
			return true
		}
		if id < category.CustomOffset && slices.Contains(wanted, id-id%1000) {
			return true
		}
	}
	return false
}
