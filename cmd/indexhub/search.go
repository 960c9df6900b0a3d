package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/slipstream/indexhub/internal/api"
	"github.com/slipstream/indexhub/internal/indexer/search"
	"github.com/slipstream/indexhub/internal/indexer/types"
	"github.com/slipstream/indexhub/internal/logger"
)

const maxTitleWidth = 80

type searchOptions struct {
	searchType string
	categories []int
	indexers   []int64
	imdbID     string
	season     int
	episode    string
	limit      int
	asJSON     bool
}

func newSearchCommand(opts *rootOptions) *cobra.Command {
	so := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the configured indexers once and print the releases",
		Example: `  indexhub search "ubuntu 24.04"
  indexhub search --type movie --imdb tt0111161
  indexhub search --type tvsearch --season 1 --episode 3 "the expanse" --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria, err := so.criteria(args)
			if err != nil {
				return err
			}
			return opts.withServices(cmd.Context(), func(ctx context.Context, s *api.Services, _ *logger.Logger) error {
				if err := s.Tracker.Load(ctx); err != nil {
					return err
				}
				result, err := s.Search.Search(ctx, criteria)
				if result == nil {
					return err
				}
				if so.asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(result); encErr != nil {
						return encErr
					}
				} else {
					renderResult(cmd.OutOrStdout(), result, so.limit)
				}
				if errors.Is(err, search.ErrAllIndexersFailed) {
					return err
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&so.searchType, "type", "t", "search", "search type: search, movie, tvsearch, music, book")
	f.IntSliceVar(&so.categories, "categories", nil, "Newznab category ids")
	f.Int64SliceVar(&so.indexers, "indexer", nil, "restrict to indexer ids")
	f.StringVar(&so.imdbID, "imdb", "", "IMDb id (movie and tvsearch)")
	f.IntVar(&so.season, "season", 0, "season number (tvsearch)")
	f.StringVar(&so.episode, "episode", "", "episode (tvsearch)")
	f.IntVarP(&so.limit, "limit", "n", 50, "rows to print, 0 for all")
	f.BoolVar(&so.asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func (o *searchOptions) criteria(args []string) (*types.SearchCriteria, error) {
	st, err := types.ParseSearchType(o.searchType)
	if err != nil {
		return nil, err
	}
	c := &types.SearchCriteria{
		Type:        st,
		Categories:  o.categories,
		IndexerIDs:  o.indexers,
		Interactive: len(o.indexers) > 0,
		Source:      "cli",
	}
	if len(args) == 1 {
		c.Query = args[0]
	}
	switch st {
	case types.SearchTypeMovie:
		c.Movie = &types.MovieParams{ImdbID: o.imdbID}
	case types.SearchTypeTV:
		c.TV = &types.TVParams{ImdbID: o.imdbID, Season: o.season, Episode: o.episode}
	}
	return c, nil
}

func renderResult(w io.Writer, result *search.Result, limit int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: maxTitleWidth}})
	t.AppendHeader(table.Row{"#", "Title", "Indexer", "Size", "Age", "Seeders"})

	now := time.Now()
	for i, r := range result.Releases {
		if limit > 0 && i >= limit {
			break
		}
		seeders := ""
		if r.Torrent != nil {
			seeders = fmt.Sprint(r.Torrent.Seeders)
		}
		age := ""
		if !r.PublishDate.IsZero() {
			age = humanize.RelTime(r.PublishDate, now, "", "")
		}
		t.AppendRow(table.Row{i + 1, r.Title, r.IndexerName, humanize.Bytes(uint64(max(r.Size, 0))), age, seeders})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d releases in %dms", result.Total, result.ElapsedMs), "", "", "", ""})
	t.Render()

	q := table.NewWriter()
	q.SetOutputMirror(w)
	q.SetStyle(table.StyleLight)
	q.AppendHeader(table.Row{"Indexer", "Outcome", "Releases", "Requests", "Detail"})
	for _, iq := range result.Indexers {
		detail := iq.Error
		if iq.Skipped != "" {
			detail = iq.Skipped
		}
		q.AppendRow(table.Row{iq.IndexerName, iq.Outcome, iq.Count, iq.Requests, detail})
	}
	q.Render()
}
