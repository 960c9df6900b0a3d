package cardigann

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/slipstream/indexhub/internal/indexer/category"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

// optionalFields never fail a row when their selector matches nothing.
var optionalFields = []string{
	"imdb", "imdbid", "tmdbid", "rageid", "tvdbid", "tvmazeid", "traktid",
	"doubanid", "poster", "banner", "description", "genre",
}

// maxPeerCount caps seeders and leechers; larger values are site glitches.
const maxPeerCount = 5000000

type fieldSpec struct {
	name      string
	modifiers []string
	block     *SelectorBlock
}

func (f fieldSpec) optional() bool {
	return f.block.Optional || slices.Contains(f.modifiers, "optional") || slices.Contains(optionalFields, f.name)
}

func (f fieldSpec) has(modifier string) bool {
	return slices.Contains(f.modifiers, modifier)
}

// parseFieldSpecs splits field keys into name and modifiers. Fields that
// reference ".Result." values run after all others, keeping document order
// within each pass.
func parseFieldSpecs(fields FieldList) []fieldSpec {
	first := make([]fieldSpec, 0, len(fields))
	var second []fieldSpec
	for i := range fields {
		parts := strings.Split(fields[i].Name, "|")
		f := fieldSpec{name: parts[0], modifiers: parts[1:], block: &fields[i].Block}
		if referencesResult(f.block) {
			second = append(second, f)
		} else {
			first = append(first, f)
		}
	}
	return append(first, second...)
}

func referencesResult(b *SelectorBlock) bool {
	if b.Text != nil && strings.Contains(*b.Text, ".Result.") {
		return true
	}
	if strings.Contains(b.Selector, ".Result.") {
		return true
	}
	return slices.ContainsFunc(b.Filters, func(f FilterBlock) bool {
		return strings.Contains(fmt.Sprint(f.Args), ".Result.")
	})
}

// extractor evaluates a selector block against the current row.
type extractor func(block *SelectorBlock, required bool) (string, bool, error)

// ParseResponse turns a search response into releases in document order.
// Rows missing a required field are skipped.
func (ix *Indexer) ParseResponse(resp *types.IndexerResponse) ([]*types.ReleaseInfo, error) {
	def := ix.Definition()
	if resp.Request == nil || resp.Request.HTTP == nil || resp.HTTP == nil {
		return nil, types.NewParseError(def.ID, def.Name, "response has no request", nil)
	}

	if err := types.CheckResponseStatus(def, resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		if resp.HasRedirect() {
			target := resp.RedirectURL()
			if strings.Contains(strings.ToLower(target), "login") {
				ix.InvalidateSession()
				return nil, types.NewAuthError(def.ID, def.Name,
					"redirected to the login page, the session expired or the credentials are wrong", nil)
			}
			return nil, types.NewSearchError(def.ID, def.Name, "redirected to "+target+" from search request", nil)
		}
	}

	vars := Variables(resp.Request.Variables).Clone()
	if vars == nil {
		vars = Variables{}
	}
	searchURL, err := url.Parse(resp.Request.HTTP.URL)
	if err != nil {
		return nil, types.NewParseError(def.ID, def.Name, "invalid request URL", err)
	}
	path, _ := vars[searchPathVar].(*SearchPathBlock)

	var releases []*types.ReleaseInfo
	if resp.Request.ResponseType == "json" {
		releases, err = ix.parseJSONResponse(resp, path, vars, searchURL)
	} else {
		releases, err = ix.parseHTMLResponse(resp, vars, searchURL)
	}
	if err != nil {
		var ierr *types.IndexerError
		if errors.As(err, &ierr) {
			return nil, err
		}
		return nil, types.NewParseError(def.ID, def.Name, "failed to parse search response", err)
	}

	for _, f := range ix.def.Search.Rows.Filters {
		switch f.Name {
		case "andmatch":
			releases = filterByQueryTerms(releases, vars.String(".Query.Q"))
		case "strdump":
		default:
			ix.logger.Warn().Str("filter", f.Name).Msg("Unsupported rows filter")
		}
	}

	for _, r := range releases {
		ix.finishRelease(r, def)
	}
	ix.logger.Debug().Int("count", len(releases)).Msg("Parsed releases")
	return releases, nil
}

func (ix *Indexer) parseJSONResponse(resp *types.IndexerResponse, path *SearchPathBlock, vars Variables, base *url.URL) ([]*types.ReleaseInfo, error) {
	def := ix.Definition()
	search := &ix.def.Search
	body := resp.Content()

	if path != nil && path.Response != nil {
		msg := path.Response.NoResultsMessage
		if (msg != "" && strings.Contains(body, msg)) || strings.TrimSpace(body) == "" {
			return nil, nil
		}
	}

	if len(search.PreprocessingFilters) > 0 {
		filtered, err := ix.filterContext(vars).applyFilters(body, search.PreprocessingFilters)
		if err != nil {
			return nil, err
		}
		body = filtered
	}

	data, err := parseJSON([]byte(body))
	if err != nil {
		return nil, types.NewParseError(def.ID, def.Name, "failed to parse JSON response", err)
	}

	for _, block := range search.Error {
		if block.Selector == "" {
			continue
		}
		selected, ok := jsonMatches(data, strings.TrimLeft(block.Selector, "."))
		if !ok {
			continue
		}
		msg := jsonString(selected)
		if block.Message != nil {
			if v, found, err := ix.selectJSON(block.Message, data, vars, false); err == nil && found {
				msg = v
			}
		}
		return nil, types.NewSearchError(def.ID, def.Name, "indexer reported an error: "+msg, nil)
	}

	if search.Rows.Count != nil {
		if v, found, err := ix.selectJSON(search.Rows.Count, data, vars, false); err == nil && found {
			if n, err := strconv.Atoi(v); err == nil && n < 1 {
				return nil, nil
			}
		}
	}

	rowSelector, err := ix.engine.Render(search.Rows.Selector, vars, nil)
	if err != nil {
		return nil, err
	}
	rows, err := jsonRows(data, rowSelector)
	if err != nil {
		return nil, types.NewParseError(def.ID, def.Name, "failed to select rows", err)
	}

	fields := parseFieldSpecs(search.Fields)
	var releases []*types.ReleaseInfo
	for i, row := range rows {
		selected := row
		if search.Rows.Attribute != "" {
			v, ok := jsonSelect(row, search.Rows.Attribute)
			if !ok {
				if search.Rows.MissingAttributeEqualsNoResults {
					return nil, nil
				}
				ix.logger.Debug().Int("row", i).Str("attribute", search.Rows.Attribute).Msg("Row attribute missing, skipping")
				continue
			}
			selected = v
		}

		subRows := []any{selected}
		if search.Rows.Multiple {
			subRows = jsonValues(selected)
		}

		for _, sub := range subRows {
			extract := func(block *SelectorBlock, required bool) (string, bool, error) {
				parent := sub
				if strings.HasPrefix(block.Selector, "..") {
					parent = row
				}
				return ix.selectJSON(block, parent, vars, required)
			}
			release, err := ix.parseRow(fields, extract, vars, base)
			if err != nil {
				ix.logger.Debug().Err(err).Int("row", i).Msg("Skipping row")
				continue
			}
			if release != nil {
				releases = append(releases, release)
			}
		}
	}
	return releases, nil
}

// jsonValues lists the elements of an array or the values of an object.
func jsonValues(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case map[string]any:
		keys := sortedKeys(val)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, val[k])
		}
		return out
	default:
		return nil
	}
}

func (ix *Indexer) parseHTMLResponse(resp *types.IndexerResponse, vars Variables, base *url.URL) ([]*types.ReleaseInfo, error) {
	def := ix.Definition()
	search := &ix.def.Search
	body := resp.Content()

	if len(search.PreprocessingFilters) > 0 {
		filtered, err := ix.filterContext(vars).applyFilters(body, search.PreprocessingFilters)
		if err != nil {
			return nil, err
		}
		body = filtered
	}

	doc, err := parseHTML([]byte(body))
	if err != nil {
		return nil, types.NewParseError(def.ID, def.Name, "failed to parse HTML response", err)
	}

	if msg, ok := ix.matchErrorBlocks(doc, search.Error); ok {
		return nil, types.NewSearchError(def.ID, def.Name, "indexer reported an error: "+msg, nil)
	}

	if search.Rows.Count != nil {
		if v, found, err := ix.selectHTML(search.Rows.Count, doc.Selection, vars, false); err == nil && found {
			if n, err := parseInt(v); err == nil && n < 1 {
				return nil, nil
			}
		}
	}

	rowSelector, err := ix.engine.Render(search.Rows.Selector, vars, nil)
	if err != nil {
		return nil, err
	}
	matched := queryAll(doc.Selection, rowSelector)
	rows := make([]*goquery.Selection, 0, matched.Length())
	matched.Each(func(_ int, s *goquery.Selection) { rows = append(rows, s) })
	rows = mergeFollowingRows(rows, search.Rows.After)

	fields := parseFieldSpecs(search.Fields)
	var releases []*types.ReleaseInfo
	for i, row := range rows {
		extract := func(block *SelectorBlock, required bool) (string, bool, error) {
			return ix.selectHTML(block, row, vars, required)
		}
		release, err := ix.parseRow(fields, extract, vars, base)
		if err != nil {
			ix.logger.Debug().Err(err).Int("row", i).Msg("Skipping row")
			continue
		}
		if release == nil {
			continue
		}
		if slices.ContainsFunc(search.Rows.Filters, func(f FilterBlock) bool { return f.Name == "strdump" }) {
			html, _ := goquery.OuterHtml(row)
			ix.logger.Debug().Str("row", html).Msg("Row dump")
		}

		if release.PublishDate.IsZero() && search.Rows.DateHeaders != nil {
			value, found := ix.findDateHeader(row, vars)
			if !found && !search.Rows.DateHeaders.Optional {
				ix.logger.Debug().Str("title", release.Title).Msg("No date header row found, skipping")
				continue
			}
			if found {
				if t, err := parseReleaseDate(value, ix.clock.Now()); err == nil {
					release.PublishDate = t
				}
			}
		}
		releases = append(releases, release)
	}
	return releases, nil
}

// mergeFollowingRows appends the children of the next n rows to each row and
// drops the merged rows.
func mergeFollowingRows(rows []*goquery.Selection, n int) []*goquery.Selection {
	if n <= 0 {
		return rows
	}
	for i := 0; i < len(rows); i++ {
		end := min(i+1+n, len(rows))
		for _, next := range rows[i+1 : end] {
			rows[i].AppendSelection(next.Contents())
		}
		rows = append(rows[:i+1], rows[end:]...)
	}
	return rows
}

// findDateHeader walks back through previous siblings, then the parent's
// previous siblings, until the date header selector matches.
func (ix *Indexer) findDateHeader(row *goquery.Selection, vars Variables) (string, bool) {
	block := ix.def.Search.Rows.DateHeaders
	prev := previousRow(row)
	for prev.Length() > 0 {
		if v, found, err := ix.selectHTML(block, prev, vars, true); err == nil && found {
			return v, true
		}
		prev = previousRow(prev)
	}
	return "", false
}

func previousRow(s *goquery.Selection) *goquery.Selection {
	if prev := s.Prev(); prev.Length() > 0 {
		return prev
	}
	return s.Parent().Prev()
}

// parseRow extracts every field of one row. It returns an error when a
// required field cannot be extracted and nil when the row has no usable link.
func (ix *Indexer) parseRow(fields []fieldSpec, extract extractor, vars Variables, base *url.URL) (*types.ReleaseInfo, error) {
	b := newReleaseBuilder(ix, base)

	for _, f := range fields {
		key := ".Result." + f.name
		optional := f.optional()

		var (
			value string
			found bool
			err   error
		)
		if f.block.Default != nil {
			value, found, err = extract(f.block, false)
			if err == nil && (!found || value == "") {
				value, err = ix.engine.Render(*f.block.Default, vars, nil)
				found = err == nil
			}
		} else {
			value, found, err = extract(f.block, !optional)
		}

		if err != nil {
			if optional {
				vars[key] = nil
				continue
			}
			return nil, fmt.Errorf("field %s: %w", f.name, err)
		}
		if optional && (!found || strings.TrimSpace(value) == "") {
			vars[key] = nil
			continue
		}
		vars[key] = b.set(f, value)
	}

	release := b.build()
	if release.Title == "" {
		return nil, errors.New("release has no title")
	}
	if release.DownloadURL == "" && release.MagnetURL == "" {
		return nil, errors.New("release has no download link")
	}
	return release, nil
}

// releaseBuilder accumulates field values of one row.
type releaseBuilder struct {
	ix      *Indexer
	base    *url.URL
	release *types.ReleaseInfo
	torrent *types.TorrentAttributes
	peers   bool
}

func newReleaseBuilder(ix *Indexer, base *url.URL) *releaseBuilder {
	return &releaseBuilder{
		ix:      ix,
		base:    base,
		release: &types.ReleaseInfo{},
		torrent: &types.TorrentAttributes{DownloadVolumeFactor: 1, UploadVolumeFactor: 1},
	}
}

func (b *releaseBuilder) resolve(value string) string {
	ref, err := url.Parse(strings.TrimSpace(value))
	if err != nil || b.base == nil {
		return value
	}
	return b.base.ResolveReference(ref).String()
}

func (b *releaseBuilder) convertFailed(field, value string, err error) {
	b.ix.logger.Debug().Err(err).Str("field", field).Str("value", value).Msg("Failed to convert field value")
}

// set applies a field value and returns the value exposed as ".Result.<name>".
func (b *releaseBuilder) set(f fieldSpec, value string) any {
	r, t := b.release, b.torrent
	switch f.name {
	case "download":
		if value == "" {
			r.DownloadURL = ""
			return nil
		}
		if strings.HasPrefix(value, "magnet:") {
			r.MagnetURL = value
		} else {
			r.DownloadURL = b.resolve(value)
			value = r.DownloadURL
		}
		r.GUID = value
	case "magnet":
		r.MagnetURL = value
	case "infohash":
		t.InfoHash = value
	case "details":
		r.InfoURL = b.resolve(value)
		value = r.InfoURL
	case "comments":
		value = b.resolve(value)
		if r.InfoURL == "" {
			r.InfoURL = value
		}
	case "title":
		if f.has("append") {
			r.Title += value
		} else {
			r.Title = value
		}
		value = r.Title
	case "description":
		if f.has("append") {
			r.Description += value
		} else {
			r.Description = value
		}
		value = r.Description
	case "category", "categorydesc":
		var cats []*category.Category
		if f.name == "category" {
			cats = b.ix.Capabilities().Categories.MapTrackerCategoryToCanonical(value)
		} else {
			cats = b.ix.Capabilities().Categories.MapTrackerCategoryDescriptionToCanonical(value)
		}
		if len(cats) > 0 {
			ids := category.IDs(cats)
			if r.Categories == nil || f.has("noappend") {
				r.Categories = ids
			} else {
				for _, id := range ids {
					if !slices.Contains(r.Categories, id) {
						r.Categories = append(r.Categories, id)
					}
				}
			}
		}
		return joinInts(r.Categories)
	case "size":
		n, err := parseSize(value)
		if err != nil {
			b.convertFailed(f.name, value, err)
		}
		r.Size = n
		return strconv.FormatInt(n, 10)
	case "seeders", "leechers":
		n, err := parseInt(value)
		if err != nil {
			b.convertFailed(f.name, value, err)
		}
		if n >= maxPeerCount || n < 0 {
			n = 0
		}
		if f.name == "seeders" {
			t.Seeders = int(n)
		}
		t.Peers += int(n)
		b.peers = true
		return strconv.FormatInt(n, 10)
	case "date":
		d, err := parseReleaseDate(value, b.ix.clock.Now())
		if err != nil {
			b.convertFailed(f.name, value, err)
			return nil
		}
		r.PublishDate = d
		return d.Format(DateLayout)
	case "files", "grabs":
		n, err := parseInt(value)
		if err != nil {
			b.convertFailed(f.name, value, err)
		}
		if f.name == "files" {
			r.Files = int(n)
		} else {
			r.Grabs = int(n)
		}
		return strconv.FormatInt(n, 10)
	case "downloadvolumefactor", "uploadvolumefactor", "minimumratio":
		n, err := parseFloat(value)
		if err != nil {
			b.convertFailed(f.name, value, err)
			return nil
		}
		switch f.name {
		case "downloadvolumefactor":
			t.DownloadVolumeFactor = n
		case "uploadvolumefactor":
			t.UploadVolumeFactor = n
		default:
			t.MinimumRatio = n
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case "minimumseedtime":
		n, err := parseInt(value)
		if err != nil {
			b.convertFailed(f.name, value, err)
		}
		t.MinimumSeedTime = n
		return strconv.FormatInt(n, 10)
	case "imdb", "imdbid":
		r.ImdbID = types.NormalizeImdbID(digitRun.FindString(value))
		return r.ImdbID
	case "tmdbid":
		r.TmdbID = firstNumber(value)
		return strconv.Itoa(r.TmdbID)
	case "tvdbid":
		r.TvdbID = firstNumber(value)
		return strconv.Itoa(r.TvdbID)
	case "tvmazeid":
		r.TvMazeID = firstNumber(value)
		return strconv.Itoa(r.TvMazeID)
	case "rageid", "traktid", "doubanid":
		return strconv.Itoa(firstNumber(value))
	case "poster":
		if strings.TrimSpace(value) != "" {
			r.PosterURL = b.resolve(value)
		}
		return r.PosterURL
	case "genre":
		for _, g := range splitGenres(value) {
			if !slices.Contains(r.Genres, g) {
				r.Genres = append(r.Genres, g)
			}
		}
		return strings.Join(r.Genres, ", ")
	}
	return value
}

func (b *releaseBuilder) build() *types.ReleaseInfo {
	r := b.release
	if r.GUID == "" {
		r.GUID = r.MagnetURL
	}
	if r.GUID == "" {
		r.GUID = r.InfoURL
	}
	r.Torrent = b.torrent
	return r
}

// finishRelease attributes a release to the indexer and derives magnet link,
// info hash and flags.
func (ix *Indexer) finishRelease(r *types.ReleaseInfo, def *types.IndexerDefinition) {
	r.IndexerID = def.ID
	r.IndexerName = def.Name
	r.IndexerPriority = def.Priority
	r.Protocol = def.Protocol

	t := r.Torrent
	if t == nil {
		return
	}
	if r.MagnetURL == "" && t.InfoHash != "" && ix.def.GetPrivacy() != string(types.PrivacyPrivate) {
		r.MagnetURL = BuildMagnetLink(t.InfoHash, r.Title)
	}
	if r.MagnetURL != "" && t.InfoHash == "" {
		t.InfoHash = InfoHashFromMagnet(r.MagnetURL)
	}

	switch t.DownloadVolumeFactor {
	case 0:
		r.Flags = append(r.Flags, "freeleech")
	case 0.5:
		r.Flags = append(r.Flags, "halfleech")
	}
	if t.UploadVolumeFactor == 2 {
		r.Flags = append(r.Flags, "doubleupload")
	}
}

// filterByQueryTerms keeps releases whose title contains every query word.
func filterByQueryTerms(releases []*types.ReleaseInfo, query string) []*types.ReleaseInfo {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return releases
	}
	return slices.DeleteFunc(releases, func(r *types.ReleaseInfo) bool {
		title := strings.ToLower(r.Title)
		for _, term := range terms {
			if !strings.Contains(title, term) {
				return true
			}
		}
		return false
	})
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
