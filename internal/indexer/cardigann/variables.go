package cardigann

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

// secretSettings are never written to logs.
var secretSettings = []string{"password", "apikey", "rsskey", "cookie", "passkey"}

func isSecretSetting(s SettingsField) bool {
	return s.Type == "password" || slices.Contains(secretSettings, strings.ToLower(s.Name))
}

// resolveSiteLink picks the base URL: the configured one unless it is a
// legacy link of the definition, else the first link. The result ends with "/".
func resolveSiteLink(def *Definition, configured string) string {
	link := def.GetBaseURL()
	if configured != "" && !slices.Contains(def.LegacyLinks, configured) {
		link = configured
	}
	if link != "" && !strings.HasSuffix(link, "/") {
		link += "/"
	}
	return link
}

// baseVariables returns the variables available to every template: site link,
// booleans, today's year and one ".Config.<name>" entry per setting.
func (ix *Indexer) baseVariables() (Variables, error) {
	ix.mu.RLock()
	settings, siteLink := ix.settings, ix.siteLink
	ix.mu.RUnlock()

	vars := Variables{
		".Config.sitelink": siteLink,
		".True":            "True",
		".False":           nil,
		".Today.Year":      strconv.Itoa(ix.clock.Now().Year()),
	}

	for _, setting := range ix.def.Settings {
		name := ".Config." + setting.Name
		raw, ok := settings[setting.Name]
		if !ok || raw == nil {
			raw = setting.Default
		}

		switch setting.Type {
		case "text", "password", "info":
			vars[name] = settingString(raw)
		case "checkbox":
			if settingBool(raw) {
				vars[name] = "True"
			} else {
				vars[name] = nil
			}
		case "select":
			value, err := selectOption(setting, raw)
			if err != nil {
				return nil, fmt.Errorf("setting %s: %w", setting.Name, err)
			}
			vars[name] = value
		default:
			// info_* and captcha fields carry no value
			continue
		}

		if !isSecretSetting(setting) {
			ix.logger.Trace().Str("setting", setting.Name).Interface("value", vars[name]).Msg("Populated config variable")
		}
	}
	return vars, nil
}

func settingString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func settingBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	case float64:
		return val != 0
	default:
		return false
	}
}

// selectOption resolves a select setting. Stored values are indexes into the
// options sorted by key; a stored option key is accepted as well.
func selectOption(setting SettingsField, raw any) (string, error) {
	keys := make([]string, 0, len(setting.Options))
	for k := range setting.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return settingString(raw), nil
	}

	var idx int
	switch val := raw.(type) {
	case float64:
		idx = int(val)
	case int:
		idx = val
	case string:
		if slices.Contains(keys, val) {
			return val, nil
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return "", fmt.Errorf("unknown option %q", val)
		}
		idx = n
	default:
		idx = 0
	}
	if idx < 0 || idx >= len(keys) {
		return "", fmt.Errorf("option index %d out of range", idx)
	}
	return keys[idx], nil
}

// queryVariables adds the ".Query.*" variables derived from the criteria.
func queryVariables(vars Variables, c *types.SearchCriteria) {
	cats := make([]string, len(c.Categories))
	for i, id := range c.Categories {
		cats[i] = strconv.Itoa(id)
	}

	vars[".Query.Type"] = string(c.Type)
	vars[".Query.Q"] = c.Query
	vars[".Query.Categories"] = cats
	vars[".Query.Limit"] = intOrNil(c.Limit)
	vars[".Query.Offset"] = intOrNil(c.Offset)
	vars[".Query.Extended"] = nil
	vars[".Query.APIKey"] = nil

	for _, key := range []string{
		"Movie", "Year", "IMDBID", "IMDBIDShort", "TMDBID", "TraktID", "Genre",
		"Series", "Ep", "Season", "TVDBID", "TVRageID", "TVMazeID", "Episode",
		"Album", "Artist", "Label", "Track", "Author", "Title", "Publisher",
	} {
		vars[".Query."+key] = nil
	}

	vars[".Query.Year"] = intOrNil(c.Year())
	switch c.Type {
	case types.SearchTypeMovie:
		if m := c.Movie; m != nil {
			vars[".Query.IMDBID"] = strOrNil(c.FullImdbID())
			vars[".Query.IMDBIDShort"] = strOrNil(m.ImdbID)
			vars[".Query.TMDBID"] = intOrNil(m.TmdbID)
			vars[".Query.TraktID"] = intOrNil(m.TraktID)
			vars[".Query.Genre"] = strOrNil(m.Genre)
		}
	case types.SearchTypeTV:
		if tv := c.TV; tv != nil {
			vars[".Query.Ep"] = strOrNil(tv.Episode)
			vars[".Query.Season"] = intOrNil(tv.Season)
			vars[".Query.IMDBID"] = strOrNil(c.FullImdbID())
			vars[".Query.IMDBIDShort"] = strOrNil(tv.ImdbID)
			vars[".Query.TVDBID"] = intOrNil(tv.TvdbID)
			vars[".Query.TVRageID"] = intOrNil(tv.RageID)
			vars[".Query.TVMazeID"] = intOrNil(tv.TvMazeID)
			vars[".Query.TraktID"] = intOrNil(tv.TraktID)
			vars[".Query.Episode"] = strOrNil(c.EpisodeSearchString())
		}
	case types.SearchTypeMusic:
		if m := c.Music; m != nil {
			vars[".Query.Album"] = strOrNil(m.Album)
			vars[".Query.Artist"] = strOrNil(m.Artist)
			vars[".Query.Label"] = strOrNil(m.Label)
			vars[".Query.Track"] = strOrNil(m.Track)
		}
	case types.SearchTypeBook:
		if b := c.Book; b != nil {
			vars[".Query.Author"] = strOrNil(b.Author)
			vars[".Query.Title"] = strOrNil(b.Title)
			vars[".Query.Publisher"] = strOrNil(b.Publisher)
		}
	}

	var tokens []string
	for _, key := range []string{"Q", "Series", "Movie", "Year", "Episode"} {
		if v := strings.TrimSpace(vars.String(".Query." + key)); v != "" {
			tokens = append(tokens, v)
		}
	}
	vars[".Query.Keywords"] = strings.Join(tokens, " ")
}

func intOrNil(n int) any {
	if n == 0 {
		return nil
	}
	return strconv.Itoa(n)
}

func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
