package torznab

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slipstream/indexhub/internal/indexer/category"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string       `xml:"title"`
	Link        string       `xml:"link"`
	GUID        string       `xml:"guid"`
	Comments    string       `xml:"comments"`
	Description string       `xml:"description"`
	PubDate     string       `xml:"pubDate"`
	Size        int64        `xml:"size"`
	Categories  []string     `xml:"category"`
	Enclosure   rssEnclosure `xml:"enclosure"`
	Attrs       []attr       `xml:"attr"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

// attr matches both torznab:attr and newznab:attr elements.
type attr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type errorDocument struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

// ParseResponse converts an RSS response into releases in feed order.
func (ix *Indexer) ParseResponse(resp *types.IndexerResponse) ([]*types.ReleaseInfo, error) {
	if err := ix.checkError(resp); err != nil {
		return nil, err
	}

	body := bytes.TrimSpace(resp.HTTP.Body)
	if len(body) == 0 || resp.IsHTML() {
		return nil, nil
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, types.NewParseError(ix.def.ID, ix.def.Name, "invalid rss response", err)
	}

	caps := ix.Capabilities()
	releases := make([]*types.ReleaseInfo, 0, len(feed.Channel.Items))
	for i := range feed.Channel.Items {
		if r := ix.parseItem(&feed.Channel.Items[i], caps.Categories); r != nil {
			releases = append(releases, r)
		}
	}
	return releases, nil
}

// checkError classifies HTTP failures and error documents.
func (ix *Indexer) checkError(resp *types.IndexerResponse) error {
	if err := types.CheckResponseStatus(ix.def, resp); err != nil {
		// Newznab servers report errors with a 4xx and an error document.
		if apiErr := ix.errorDocument(resp.HTTP); apiErr != nil {
			return apiErr
		}
		return err
	}
	return ix.errorDocument(resp.HTTP)
}

// errorDocument maps a newznab error document to an indexer error. Request
// limit errors keep the response so Retry-After reaches the backoff.
func (ix *Indexer) errorDocument(resp *types.HTTPResponse) error {
	trimmed := bytes.TrimSpace(resp.Body)
	if !bytes.Contains(trimmed[:min(len(trimmed), 256)], []byte("<error")) {
		return nil
	}

	var doc errorDocument
	if err := xml.Unmarshal(trimmed, &doc); err != nil {
		return nil
	}

	msg := fmt.Sprintf("indexer error %d: %s", doc.Code, doc.Description)
	switch {
	case doc.Code >= 100 && doc.Code <= 199:
		return types.NewAuthError(ix.def.ID, ix.def.Name, msg, nil)
	case doc.Code == http.StatusTooManyRequests,
		doc.Code == 500 && strings.Contains(doc.Description, "Request limit reached"):
		return types.NewRequestLimitError(ix.def.ID, ix.def.Name, resp)
	default:
		return types.NewSearchError(ix.def.ID, ix.def.Name, msg, nil)
	}
}

func (ix *Indexer) parseItem(item *rssItem, cats *category.Map) *types.ReleaseInfo {
	r := &types.ReleaseInfo{
		Title:       strings.TrimSpace(item.Title),
		Description: item.Description,
		InfoURL:     item.Comments,
		Size:        item.Size,
		PublishDate: parseDate(item.PubDate),
		IndexerID:   ix.def.ID,
		IndexerName: ix.def.Name,
		Protocol:    ix.def.Protocol,
	}
	if r.Protocol == "" {
		r.Protocol = inferProtocol(item.Enclosure.Type)
	}

	switch {
	case item.Enclosure.URL != "":
		r.DownloadURL = item.Enclosure.URL
	default:
		r.DownloadURL = item.Link
	}
	if r.Size == 0 {
		r.Size = item.Enclosure.Length
	}

	var (
		native []string
		tor    = &types.TorrentAttributes{DownloadVolumeFactor: 1, UploadVolumeFactor: 1}
		usenet = &types.UsenetAttributes{}
		peers    = -1
		leechers = -1
	)
	native = append(native, item.Categories...)

	for _, a := range item.Attrs {
		v := strings.TrimSpace(a.Value)
		switch strings.ToLower(a.Name) {
		case "size":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				r.Size = n
			}
		case "category":
			native = append(native, v)
		case "seeders":
			tor.Seeders = atoi(v)
		case "peers":
			peers = atoi(v)
		case "leechers":
			leechers = atoi(v)
		case "infohash":
			tor.InfoHash = strings.ToUpper(v)
		case "magneturl":
			r.MagnetURL = v
		case "imdb", "imdbid":
			r.ImdbID = types.NormalizeImdbID(v)
		case "tmdbid":
			r.TmdbID = atoi(v)
		case "tvdbid":
			r.TvdbID = atoi(v)
		case "tvmazeid":
			r.TvMazeID = atoi(v)
		case "downloadvolumefactor":
			tor.DownloadVolumeFactor = atof(v, 1)
		case "uploadvolumefactor":
			tor.UploadVolumeFactor = atof(v, 1)
		case "minimumratio":
			tor.MinimumRatio = atof(v, 0)
		case "minimumseedtime":
			tor.MinimumSeedTime = int64(atoi(v))
		case "grabs":
			r.Grabs = atoi(v)
		case "files":
			r.Files = atoi(v)
		case "poster":
			usenet.Poster = v
		case "group":
			usenet.Group = v
		case "coverurl":
			r.PosterURL = v
		case "genre":
			for _, g := range strings.Split(v, ",") {
				if g = strings.TrimSpace(g); g != "" {
					r.Genres = append(r.Genres, g)
				}
			}
		case "tag":
			r.Flags = append(r.Flags, strings.ToLower(v))
		case "usenetdate":
			if d := parseDate(v); !d.IsZero() {
				r.PublishDate = d
			}
		}
	}

	if r.Title == "" || (r.DownloadURL == "" && r.MagnetURL == "") {
		return nil
	}
	if r.DownloadURL == "" {
		r.DownloadURL = r.MagnetURL
	}

	r.GUID = strings.TrimSpace(item.GUID)
	if r.GUID == "" {
		r.GUID = r.DownloadURL
	}
	r.Categories = mapCategories(cats, native)

	if r.Protocol == types.ProtocolTorrent {
		switch {
		case peers >= 0:
			tor.Peers = peers
		case leechers >= 0:
			tor.Peers = tor.Seeders + leechers
		}
		if tor.DownloadVolumeFactor == 0 && !r.HasFlag("freeleech") {
			r.Flags = append(r.Flags, "freeleech")
		}
		r.Torrent = tor
	} else if usenet.Poster != "" || usenet.Group != "" {
		r.Usenet = usenet
	}
	return r
}

// mapCategories resolves native ids through the capabilities map and falls
// back to the standard taxonomy for ids the map does not know.
func mapCategories(m *category.Map, native []string) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, n := range native {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		mapped := m.MapTrackerCategoryToCanonical(n)
		if len(mapped) > 0 {
			for _, id := range category.IDs(mapped) {
				add(id)
			}
			continue
		}
		if id, err := strconv.Atoi(n); err == nil {
			if std := category.ByID(id); std != nil {
				add(std.ID)
			}
		}
	}
	return out
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC1123Z,
		time.RFC1123,
		time.RFC3339,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func inferProtocol(enclosureType string) types.Protocol {
	if enclosureType == "application/x-nzb" {
		return types.ProtocolUsenet
	}
	return types.ProtocolTorrent
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}
