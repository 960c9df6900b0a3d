package torznab

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

const torznabFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
  <channel>
    <title>Test</title>
    <item>
      <title>The.Matrix.1999.1080p.BluRay</title>
      <guid>https://idx.example/details/1</guid>
      <comments>https://idx.example/details/1</comments>
      <pubDate>Fri, 01 Mar 2024 10:00:00 +0000</pubDate>
      <enclosure url="https://idx.example/dl/1.torrent" length="9126805504" type="application/x-bittorrent"/>
      <torznab:attr name="category" value="2040"/>
      <torznab:attr name="seeders" value="120"/>
      <torznab:attr name="peers" value="130"/>
      <torznab:attr name="infohash" value="aaaabbbbccccddddeeeeffff0000111122223333"/>
      <torznab:attr name="imdbid" value="tt0133093"/>
      <torznab:attr name="downloadvolumefactor" value="0"/>
      <torznab:attr name="uploadvolumefactor" value="2"/>
      <torznab:attr name="minimumratio" value="1.5"/>
      <torznab:attr name="grabs" value="42"/>
    </item>
    <item>
      <title>No Link</title>
    </item>
    <item>
      <title>Magnet Only</title>
      <torznab:attr name="magneturl" value="magnet:?xt=urn:btih:1111"/>
      <torznab:attr name="category" value="5000"/>
      <torznab:attr name="seeders" value="3"/>
      <torznab:attr name="leechers" value="2"/>
    </item>
  </channel>
</rss>`

func rssResponse(ix *Indexer, status int, body string) *types.IndexerResponse {
	h := http.Header{}
	h.Set("Content-Type", "application/rss+xml")
	return &types.IndexerResponse{
		HTTP:       &types.HTTPResponse{StatusCode: status, Headers: h, Body: []byte(body)},
		Definition: ix.Definition(),
	}
}

func TestParseResponse_Torznab(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example"}`)

	releases, err := ix.ParseResponse(rssResponse(ix, http.StatusOK, torznabFeed))
	require.NoError(t, err)
	require.Len(t, releases, 2, "items without a link are skipped")

	first := releases[0]
	assert.Equal(t, "The.Matrix.1999.1080p.BluRay", first.Title)
	assert.Equal(t, "https://idx.example/details/1", first.GUID)
	assert.Equal(t, "https://idx.example/dl/1.torrent", first.DownloadURL)
	assert.Equal(t, int64(9126805504), first.Size)
	assert.Equal(t, []int{2040}, first.Categories)
	assert.Equal(t, "0133093", first.ImdbID)
	assert.Equal(t, 42, first.Grabs)
	assert.True(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Equal(first.PublishDate))
	assert.Equal(t, types.ProtocolTorrent, first.Protocol)
	assert.Equal(t, int64(3), first.IndexerID)
	require.NotNil(t, first.Torrent)
	assert.Equal(t, 120, first.Torrent.Seeders)
	assert.Equal(t, 130, first.Torrent.Peers)
	assert.Equal(t, "AAAABBBBCCCCDDDDEEEEFFFF0000111122223333", first.Torrent.InfoHash)
	assert.Equal(t, float64(0), first.Torrent.DownloadVolumeFactor)
	assert.Equal(t, float64(2), first.Torrent.UploadVolumeFactor)
	assert.Equal(t, 1.5, first.Torrent.MinimumRatio)
	assert.True(t, first.HasFlag("freeleech"))

	magnet := releases[1]
	assert.Equal(t, "magnet:?xt=urn:btih:1111", magnet.DownloadURL)
	assert.Equal(t, magnet.DownloadURL, magnet.GUID)
	assert.Equal(t, []int{5000}, magnet.Categories)
	assert.Equal(t, 5, magnet.Torrent.Peers, "peers derive from seeders plus leechers")
	assert.Equal(t, float64(1), magnet.Torrent.DownloadVolumeFactor)
}

const newznabFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:newznab="http://www.newznab.com/DTD/2010/feeds/attributes/">
  <channel>
    <item>
      <title>Some.Show.S01E02.720p</title>
      <guid isPermaLink="false">abc123</guid>
      <link>https://nzb.example/getnzb/abc123</link>
      <pubDate>Sat, 02 Mar 2024 08:30:00 +0000</pubDate>
      <enclosure url="https://nzb.example/getnzb/abc123.nzb" length="1000" type="application/x-nzb"/>
      <newznab:attr name="category" value="5000"/>
      <newznab:attr name="category" value="5040"/>
      <newznab:attr name="size" value="2000"/>
      <newznab:attr name="tvdbid" value="81189"/>
      <newznab:attr name="poster" value="poster@example.com"/>
      <newznab:attr name="group" value="alt.binaries.teevee"/>
      <newznab:attr name="genre" value="Drama, Crime"/>
    </item>
  </channel>
</rss>`

func TestParseResponse_Newznab(t *testing.T) {
	def := testDefinition(`{"baseUrl":"https://nzb.example"}`)
	def.Implementation = types.ImplementationNewznab
	def.Protocol = types.ProtocolUsenet
	ix, err := New(def, testLogger(t))
	require.NoError(t, err)

	releases, err := ix.ParseResponse(rssResponse(ix, http.StatusOK, newznabFeed))
	require.NoError(t, err)
	require.Len(t, releases, 1)

	r := releases[0]
	assert.Equal(t, "abc123", r.GUID)
	assert.Equal(t, "https://nzb.example/getnzb/abc123.nzb", r.DownloadURL)
	assert.Equal(t, int64(2000), r.Size, "size attr wins over the enclosure length")
	assert.Equal(t, []int{5000, 5040}, r.Categories)
	assert.Equal(t, 81189, r.TvdbID)
	assert.Equal(t, []string{"Drama", "Crime"}, r.Genres)
	assert.Equal(t, types.ProtocolUsenet, r.Protocol)
	assert.Nil(t, r.Torrent)
	require.NotNil(t, r.Usenet)
	assert.Equal(t, "alt.binaries.teevee", r.Usenet.Group)
}

func TestParseResponse_EmptyAndHTML(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example"}`)

	releases, err := ix.ParseResponse(rssResponse(ix, http.StatusOK, ""))
	require.NoError(t, err)
	assert.Empty(t, releases)

	resp := rssResponse(ix, http.StatusOK, "<html><body>maintenance</body></html>")
	resp.HTTP.Headers.Set("Content-Type", "text/html")
	releases, err = ix.ParseResponse(resp)
	require.NoError(t, err)
	assert.Empty(t, releases)

	_, err = ix.ParseResponse(rssResponse(ix, http.StatusOK, "<rss><channel><item>"))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeParse, types.GetErrorCode(err))
}

func TestParseResponse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"bad api key", http.StatusOK, `<?xml version="1.0"?><error code="100" description="Incorrect user credentials"/>`, types.ErrCodeAuthentication},
		{"account suspended", http.StatusOK, `<error code="101" description="Account suspended"/>`, types.ErrCodeAuthentication},
		{"api limit", http.StatusOK, `<error code="500" description="Request limit reached"/>`, types.ErrCodeRequestLimit},
		{"api limit 429", http.StatusOK, `<error code="429" description="Too many requests"/>`, types.ErrCodeRequestLimit},
		{"other error", http.StatusOK, `<error code="201" description="Incorrect parameter"/>`, types.ErrCodeSearch},
		{"error with 4xx", http.StatusBadRequest, `<error code="203" description="Function not available"/>`, types.ErrCodeSearch},
		{"http 429", http.StatusTooManyRequests, "", types.ErrCodeRequestLimit},
		{"http 401", http.StatusUnauthorized, "", types.ErrCodeAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := newTestIndexer(t, `{"baseUrl":"https://idx.example"}`)
			releases, err := ix.ParseResponse(rssResponse(ix, tt.status, tt.body))
			require.Error(t, err)
			assert.Nil(t, releases)
			assert.Equal(t, tt.wantCode, types.GetErrorCode(err))

			if tt.wantCode == types.ErrCodeRequestLimit {
				var ie *types.IndexerError
				require.ErrorAs(t, err, &ie)
				require.NotNil(t, ie.Response, "request limit errors carry the response")
				assert.Equal(t, tt.status, ie.Response.StatusCode)
			}
		})
	}
}

func TestParseResponse_RequestLimitRetryAfter(t *testing.T) {
	ix := newTestIndexer(t, `{"baseUrl":"https://idx.example"}`)
	resp := rssResponse(ix, http.StatusOK, `<error code="500" description="Request limit reached"/>`)
	resp.HTTP.Headers.Set("Retry-After", "7200")

	_, err := ix.ParseResponse(resp)
	var ie *types.IndexerError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, types.ErrCodeRequestLimit, ie.Code)
	assert.Equal(t, 2*time.Hour, ie.RetryAfter)
}
