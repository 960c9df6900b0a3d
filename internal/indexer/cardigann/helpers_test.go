package cardigann

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/indexer/types"
)

const testDefinitionYAML = `
id: testtracker
name: Test Tracker
description: A private test tracker
language: en-US
type: private
links:
  - https://tracker.example/
legacylinks:
  - https://old.tracker.example/
caps:
  categorymappings:
    - {id: 1, cat: Movies, default: true}
    - {id: 2, cat: Movies/HD}
    - {id: 5, cat: TV}
  modes:
    search: [q]
    movie-search: [q, imdbid]
    tv-search: [q, season, ep]
settings:
  - {name: username, type: text, label: Username}
  - {name: password, type: password, label: Password}
  - {name: freeleech, type: checkbox, label: Freeleech only, default: false}
  - name: sort
    type: select
    label: Sort
    default: "0"
    options:
      added: Added
      seeders: Seeders
login:
  path: login.php
  method: post
  inputs:
    username: "{{ .Config.username }}"
    password: "{{ .Config.password }}"
  error:
    - selector: div.error
  test:
    path: index.php
    selector: a[href="logout.php"]
search:
  paths:
    - path: browse.php
  inputs:
    $raw: "{{ range .Categories }}c{{ . }}=1&{{ end }}"
    search: "{{ .Keywords }}"
    sort: "{{ .Config.sort }}"
    free: "{{ if .Config.freeleech }}1{{ end }}"
  error:
    - selector: div.search-error
  rows:
    selector: table.torrents > tbody > tr
  fields:
    category:
      selector: a[href^="browse.php?cat="]
      attribute: href
      filters:
        - name: querystring
          args: cat
    title:
      selector: a.title
    details:
      selector: a.title
      attribute: href
    download:
      selector: a[href^="download.php"]
      attribute: href
    size:
      selector: td.size
    seeders:
      selector: td.seeders
    leechers:
      selector: td.leechers
    date:
      selector: td.date
      filters:
        - name: dateparse
          args: "2006-01-02 15:04"
    imdbid:
      selector: a[href*="imdb.com/title/"]
      attribute: href
    description:
      text: "{{ .Result.title }} ({{ .Result.size }})"
    downloadvolumefactor:
      case:
        img.freeleech: 0
        "*": 1
    uploadvolumefactor:
      text: "1"
`

const testResultsHTML = `<html><body>
<a href="logout.php">Logout</a>
<table class="torrents"><tbody>
<tr>
  <td><a href="browse.php?cat=2">HD</a></td>
  <td><a class="title" href="details.php?id=10">The Matrix 1999 1080p</a> <img class="freeleech"/></td>
  <td><a href="download.php?id=10">DL</a></td>
  <td><a href="https://www.imdb.com/title/tt0133093/">IMDb</a></td>
  <td class="size">8.5 GB</td>
  <td class="seeders">1,234</td>
  <td class="leechers">10</td>
  <td class="date">2024-03-01 10:00</td>
</tr>
<tr>
  <td><a href="browse.php?cat=1">Movies</a></td>
  <td><a class="title" href="details.php?id=11">The Matrix Reloaded</a></td>
  <td><a href="download.php?id=11">DL</a></td>
  <td class="size">700 MB</td>
  <td class="seeders">5</td>
  <td class="leechers">1</td>
  <td class="date">2024-03-02 11:30</td>
</tr>
<tr>
  <td><a href="browse.php?cat=1">Movies</a></td>
  <td>broken row without title or link</td>
</tr>
</tbody></table>
</body></html>`

// fakeClient serves requests from a handler and records them.
type fakeClient struct {
	mu       sync.Mutex
	handler  func(req *types.HTTPRequest) (*types.HTTPResponse, error)
	requests []*types.HTTPRequest
}

func (c *fakeClient) Execute(_ context.Context, req *types.HTTPRequest) (*types.HTTPResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.handler(req)
}

func (c *fakeClient) calls() []*types.HTTPRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.HTTPRequest(nil), c.requests...)
}

func htmlResponse(status int, body string) *types.HTTPResponse {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &types.HTTPResponse{StatusCode: status, Headers: h, Body: []byte(body)}
}

// memoryCookies is an in-memory CookieStore.
type memoryCookies struct {
	mu      sync.Mutex
	cookies map[int64]string
}

func newMemoryCookies() *memoryCookies {
	return &memoryCookies{cookies: make(map[int64]string)}
}

func (m *memoryCookies) GetCookies(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cookies[id], nil
}

func (m *memoryCookies) SaveCookies(_ context.Context, id int64, cookies string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cookies[id] = cookies
	return nil
}

func (m *memoryCookies) ClearCookies(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cookies, id)
	return nil
}

func testIndexerDefinition(t *testing.T, settings map[string]any) *types.IndexerDefinition {
	t.Helper()
	raw, err := json.Marshal(settings)
	require.NoError(t, err)
	return &types.IndexerDefinition{
		ID:             7,
		Name:           "Test Tracker",
		Implementation: types.ImplementationCardigann,
		DefinitionID:   "testtracker",
		Protocol:       types.ProtocolTorrent,
		Priority:       types.DefaultPriority,
		Enabled:        true,
		SupportsSearch: true,
		Settings:       raw,
	}
}

func newTestIndexer(t *testing.T, yamlDoc string, settings map[string]any, cookies CookieStore) *Indexer {
	t.Helper()
	def, err := ParseDefinition([]byte(yamlDoc))
	require.NoError(t, err)

	ix, err := New(def, testIndexerDefinition(t, settings), Options{
		Engine:  NewEngine(64),
		Cookies: cookies,
		Clock:   clockwork.NewFakeClockAt(testNow),
		Logger:  zerolog.New(zerolog.NewTestWriter(t)),
	})
	require.NoError(t, err)
	return ix
}

func defaultTestSettings() map[string]any {
	return map[string]any{"username": "alice", "password": "secret"}
}
