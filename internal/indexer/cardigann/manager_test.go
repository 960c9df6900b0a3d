package cardigann

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/watcher"
)

type managerFixture struct {
	manager   *Manager
	clock     *clockwork.FakeClock
	downloads *atomic.Int32
}

func newTestManager(t *testing.T) *managerFixture {
	t.Helper()
	pkg := buildPackage(t, map[string][]byte{
		"alpha.yml":       minimalDefinition("alpha", "Alpha", "public"),
		"beta.yml":        minimalDefinition("beta", "Beta Movies", "private"),
		"testtracker.yml": []byte(testDefinitionYAML),
	})
	downloads := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		_, _ = w.Write(pkg)
	}))
	t.Cleanup(srv.Close)

	root := t.TempDir()
	clock := clockwork.NewFakeClockAt(testNow)
	m, err := NewManager(ManagerConfig{
		Repository: RepositoryConfig{BaseURL: srv.URL, MaxRetries: 1, RetryBase: time.Millisecond},
		Cache: CacheConfig{
			DefinitionsDir: filepath.Join(root, "definitions"),
			CustomDir:      filepath.Join(root, "custom"),
		},
		AutoUpdate:     true,
		UpdateInterval: 24 * time.Hour,
	}, newMemoryCookies(), clock, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &managerFixture{manager: m, clock: clock, downloads: downloads}
}

func TestManager_UpdateDefinitions(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()

	var changed atomic.Int32
	f.manager.OnDefinitionChanged(func(string) { changed.Add(1) })

	require.NoError(t, f.manager.UpdateDefinitions(ctx, false))
	assert.Equal(t, int32(1), f.downloads.Load())
	assert.Equal(t, int32(3), changed.Load())
	assert.Equal(t, testNow, f.manager.LastUpdate())
	assert.False(t, f.manager.NeedsUpdate())

	// within the interval nothing is downloaded unless forced
	require.NoError(t, f.manager.UpdateDefinitions(ctx, false))
	assert.Equal(t, int32(1), f.downloads.Load())
	require.NoError(t, f.manager.UpdateDefinitions(ctx, true))
	assert.Equal(t, int32(2), f.downloads.Load())

	f.clock.Advance(25 * time.Hour)
	assert.True(t, f.manager.NeedsUpdate())
	require.NoError(t, f.manager.UpdateDefinitions(ctx, false))
	assert.Equal(t, int32(3), f.downloads.Load())

	data, err := os.ReadFile(filepath.Join(f.manager.Cache().DefinitionsDir(), lastUpdateFileName))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(25*time.Hour).Format(time.RFC3339), string(data))
}

func TestManager_InitializeLoadsLastUpdate(t *testing.T) {
	f := newTestManager(t)
	dir := f.manager.Cache().DefinitionsDir()
	last := testNow.Add(-time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, lastUpdateFileName), []byte(last.Format(time.RFC3339)), 0o600))

	require.NoError(t, f.manager.Initialize(context.Background()))
	assert.Equal(t, int32(0), f.downloads.Load(), "recent definitions are not downloaded again")
	assert.True(t, last.Equal(f.manager.LastUpdate()))
}

func TestManager_SearchDefinitions(t *testing.T) {
	f := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, f.manager.UpdateDefinitions(ctx, true))

	all, err := f.manager.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tests := []struct {
		name    string
		query   string
		filters DefinitionFilters
		want    []string
	}{
		{"everything", "", DefinitionFilters{}, []string{"alpha", "beta", "testtracker"}},
		{"by name", "movies", DefinitionFilters{}, []string{"beta"}},
		{"by description", "private test", DefinitionFilters{}, []string{"testtracker"}},
		{"by privacy", "", DefinitionFilters{Privacy: "private"}, []string{"beta", "testtracker"}},
		{"by language", "", DefinitionFilters{Language: "EN-us"}, []string{"alpha", "beta", "testtracker"}},
		{"no match", "nothing", DefinitionFilters{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.manager.SearchDefinitions(ctx, tt.query, tt.filters)
			require.NoError(t, err)
			var ids []string
			for _, m := range got {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestManager_NewIndexer(t *testing.T) {
	f := newTestManager(t)
	require.NoError(t, f.manager.UpdateDefinitions(context.Background(), true))

	ix, err := f.manager.NewIndexer(testIndexerDefinition(t, defaultTestSettings()))
	require.NoError(t, err)
	assert.Equal(t, "https://tracker.example/", ix.SiteLink())

	missing := testIndexerDefinition(t, nil)
	missing.DefinitionID = "nope"
	_, err = f.manager.NewIndexer(missing)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

}

func TestManager_HandleFileEventsInvalidatesCustom(t *testing.T) {
	f := newTestManager(t)
	cache := f.manager.Cache()
	require.NoError(t, cache.StoreCustom("alpha", minimalDefinition("alpha", "Alpha", "public")))

	path := filepath.Join(cache.CustomDir(), "alpha.yml")
	require.NoError(t, os.WriteFile(path, minimalDefinition("alpha", "Alpha v2", "public"), 0o600))

	var changed []string
	f.manager.OnDefinitionChanged(func(id string) { changed = append(changed, id) })
	f.manager.handleFileEvents([]watcher.Change{
		{Path: path, Op: watcher.OpChanged},
		{Path: filepath.Join(cache.CustomDir(), "notes.txt"), Op: watcher.OpChanged},
	})

	assert.Equal(t, []string{"alpha"}, changed)
	def, err := f.manager.GetDefinition("alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha v2", def.Name)
}
