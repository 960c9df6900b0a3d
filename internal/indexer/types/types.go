// Package types contains shared type definitions for indexer packages.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol represents the download protocol.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// Privacy represents indexer privacy level.
type Privacy string

const (
	PrivacyPublic      Privacy = "public"
	PrivacySemiPrivate Privacy = "semi-private"
	PrivacyPrivate     Privacy = "private"
)

// Implementation names accepted by the indexer registry.
const (
	ImplementationCardigann = "Cardigann"
	ImplementationTorznab   = "Torznab"
	ImplementationNewznab   = "Newznab"
)

// Wildcard indexer ids accepted by the aggregator.
const (
	AllUsenetIndexers  int64 = -1
	AllTorrentIndexers int64 = -2
)

// DefaultPriority is assigned to indexers created without an explicit priority.
const DefaultPriority = 25

// IndexerDefinition represents a configured indexer.
type IndexerDefinition struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Implementation string          `json:"implementation"`
	DefinitionID   string          `json:"definitionId,omitempty"` // Cardigann definition ID
	BaseURL        string          `json:"baseUrl,omitempty"`
	Protocol       Protocol        `json:"protocol"`
	Privacy        Privacy         `json:"privacy"`
	SupportsSearch bool            `json:"supportsSearch"`
	SupportsRSS    bool            `json:"supportsRss"`
	Priority       int             `json:"priority"`
	Enabled        bool            `json:"enabled"`
	QueryLimit     int             `json:"queryLimit,omitempty"` // queries per 24h, 0 = unlimited
	Settings       json.RawMessage `json:"settings,omitempty"`
	CreatedAt      time.Time       `json:"createdAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt,omitempty"`
}

// SettingsMap decodes the settings blob into a generic map.
func (d *IndexerDefinition) SettingsMap() (map[string]any, error) {
	out := make(map[string]any)
	if len(d.Settings) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(d.Settings, &out); err != nil {
		return nil, fmt.Errorf("failed to decode settings for indexer %d: %w", d.ID, err)
	}
	return out, nil
}

// SettingString returns a string setting, or "" when absent.
func (d *IndexerDefinition) SettingString(key string) string {
	m, err := d.SettingsMap()
	if err != nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ReleaseInfo represents a search result from an indexer.
// Values are built by parsers and treated as read-only afterwards.
type ReleaseInfo struct {
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
	MagnetURL   string    `json:"magnetUrl,omitempty"`
	InfoURL     string    `json:"infoUrl,omitempty"`
	PosterURL   string    `json:"posterUrl,omitempty"`
	Size        int64     `json:"size"`
	Files       int       `json:"files,omitempty"`
	Grabs       int       `json:"grabs,omitempty"`
	PublishDate time.Time `json:"publishDate"`
	Categories  []int     `json:"categories"`
	Genres      []string  `json:"genres,omitempty"`

	// Indexer info
	IndexerID       int64    `json:"indexerId"`
	IndexerName     string   `json:"indexer"`
	IndexerPriority int      `json:"indexerPriority"`
	Protocol        Protocol `json:"protocol"`

	// External IDs
	ImdbID   string `json:"imdbId,omitempty"` // canonical, without the tt prefix
	TmdbID   int    `json:"tmdbId,omitempty"`
	TvdbID   int    `json:"tvdbId,omitempty"`
	TvMazeID int    `json:"tvMazeId,omitempty"`

	Flags []string `json:"indexerFlags,omitempty"` // freeleech, halfleech, doubleupload, scene, internal

	Torrent *TorrentAttributes `json:"torrent,omitempty"`
	Usenet  *UsenetAttributes  `json:"usenet,omitempty"`
}

// TorrentAttributes holds torrent-specific release fields.
type TorrentAttributes struct {
	Seeders              int     `json:"seeders"`
	Peers                int     `json:"peers"`
	InfoHash             string  `json:"infoHash,omitempty"`
	MinimumRatio         float64 `json:"minimumRatio,omitempty"`
	MinimumSeedTime      int64   `json:"minimumSeedTime,omitempty"` // seconds
	DownloadVolumeFactor float64 `json:"downloadVolumeFactor"`      // 0 = freeleech
	UploadVolumeFactor   float64 `json:"uploadVolumeFactor"`        // 2 = double upload
}

// UsenetAttributes holds usenet-specific release fields.
type UsenetAttributes struct {
	Poster string `json:"poster,omitempty"`
	Group  string `json:"group,omitempty"`
}

// Age returns the release age relative to now.
func (r *ReleaseInfo) Age(now time.Time) time.Duration {
	if r.PublishDate.IsZero() {
		return 0
	}
	return now.Sub(r.PublishDate)
}

// HasFlag reports whether the release carries the named indexer flag.
func (r *ReleaseInfo) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IndexerStatus represents the failure state of an indexer.
type IndexerStatus struct {
	IndexerID         int64      `json:"indexerId"`
	InitialFailure    *time.Time `json:"initialFailure,omitempty"`
	MostRecentFailure *time.Time `json:"mostRecentFailure,omitempty"`
	EscalationLevel   int        `json:"escalationLevel"`
	DisabledTill      *time.Time `json:"disabledTill,omitempty"`
}

// IsDisabledAt reports whether the status blocks dispatch at the given instant.
func (s *IndexerStatus) IsDisabledAt(now time.Time) bool {
	return s != nil && s.DisabledTill != nil && now.Before(*s.DisabledTill)
}

// Clone returns a deep copy of the status.
func (s *IndexerStatus) Clone() *IndexerStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.InitialFailure = cloneTime(s.InitialFailure)
	c.MostRecentFailure = cloneTime(s.MostRecentFailure)
	c.DisabledTill = cloneTime(s.DisabledTill)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
