package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/crypto"
	"github.com/slipstream/indexhub/internal/indexer/cardigann"
	"github.com/slipstream/indexhub/internal/indexer/types"
)

var (
	ErrIndexerNotFound    = errors.New("indexer not found")
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrInvalidIndexer     = errors.New("invalid indexer configuration")
)

// DefinitionSource resolves Cardigann definitions by id.
type DefinitionSource interface {
	GetDefinition(id string) (*cardigann.Definition, error)
}

// ChangeKind describes an indexer configuration change.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is published after an indexer row was written.
type Change struct {
	Kind    ChangeKind
	Indexer *types.IndexerDefinition
}

// Service persists configured indexers.
type Service struct {
	db          *sql.DB
	definitions DefinitionSource
	secrets     *crypto.SecretStore
	clock       clockwork.Clock
	logger      zerolog.Logger

	mu        sync.RWMutex
	listeners []func(Change)
}

// NewService creates a new indexer service. secrets may be nil, in which case
// settings are stored in clear text.
func NewService(db *sql.DB, definitions DefinitionSource, secrets *crypto.SecretStore, clock clockwork.Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		db:          db,
		definitions: definitions,
		secrets:     secrets,
		clock:       clock,
		logger:      logger.With().Str("component", "indexer").Logger(),
	}
}

// OnChange registers fn to be called after every create, update and delete.
func (s *Service) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) publish(kind ChangeKind, def *types.IndexerDefinition) {
	s.mu.RLock()
	listeners := append([]func(Change){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(Change{Kind: kind, Indexer: def})
	}
}

const selectColumns = `id, name, implementation, definition_id, base_url, protocol, privacy,
	supports_search, supports_rss, priority, enabled, query_limit, settings, created_at, updated_at`

// Get retrieves an indexer by ID.
func (s *Service) Get(ctx context.Context, id int64) (*types.IndexerDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM indexers WHERE id = ?`, id)
	def, err := s.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIndexerNotFound
		}
		return nil, fmt.Errorf("failed to get indexer: %w", err)
	}
	return def, nil
}

// List returns all indexers ordered by priority, then name.
func (s *Service) List(ctx context.Context) ([]*types.IndexerDefinition, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM indexers ORDER BY priority, name`)
}

// ListEnabled returns all enabled indexers ordered by priority, then name.
func (s *Service) ListEnabled(ctx context.Context) ([]*types.IndexerDefinition, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM indexers WHERE enabled = 1 ORDER BY priority, name`)
}

// ListIDs returns the ids of all configured indexers.
func (s *Service) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM indexers`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexer ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan indexer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the total number of indexers.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM indexers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count indexers: %w", err)
	}
	return n, nil
}

func (s *Service) query(ctx context.Context, q string, args ...any) ([]*types.IndexerDefinition, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexers: %w", err)
	}
	defer rows.Close()

	var out []*types.IndexerDefinition
	for rows.Next() {
		def, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indexer: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Service) scan(row scanner) (*types.IndexerDefinition, error) {
	var (
		def                  types.IndexerDefinition
		protocol, privacy    string
		search, rss, enabled bool
		settings             string
	)
	if err := row.Scan(&def.ID, &def.Name, &def.Implementation, &def.DefinitionID, &def.BaseURL,
		&protocol, &privacy, &search, &rss, &def.Priority, &enabled, &def.QueryLimit, &settings,
		&def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Protocol = types.Protocol(protocol)
	def.Privacy = types.Privacy(privacy)
	def.SupportsSearch = search
	def.SupportsRSS = rss
	def.Enabled = enabled

	raw := json.RawMessage(settings)
	if s.secrets != nil {
		opened, err := s.secrets.OpenSettings(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt settings of indexer %d: %w", def.ID, err)
		}
		raw = opened
	}
	def.Settings = raw
	return &def, nil
}

// CreateIndexerInput is the input for creating a new indexer.
type CreateIndexerInput struct {
	Name           string          `json:"name"`
	Implementation string          `json:"implementation"`
	DefinitionID   string          `json:"definitionId,omitempty"`
	BaseURL        string          `json:"baseUrl,omitempty"`
	Protocol       types.Protocol  `json:"protocol,omitempty"`
	Settings       json.RawMessage `json:"settings,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	QueryLimit     int             `json:"queryLimit,omitempty"`
}

// UpdateIndexerInput is the input for updating an indexer (all fields optional for partial updates).
type UpdateIndexerInput struct {
	Name       *string         `json:"name,omitempty"`
	BaseURL    *string         `json:"baseUrl,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	Priority   *int            `json:"priority,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	QueryLimit *int            `json:"queryLimit,omitempty"`
}

// Create creates a new indexer.
func (s *Service) Create(ctx context.Context, input *CreateIndexerInput) (*types.IndexerDefinition, error) {
	def := &types.IndexerDefinition{
		Name:           strings.TrimSpace(input.Name),
		Implementation: input.Implementation,
		DefinitionID:   input.DefinitionID,
		BaseURL:        input.BaseURL,
		Protocol:       input.Protocol,
		Priority:       input.Priority,
		Enabled:        optBool(input.Enabled, true),
		QueryLimit:     input.QueryLimit,
		Settings:       input.Settings,
	}
	if def.Priority == 0 {
		def.Priority = types.DefaultPriority
	}
	if err := s.describe(def); err != nil {
		return nil, err
	}

	settings, err := s.sealSettings(def.Settings)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO indexers (name, implementation, definition_id, base_url, protocol, privacy,
			supports_search, supports_rss, priority, enabled, query_limit, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.Name, def.Implementation, def.DefinitionID, def.BaseURL, string(def.Protocol), string(def.Privacy),
		def.SupportsSearch, def.SupportsRSS, def.Priority, def.Enabled, def.QueryLimit, settings, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: name %q already exists", ErrInvalidIndexer, def.Name)
		}
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}
	if def.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read indexer id: %w", err)
	}
	def.CreatedAt, def.UpdatedAt = now, now

	s.logger.Info().Int64("indexerId", def.ID).Str("name", def.Name).
		Str("implementation", def.Implementation).Str("definition", def.DefinitionID).
		RawJSON("settings", crypto.RedactSettings(def.Settings)).
		Msg("Created indexer")
	s.publish(ChangeCreated, def)
	return def, nil
}

// Update updates an existing indexer with partial update support.
func (s *Service) Update(ctx context.Context, id int64, input *UpdateIndexerInput) (*types.IndexerDefinition, error) {
	def, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	def.Name = strings.TrimSpace(optStr(input.Name, def.Name))
	def.BaseURL = optStr(input.BaseURL, def.BaseURL)
	def.Priority = optInt(input.Priority, def.Priority)
	def.Enabled = optBool(input.Enabled, def.Enabled)
	def.QueryLimit = optInt(input.QueryLimit, def.QueryLimit)
	if input.Settings != nil {
		def.Settings = input.Settings
	}
	if err := s.describe(def); err != nil {
		return nil, err
	}

	settings, err := s.sealSettings(def.Settings)
	if err != nil {
		return nil, err
	}

	def.UpdatedAt = s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE indexers SET name = ?, base_url = ?, protocol = ?, privacy = ?, supports_search = ?,
			supports_rss = ?, priority = ?, enabled = ?, query_limit = ?, settings = ?, updated_at = ?
		WHERE id = ?`,
		def.Name, def.BaseURL, string(def.Protocol), string(def.Privacy), def.SupportsSearch,
		def.SupportsRSS, def.Priority, def.Enabled, def.QueryLimit, settings, def.UpdatedAt, id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: name %q already exists", ErrInvalidIndexer, def.Name)
		}
		return nil, fmt.Errorf("failed to update indexer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrIndexerNotFound
	}

	s.logger.Info().Int64("indexerId", id).Str("name", def.Name).Msg("Updated indexer")
	s.publish(ChangeUpdated, def)
	return def, nil
}

// Delete deletes an indexer. Its status row goes with it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	def, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM indexers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete indexer: %w", err)
	}

	s.logger.Info().Int64("indexerId", id).Str("name", def.Name).Msg("Deleted indexer")
	s.publish(ChangeDeleted, def)
	return nil
}

// describe validates def and fills the fields implied by its implementation.
func (s *Service) describe(def *types.IndexerDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidIndexer)
	}
	if def.QueryLimit < 0 {
		return fmt.Errorf("%w: query limit must not be negative", ErrInvalidIndexer)
	}
	if len(def.Settings) == 0 {
		def.Settings = json.RawMessage("{}")
	} else if !json.Valid(def.Settings) {
		return fmt.Errorf("%w: settings must be valid JSON", ErrInvalidIndexer)
	}

	switch def.Implementation {
	case types.ImplementationCardigann:
		if def.DefinitionID == "" {
			return fmt.Errorf("%w: definition ID is required", ErrInvalidIndexer)
		}
		if s.definitions == nil {
			return fmt.Errorf("%w: %s", ErrDefinitionNotFound, def.DefinitionID)
		}
		cd, err := s.definitions.GetDefinition(def.DefinitionID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrDefinitionNotFound, def.DefinitionID)
		}
		// definition driven indexers are torrent trackers
		def.Protocol = types.ProtocolTorrent
		def.Privacy = types.Privacy(cd.GetPrivacy())
		def.SupportsSearch = cd.SupportsSearch("search")
		def.SupportsRSS = true
	case types.ImplementationTorznab, types.ImplementationNewznab:
		def.DefinitionID = ""
		if def.Protocol == "" {
			def.Protocol = types.ProtocolTorrent
			if def.Implementation == types.ImplementationNewznab {
				def.Protocol = types.ProtocolUsenet
			}
		}
		if def.Privacy == "" {
			def.Privacy = types.PrivacyPrivate
		}
		def.SupportsSearch = true
		def.SupportsRSS = true
	default:
		return fmt.Errorf("%w: unknown implementation %q", ErrInvalidIndexer, def.Implementation)
	}

	if def.Protocol != types.ProtocolTorrent && def.Protocol != types.ProtocolUsenet {
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidIndexer, def.Protocol)
	}
	return nil
}

func (s *Service) sealSettings(raw json.RawMessage) (string, error) {
	if s.secrets == nil {
		return string(raw), nil
	}
	sealed, err := s.secrets.SealSettings(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt settings: %w", err)
	}
	return string(sealed), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func optBool(ptr *bool, defaultVal bool) bool {
	if ptr != nil {
		return *ptr
	}
	return defaultVal
}

func optStr(ptr *string, defaultVal string) string {
	if ptr != nil {
		return *ptr
	}
	return defaultVal
}

func optInt(ptr *int, defaultVal int) int {
	if ptr != nil {
		return *ptr
	}
	return defaultVal
}
