package cardigann

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	fileExtYML  = ".yml"
	fileExtYAML = ".yaml"
)

// ErrDefinitionNotFound is returned when no file exists for a definition id.
var ErrDefinitionNotFound = errors.New("definition not found")

// DefinitionMetadata summarizes a definition without its search blocks.
type DefinitionMetadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"` // public, private, semi-private
	Language    string `json:"language"`
	Custom      bool   `json:"custom"`
}

func metadataOf(def *Definition, custom bool) *DefinitionMetadata {
	return &DefinitionMetadata{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Type:        def.GetPrivacy(),
		Language:    def.Language,
		Custom:      custom,
	}
}

// Cache loads definitions from the definitions directory and the custom
// directory, which takes precedence. Parsed definitions are kept in an LRU.
type Cache struct {
	definitionsDir string
	customDir      string
	parsed         *lru.Cache[string, *cachedDefinition]
	logger         zerolog.Logger

	mu       sync.RWMutex
	metadata map[string]*DefinitionMetadata
}

type cachedDefinition struct {
	def      *Definition
	filePath string
	custom   bool
}

// CacheConfig contains configuration for the definition cache.
type CacheConfig struct {
	DefinitionsDir string // Default: "./data/definitions"
	CustomDir      string // Default: "./data/definitions/custom"
	Size           int    // Parsed definitions kept in memory. Default: 512
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DefinitionsDir: "./data/definitions",
		CustomDir:      "./data/definitions/custom",
		Size:           512,
	}
}

// NewCache creates the directories if needed and returns an empty cache.
func NewCache(cfg CacheConfig, logger zerolog.Logger) (*Cache, error) {
	defaults := DefaultCacheConfig()
	if cfg.DefinitionsDir == "" {
		cfg.DefinitionsDir = defaults.DefinitionsDir
	}
	if cfg.CustomDir == "" {
		cfg.CustomDir = defaults.CustomDir
	}
	if cfg.Size <= 0 {
		cfg.Size = defaults.Size
	}

	for _, dir := range []string{cfg.DefinitionsDir, cfg.CustomDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create definitions directory: %w", err)
		}
	}

	parsed, err := lru.New[string, *cachedDefinition](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}

	return &Cache{
		definitionsDir: cfg.DefinitionsDir,
		customDir:      cfg.CustomDir,
		parsed:         parsed,
		metadata:       make(map[string]*DefinitionMetadata),
		logger:         logger.With().Str("component", "definition-cache").Logger(),
	}, nil
}

// Get returns the definition with the given id.
func (c *Cache) Get(id string) (*Definition, error) {
	if cached, ok := c.parsed.Get(id); ok {
		return cached.def, nil
	}

	cached, err := c.loadFromDisk(id)
	if err != nil {
		return nil, err
	}
	c.parsed.Add(id, cached)

	c.mu.Lock()
	c.metadata[id] = metadataOf(cached.def, cached.custom)
	c.mu.Unlock()
	return cached.def, nil
}

// GetMetadata returns the summary of a definition.
func (c *Cache) GetMetadata(id string) (*DefinitionMetadata, error) {
	c.mu.RLock()
	meta, ok := c.metadata[id]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}
	if _, err := c.Get(id); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata[id], nil
}

// List parses every definition file and returns their summaries sorted by
// id. Custom definitions shadow standard ones with the same id.
func (c *Cache) List(ctx context.Context) ([]*DefinitionMetadata, error) {
	custom, err := definitionIDs(c.customDir)
	if err != nil {
		return nil, err
	}
	standard, err := definitionIDs(c.definitionsDir)
	if err != nil {
		return nil, err
	}
	ids := append(custom, standard...)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	metas := make([]*DefinitionMetadata, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			meta, err := c.GetMetadata(id)
			if err != nil {
				c.logger.Warn().Err(err).Str("id", id).Msg("Failed to load definition")
				return nil
			}
			metas[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.DeleteFunc(metas, func(m *DefinitionMetadata) bool { return m == nil }), nil
}

// definitionIDs lists the ids of the YAML files in dir.
func definitionIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := definitionFileID(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// definitionFileID returns the id of a definition file name.
func definitionFileID(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != fileExtYML && ext != fileExtYAML {
		return "", false
	}
	return strings.TrimSuffix(name, filepath.Ext(name)), true
}

// IsDefinitionFile reports whether name looks like a definition file.
func IsDefinitionFile(name string) bool {
	_, ok := definitionFileID(name)
	return ok
}

// Store validates and writes a standard definition.
func (c *Cache) Store(id string, data []byte) error {
	return c.store(id, data, false)
}

// StoreCustom validates and writes a custom definition.
func (c *Cache) StoreCustom(id string, data []byte) error {
	return c.store(id, data, true)
}

func (c *Cache) store(id string, data []byte, custom bool) error {
	def, err := ParseDefinition(data)
	if err != nil {
		return fmt.Errorf("invalid definition %s: %w", id, err)
	}

	dir := c.definitionsDir
	if custom {
		dir = c.customDir
	}
	filePath := filepath.Join(dir, id+fileExtYML)
	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write definition: %w", err)
	}

	// a custom file keeps shadowing the standard one
	if !custom && c.IsCustom(id) {
		c.logger.Debug().Str("id", id).Msg("Stored definition is shadowed by a custom definition")
		return nil
	}

	c.parsed.Add(id, &cachedDefinition{def: def, filePath: filePath, custom: custom})
	c.mu.Lock()
	c.metadata[id] = metadataOf(def, custom)
	c.mu.Unlock()

	c.logger.Debug().Str("id", id).Str("path", filePath).Bool("custom", custom).Msg("Stored definition")
	return nil
}

// StoreAll stores standard definitions and returns how many were stored.
func (c *Cache) StoreAll(definitions map[string][]byte) int {
	stored, failed := 0, 0
	for id, data := range definitions {
		if err := c.Store(id, data); err != nil {
			c.logger.Warn().Str("id", id).Err(err).Msg("Failed to store definition")
			failed++
			continue
		}
		stored++
	}
	c.logger.Info().Int("stored", stored).Int("failed", failed).Msg("Stored definitions from package")
	return stored
}

// Delete removes a definition from memory and disk.
func (c *Cache) Delete(id string) error {
	cached, err := c.loadFromDisk(id)
	c.Invalidate(id)
	if err != nil {
		if errors.Is(err, ErrDefinitionNotFound) {
			return nil
		}
		return err
	}
	if err := os.Remove(cached.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete definition file: %w", err)
	}
	return nil
}

// Invalidate drops a definition from memory so the next Get reads it again.
func (c *Cache) Invalidate(id string) {
	c.parsed.Remove(id)
	c.mu.Lock()
	delete(c.metadata, id)
	c.mu.Unlock()
}

// Clear drops every definition from memory, keeping the files.
func (c *Cache) Clear() {
	c.parsed.Purge()
	c.mu.Lock()
	c.metadata = make(map[string]*DefinitionMetadata)
	c.mu.Unlock()
	c.logger.Debug().Msg("Cleared definition cache")
}

// Exists reports whether a file exists for the definition.
func (c *Cache) Exists(id string) bool {
	if c.parsed.Contains(id) {
		return true
	}
	return c.findFile(c.customDir, id) != "" || c.findFile(c.definitionsDir, id) != ""
}

// IsCustom reports whether the definition comes from the custom directory.
func (c *Cache) IsCustom(id string) bool {
	return c.findFile(c.customDir, id) != ""
}

// DefinitionsDir returns the standard definitions directory.
func (c *Cache) DefinitionsDir() string { return c.definitionsDir }

// CustomDir returns the custom definitions directory.
func (c *Cache) CustomDir() string { return c.customDir }

func (c *Cache) findFile(dir, id string) string {
	for _, ext := range []string{fileExtYML, fileExtYAML} {
		p := filepath.Join(dir, id+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Cache) loadFromDisk(id string) (*cachedDefinition, error) {
	custom := true
	filePath := c.findFile(c.customDir, id)
	if filePath == "" {
		custom = false
		filePath = c.findFile(c.definitionsDir, id)
	}
	if filePath == "" {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}

	def, err := ParseDefinitionFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", id, err)
	}
	return &cachedDefinition{def: def, filePath: filePath, custom: custom}, nil
}
