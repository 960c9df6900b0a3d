package cardigann

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Repository downloads definitions from a remote definitions server.
type Repository struct {
	httpClient *http.Client
	logger     zerolog.Logger
	config     RepositoryConfig
}

// RepositoryConfig contains configuration for the definition repository.
type RepositoryConfig struct {
	BaseURL        string        // Default: "https://indexers.prowlarr.com"
	Branch         string        // Default: "master"
	Version        string        // Default: "11"
	RequestTimeout time.Duration // Default: 60s
	UserAgent      string        // Default: "IndexHub/1.0"
	MaxRetries     uint64        // Default: 3
	RetryBase      time.Duration // Default: 1s
}

// DefaultRepositoryConfig returns the default repository configuration.
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		BaseURL:        "https://indexers.prowlarr.com",
		Branch:         "master",
		Version:        "11",
		RequestTimeout: 60 * time.Second,
		UserAgent:      "IndexHub/1.0",
		MaxRetries:     3,
		RetryBase:      time.Second,
	}
}

// NewRepository creates a definition repository client.
func NewRepository(cfg RepositoryConfig, logger zerolog.Logger) *Repository {
	defaults := DefaultRepositoryConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Branch == "" {
		cfg.Branch = defaults.Branch
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = defaults.RetryBase
	}

	return &Repository{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger.With().Str("component", "definition-repository").Logger(),
		config:     cfg,
	}
}

func (r *Repository) buildURL(path string) string {
	return fmt.Sprintf("%s/%s/%s/%s", r.config.BaseURL, r.config.Branch, r.config.Version, path)
}

// fetch downloads url, retrying network failures and 5xx responses with
// exponential backoff.
func (r *Repository) fetch(ctx context.Context, url string) ([]byte, error) {
	backoff := retry.WithMaxRetries(r.config.MaxRetries, retry.NewExponential(r.config.RetryBase))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", r.config.UserAgent)

		resp, err := r.httpClient.Do(req)
		if err != nil {
			r.logger.Debug().Err(err).Str("url", url).Msg("Definition download failed, retrying")
			return retry.RetryableError(fmt.Errorf("failed to fetch %s: %w", url, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrDefinitionNotFound, url)
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read response: %w", err))
		}
		return nil
	})
	return body, err
}

// FetchDefinitionRaw downloads the YAML of a single definition.
func (r *Repository) FetchDefinitionRaw(ctx context.Context, id string) ([]byte, error) {
	r.logger.Debug().Str("id", id).Msg("Fetching definition")
	return r.fetch(ctx, r.buildURL(id))
}

// FetchDefinition downloads and parses a single definition.
func (r *Repository) FetchDefinition(ctx context.Context, id string) (*Definition, error) {
	data, err := r.FetchDefinitionRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	return def, nil
}

// FetchPackage downloads the ZIP package of all definitions and returns the
// raw YAML by definition id.
func (r *Repository) FetchPackage(ctx context.Context) (map[string][]byte, error) {
	url := r.buildURL("package.zip")
	r.logger.Info().Str("url", url).Str("version", r.config.Version).Msg("Fetching definition package")

	data, err := r.fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch package: %w", err)
	}

	definitions, err := extractPackage(data, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to extract package: %w", err)
	}
	r.logger.Info().Int("count", len(definitions)).Msg("Extracted definitions from package")
	return definitions, nil
}

func extractPackage(data []byte, logger zerolog.Logger) (map[string][]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP: %w", err)
	}

	definitions := make(map[string][]byte)
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		id, ok := definitionFileID(filepath.Base(file.Name))
		if !ok {
			continue
		}

		content, err := readZipFile(file)
		if err != nil {
			logger.Warn().Str("file", file.Name).Err(err).Msg("Failed to read file in ZIP")
			continue
		}
		definitions[id] = content
	}
	if len(definitions) == 0 {
		return nil, errors.New("package contains no definitions")
	}
	return definitions, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Config returns the repository configuration.
func (r *Repository) Config() RepositoryConfig {
	return r.config
}
