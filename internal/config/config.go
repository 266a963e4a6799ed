package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kbharvest/internal/model"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "data"
	defaultMaxConcurrentTasks = 3
	defaultPageSize           = 50
	defaultRetryAttempts      = 3
	defaultRetryBackoff       = 500 * time.Millisecond
	defaultEnrichConcurrency  = 4
	defaultEnrichDelay        = time.Second
	defaultMaxAttachmentSize  = 50 << 20
)

// Config describes runtime configuration for the service. It is constructed
// once at startup and passed into the engine and its collaborators; there is
// no global instance.
type Config struct {
	Port               int                `yaml:"port"`
	DataDir            string             `yaml:"data_dir"`
	MaxConcurrentTasks int                `yaml:"max_concurrent_tasks"`
	FlattenOutput      bool               `yaml:"flatten_output"`
	Source             SourceConfig       `yaml:"source"`
	Filter             model.FilterConfig `yaml:"attachment_filter"`
	Enrich             EnrichConfig       `yaml:"enrichment"`
}

// SourceConfig points at the remote document systems.
type SourceConfig struct {
	WikiBaseURL    string `yaml:"wiki_base_url"`
	IssueBaseURL   string `yaml:"issue_base_url"`
	PageSize       int    `yaml:"page_size"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryBackoffMS int    `yaml:"retry_backoff_ms"`
}

// RetryBackoff returns the configured base backoff as a duration.
func (s SourceConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMS) * time.Millisecond
}

// EnrichConfig controls the optional content-enrichment stage.
type EnrichConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"` // "gemini" or "openai"
	Model       string `yaml:"model"`
	APIURL      string `yaml:"api_url"`
	Concurrency int    `yaml:"concurrency"`
	DelayMS     int    `yaml:"delay_ms"`
}

// Delay returns the per-slot inter-request delay as a duration.
func (e EnrichConfig) Delay() time.Duration {
	return time.Duration(e.DelayMS) * time.Millisecond
}

// Credentials carry secrets for the source systems and the generation
// service. They come from the environment, never from the YAML file.
type Credentials struct {
	SourceUsername string
	SourcePassword string
	SourceToken    string
	EnrichAPIKey   string
}

// Default returns sane defaults; the attachment filter mirrors the usual
// "skip raster images" setup.
func Default() Config {
	return Config{
		Port:               defaultPort,
		DataDir:            defaultDataDir,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		Source: SourceConfig{
			PageSize:       defaultPageSize,
			RetryAttempts:  defaultRetryAttempts,
			RetryBackoffMS: int(defaultRetryBackoff / time.Millisecond),
		},
		Filter: model.FilterConfig{
			ExcludedMimeTypes:  []string{"image/jpeg", "image/png", "image/gif", "image/svg+xml"},
			ExcludedExtensions: []string{".jpg", ".jpeg", ".png", ".gif", ".svg"},
			MaxSizeBytes:       defaultMaxAttachmentSize,
			Enabled:            true,
		},
		Enrich: EnrichConfig{
			Provider:    "gemini",
			Model:       "gemini-2.0-flash",
			Concurrency: defaultEnrichConcurrency,
			DelayMS:     int(defaultEnrichDelay / time.Millisecond),
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return normalize(cfg)
}

func normalize(cfg Config) (Config, error) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	// validate concurrency explicitly: values < 1 are not allowed
	if cfg.MaxConcurrentTasks < 1 {
		return cfg, fmt.Errorf("invalid max_concurrent_tasks: %d (must be >= 1)", cfg.MaxConcurrentTasks)
	}
	if cfg.Source.PageSize < 1 {
		cfg.Source.PageSize = defaultPageSize
	}
	if cfg.Source.RetryAttempts < 1 {
		cfg.Source.RetryAttempts = defaultRetryAttempts
	}
	if cfg.Source.RetryBackoffMS <= 0 {
		cfg.Source.RetryBackoffMS = int(defaultRetryBackoff / time.Millisecond)
	}
	if cfg.Enrich.Concurrency < 1 {
		cfg.Enrich.Concurrency = defaultEnrichConcurrency
	}
	if cfg.Enrich.DelayMS < 0 {
		cfg.Enrich.DelayMS = 0
	}
	if cfg.Filter.MaxSizeBytes <= 0 {
		cfg.Filter.MaxSizeBytes = defaultMaxAttachmentSize
	}
	cfg.Filter.ExcludedExtensions = normalizeExtensions(cfg.Filter.ExcludedExtensions)
	return cfg, nil
}

func normalizeExtensions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}

// LoadCredentials reads secrets from the environment, loading a .env file
// first when one is present next to the process.
func LoadCredentials() Credentials {
	_ = godotenv.Load()
	return Credentials{
		SourceUsername: os.Getenv("KBHARVEST_SOURCE_USERNAME"),
		SourcePassword: os.Getenv("KBHARVEST_SOURCE_PASSWORD"),
		SourceToken:    os.Getenv("KBHARVEST_SOURCE_TOKEN"),
		EnrichAPIKey:   os.Getenv("KBHARVEST_ENRICH_API_KEY"),
	}
}
