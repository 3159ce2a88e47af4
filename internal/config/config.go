package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. It is loaded once by the CLI
// and passed explicitly to every component constructor.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Search    SearchConfig    `yaml:"search"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Sources   SourcesConfig   `yaml:"sources"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds relational store configuration
type DatabaseConfig struct {
	// Path to the SQLite database file (default: ~/.customs-kb/data/customs-kb.db)
	Path string `yaml:"path,omitempty"`
	// TextIndexPath is the bleve keyword index directory (default: next to Path)
	TextIndexPath string `yaml:"text_index_path,omitempty"`
}

// EmbeddingConfig holds embedding service configuration
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "hash" | "openai"

	APIKey   string `yaml:"api_key,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Model    string `yaml:"model,omitempty"`

	Dimensions     int `yaml:"dimensions"`
	BatchSize      int `yaml:"batch_size"`
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// VectorConfig selects the vector index backend
type VectorConfig struct {
	Backend string `yaml:"backend"` // "local" | "qdrant" | "memory"

	QdrantURL      string `yaml:"qdrant_url,omitempty"`
	QdrantAPIKey   string `yaml:"qdrant_api_key,omitempty"`
	Collection     string `yaml:"collection,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// ChunkingConfig holds text chunking parameters (whitespace tokens)
type ChunkingConfig struct {
	MaxTokens int `yaml:"max_tokens"`
	Overlap   int `yaml:"overlap"`
}

// SearchConfig holds query-time parameters
type SearchConfig struct {
	DefaultLimit      int     `yaml:"default_limit,omitempty"`
	OverfetchFactor   int     `yaml:"overfetch_factor,omitempty"`    // k = limit * factor
	FilterRetryRounds int     `yaml:"filter_retry_rounds,omitempty"` // post-filter re-queries with larger k
	ScoreThreshold    float64 `yaml:"score_threshold,omitempty"`
	SynonymsFile      string  `yaml:"synonyms_file,omitempty"` // keyword query expansion; empty uses the built-in list
}

// IngestConfig holds ingestion retry parameters
type IngestConfig struct {
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryDelay    time.Duration `yaml:"retry_delay,omitempty"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay,omitempty"`
}

// SourcesConfig configures the upstream record producers
type SourcesConfig struct {
	FederalRegister FederalRegisterConfig `yaml:"federal_register"`
	HTSUS           HTSUSConfig           `yaml:"htsus"`
}

// FederalRegisterConfig configures the Federal Register API fetcher
type FederalRegisterConfig struct {
	BaseURL           string  `yaml:"base_url,omitempty"`
	Agency            string  `yaml:"agency,omitempty"`
	PerPage           int     `yaml:"per_page,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	LookbackDays      int     `yaml:"lookback_days,omitempty"`
	TimeoutSeconds    int     `yaml:"timeout_seconds,omitempty"`
}

// HTSUSConfig configures the tariff schedule CSV source
type HTSUSConfig struct {
	URL string `yaml:"url,omitempty"`
}

// ServerConfig configures the REST server
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// LoggingConfig configures zerolog output
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"` // debug | info | warn | error
	Pretty bool   `yaml:"pretty,omitempty"`
	Dir    string `yaml:"dir,omitempty"` // per-command log files; empty disables
}

// DefaultPath returns ~/.customs-kb/config/customs-kb.yaml
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".customs-kb", "config", "customs-kb.yaml")
}

// Default returns a configuration that runs fully offline: hash embeddings
// and the local SQLite vector index.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load loads configuration from the default config file
// Default location: ~/.customs-kb/config/customs-kb.yaml
func Load() (*Config, error) {
	return LoadFromFile(DefaultPath())
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigNotFoundError{
				RequestedPath: path,
				DefaultPath:   DefaultPath(),
			}
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize applies environment overrides and defaults, then validates.
func (c *Config) Finalize() error {
	c.applyEnv()
	if err := c.applyDefaults(); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ConfigNotFoundError is returned when config file is not found
type ConfigNotFoundError struct {
	RequestedPath string
	DefaultPath   string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("config file not found at: %s\n\nDefault location: %s\n\nYou can:\n"+
		"  1. Create the config file at the default location\n"+
		"  2. Specify a custom path with -config flag",
		e.RequestedPath, e.DefaultPath)
}

// IsConfigNotFound checks if error is config not found
func IsConfigNotFound(err error) bool {
	var target *ConfigNotFoundError
	return errors.As(err, &target)
}

// applyEnv lets environment variables override file values.
func (c *Config) applyEnv() {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&c.Database.Path, "CUSTOMSKB_DB_PATH")
	setString(&c.Embedding.Provider, "CUSTOMSKB_EMBEDDING_PROVIDER")
	setString(&c.Embedding.APIKey, "CUSTOMSKB_EMBEDDING_API_KEY", "OPENAI_API_KEY")
	setString(&c.Embedding.Endpoint, "CUSTOMSKB_EMBEDDING_ENDPOINT")
	setString(&c.Embedding.Model, "CUSTOMSKB_EMBEDDING_MODEL")
	setInt(&c.Embedding.Dimensions, "CUSTOMSKB_EMBEDDING_DIMENSIONS")
	setString(&c.Vector.Backend, "CUSTOMSKB_VECTOR_BACKEND")
	setString(&c.Vector.QdrantURL, "QDRANT_URL")
	setString(&c.Vector.QdrantAPIKey, "QDRANT_API_KEY")
	setString(&c.Vector.Collection, "QDRANT_COLLECTION")
	setInt(&c.Chunking.MaxTokens, "CHUNK_SIZE")
	setInt(&c.Chunking.Overlap, "CHUNK_OVERLAP")
	setString(&c.Server.Addr, "CUSTOMSKB_SERVER_ADDR")
	setString(&c.Logging.Level, "LOG_LEVEL")
}

// expandPath expands ~ and $HOME to the user's home directory
func expandPath(path string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	switch {
	case path == "~" || path == "$HOME":
		return homeDir
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(homeDir, path[2:])
	case strings.HasPrefix(path, "$HOME/"):
		return filepath.Join(homeDir, path[6:])
	}
	return path
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dataDir := filepath.Join(homeDir, ".customs-kb", "data")

	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dataDir, "customs-kb.db")
	}
	c.Database.Path = expandPath(c.Database.Path)
	if c.Database.TextIndexPath == "" {
		c.Database.TextIndexPath = strings.TrimSuffix(c.Database.Path, filepath.Ext(c.Database.Path)) + ".bleve"
	}
	c.Database.TextIndexPath = expandPath(c.Database.TextIndexPath)

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Provider == "openai" {
		if c.Embedding.Endpoint == "" {
			c.Embedding.Endpoint = "https://api.openai.com/v1"
		}
		if c.Embedding.Model == "" {
			c.Embedding.Model = "text-embedding-3-small"
		}
	}
	if c.Embedding.Dimensions == 0 {
		if c.Embedding.Provider == "openai" {
			c.Embedding.Dimensions = 1536
		} else {
			c.Embedding.Dimensions = 384
		}
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 32
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 30
	}

	if c.Vector.Backend == "" {
		c.Vector.Backend = "local"
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "cbp_documents"
	}
	if c.Vector.Backend == "qdrant" && c.Vector.QdrantURL == "" {
		c.Vector.QdrantURL = "http://localhost:6333"
	}
	if c.Vector.TimeoutSeconds == 0 {
		c.Vector.TimeoutSeconds = 20
	}

	if c.Chunking.MaxTokens == 0 {
		c.Chunking.MaxTokens = 512
	}
	if c.Chunking.Overlap == 0 && c.Chunking.MaxTokens > 50 {
		c.Chunking.Overlap = 50
	}

	if c.Search.DefaultLimit == 0 {
		c.Search.DefaultLimit = 10
	}
	if c.Search.OverfetchFactor == 0 {
		c.Search.OverfetchFactor = 4
	}
	if c.Search.FilterRetryRounds == 0 {
		c.Search.FilterRetryRounds = 3
	}
	if c.Search.SynonymsFile != "" {
		c.Search.SynonymsFile = expandPath(c.Search.SynonymsFile)
	}

	if c.Ingest.MaxRetries == 0 {
		c.Ingest.MaxRetries = 3
	}
	if c.Ingest.RetryDelay == 0 {
		c.Ingest.RetryDelay = time.Second
	}
	if c.Ingest.MaxRetryDelay == 0 {
		c.Ingest.MaxRetryDelay = 30 * time.Second
	}

	fr := &c.Sources.FederalRegister
	if fr.BaseURL == "" {
		fr.BaseURL = "https://www.federalregister.gov/api/v1"
	}
	if fr.Agency == "" {
		fr.Agency = "u-s-customs-and-border-protection"
	}
	if fr.PerPage == 0 {
		fr.PerPage = 100
	}
	if fr.RequestsPerSecond == 0 {
		fr.RequestsPerSecond = 2
	}
	if fr.LookbackDays == 0 {
		fr.LookbackDays = 30
	}
	if fr.TimeoutSeconds == 0 {
		fr.TimeoutSeconds = 30
	}
	if c.Sources.HTSUS.URL == "" {
		c.Sources.HTSUS.URL = "https://www.usitc.gov/sites/default/files/tata/hts/hts_2025_basic_edition_csv.csv"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir != "" {
		c.Logging.Dir = expandPath(c.Logging.Dir)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "hash":
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("openai provider requires api_key (or OPENAI_API_KEY)")
		}
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive, got: %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 2048 {
		return fmt.Errorf("batch_size must be between 1 and 2048, got: %d", c.Embedding.BatchSize)
	}

	switch c.Vector.Backend {
	case "local", "memory":
	case "qdrant":
		if c.Vector.Collection == "" {
			return fmt.Errorf("qdrant backend requires a collection name")
		}
	default:
		return fmt.Errorf("unsupported vector backend: %s", c.Vector.Backend)
	}

	if c.Chunking.MaxTokens <= 0 {
		return fmt.Errorf("chunking.max_tokens must be positive, got: %d", c.Chunking.MaxTokens)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxTokens {
		return fmt.Errorf("chunking.overlap must be in [0, max_tokens), got: %d", c.Chunking.Overlap)
	}

	if c.Search.OverfetchFactor < 1 {
		return fmt.Errorf("search.overfetch_factor must be at least 1, got: %d", c.Search.OverfetchFactor)
	}
	if c.Search.FilterRetryRounds < 0 {
		return fmt.Errorf("search.filter_retry_rounds must not be negative, got: %d", c.Search.FilterRetryRounds)
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must not be negative, got: %d", c.Ingest.MaxRetries)
	}

	return nil
}

// SaveToFile saves the configuration to a specific file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

const defaultConfigTemplate = `# customs-kb configuration
#
# Default location: $HOME/.customs-kb/config/customs-kb.yaml
# Environment variables (and a local .env file) override these values:
#   OPENAI_API_KEY, QDRANT_URL, QDRANT_API_KEY, QDRANT_COLLECTION,
#   CUSTOMSKB_DB_PATH, CUSTOMSKB_VECTOR_BACKEND, CHUNK_SIZE, CHUNK_OVERLAP, LOG_LEVEL

database:
  path: ~/.customs-kb/data/customs-kb.db

embedding:
  # Provider: "hash" (offline, deterministic) or "openai"
  provider: hash
  dimensions: 384
  batch_size: 32
  # provider: openai
  # api_key: your-openai-api-key
  # model: text-embedding-3-small
  # dimensions: 1536

vector:
  # Backend: "local" (SQLite), "qdrant" or "memory"
  backend: local
  collection: cbp_documents
  # qdrant_url: http://localhost:6333

chunking:
  max_tokens: 512
  overlap: 50

search:
  default_limit: 10
  overfetch_factor: 4
  filter_retry_rounds: 3

ingest:
  max_retries: 3
  retry_delay: 1s
  max_retry_delay: 30s

server:
  addr: ":8000"

logging:
  level: info
  pretty: true
`

// WriteDefaultTemplate creates a default configuration file if it does not exist.
// It returns true if a file was created, false if it already existed.
func WriteDefaultTemplate(path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("config path is empty")
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return false, fmt.Errorf("failed to write config template: %w", err)
	}

	return true, nil
}
