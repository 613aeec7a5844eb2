package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFooter is appended to every posted review.
const DefaultFooter = "---\n*Review generated by reviewbot. Context was retrieved from the indexed repository.*"

// Config is the top-level configuration.
type Config struct {
	// User is the local user identifier that owns connected repositories
	// and accounts when running from the CLI.
	User       string           `yaml:"user"`
	GitHub     GitHubConfig     `yaml:"github"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Store      StoreConfig      `yaml:"store"`
	Vector     VectorConfig     `yaml:"vector"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Index      IndexConfig      `yaml:"index"`
	Review     ReviewConfig     `yaml:"review"`
	Server     ServerConfig     `yaml:"server"`
	Poll       PollConfig       `yaml:"poll"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// GitHubConfig holds GitHub authentication and webhook settings.
type GitHubConfig struct {
	Token          string `yaml:"token"`
	AppID          string `yaml:"app_id"`
	InstallationID string `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKey     string `yaml:"private_key"`
	WebhookURL     string `yaml:"webhook_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	TimeoutRaw     string `yaml:"timeout"`
}

// Timeout returns the per-request timeout for GitHub API calls.
func (g GitHubConfig) Timeout() time.Duration {
	return parseDurationOr(g.TimeoutRaw, 30*time.Second)
}

// ProviderConfig holds settings for a single provider (embedding or LLM).
type ProviderConfig struct {
	Type       string `yaml:"type"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	URL        string `yaml:"url"`
	TimeoutRaw string `yaml:"timeout"`
}

// Timeout returns the per-call timeout for the provider.
func (p ProviderConfig) Timeout() time.Duration {
	return parseDurationOr(p.TimeoutRaw, 120*time.Second)
}

// ProvidersConfig groups embedding and LLM provider configs.
type ProvidersConfig struct {
	Embedding ProviderConfig `yaml:"embedding"`
	LLM       ProviderConfig `yaml:"llm"`
}

// StoreConfig holds relational store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// DispatcherConfig holds concurrency ceilings and the default step retry policy.
type DispatcherConfig struct {
	ReviewConcurrency int    `yaml:"review_concurrency"`
	IndexConcurrency  int    `yaml:"index_concurrency"`
	MaxAttempts       int    `yaml:"max_attempts"`
	BaseDelayRaw      string `yaml:"base_delay"`
	MaxDelayRaw       string `yaml:"max_delay"`
}

// BaseDelay returns the initial retry backoff.
func (d DispatcherConfig) BaseDelay() time.Duration {
	return parseDurationOr(d.BaseDelayRaw, time.Second)
}

// MaxDelay returns the backoff ceiling.
func (d DispatcherConfig) MaxDelay() time.Duration {
	return parseDurationOr(d.MaxDelayRaw, 10*time.Second)
}

// IndexConfig controls chunking and embedding during repository indexing.
type IndexConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	BatchSize    int    `yaml:"batch_size"`
	Tokenizer    string `yaml:"tokenizer"`
	MaxFileBytes int    `yaml:"max_file_bytes"`
}

// ReviewConfig controls review generation.
type ReviewConfig struct {
	TopK         int    `yaml:"top_k"`
	Footer       string `yaml:"footer"`
	MaxDiffBytes int    `yaml:"max_diff_bytes"`
}

// ServerConfig holds webhook server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PollConfig configures the pull request poller for repositories that
// cannot receive webhooks.
type PollConfig struct {
	IntervalRaw string   `yaml:"interval"`
	Repos       []string `yaml:"repos"`
}

// Interval returns the parsed poll interval.
func (p PollConfig) Interval() time.Duration {
	return parseDurationOr(p.IntervalRaw, 5*time.Minute)
}

// NotifyConfig holds notification webhook URLs.
type NotifyConfig struct {
	SlackWebhook   string `yaml:"slack_webhook"`
	DiscordWebhook string `yaml:"discord_webhook"`
}

func parseDurationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// envVarPattern matches ${VAR} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment variable values.
// Returns an error if any referenced variable is not set.
func expandEnvVars(data []byte) ([]byte, error) {
	var missing []string

	result := envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(varName))
		if !ok {
			missing = append(missing, string(varName))
			return match
		}
		return []byte(val)
	})

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// LoadDotEnv loads environment variables from a .env file. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses config from raw YAML bytes, expanding env vars and validating.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.User == "" {
		cfg.User = "local"
	}
	if cfg.GitHub.TimeoutRaw == "" {
		cfg.GitHub.TimeoutRaw = "30s"
	}
	if cfg.Providers.Embedding.Type == "" {
		cfg.Providers.Embedding.Type = "openai"
	}
	if cfg.Providers.Embedding.Model == "" {
		switch cfg.Providers.Embedding.Type {
		case "ollama":
			cfg.Providers.Embedding.Model = "nomic-embed-text"
		default:
			cfg.Providers.Embedding.Model = "text-embedding-3-small"
		}
	}
	if cfg.Providers.LLM.Type == "" {
		cfg.Providers.LLM.Type = "gemini"
	}
	if cfg.Providers.LLM.Model == "" {
		switch cfg.Providers.LLM.Type {
		case "anthropic":
			cfg.Providers.LLM.Model = "claude-sonnet-4-5"
		case "openai":
			cfg.Providers.LLM.Model = "gpt-4o-mini"
		case "ollama":
			cfg.Providers.LLM.Model = "llama3.1"
		default:
			cfg.Providers.LLM.Model = "gemini-2.5-flash"
		}
	}
	if cfg.Providers.LLM.TimeoutRaw == "" {
		cfg.Providers.LLM.TimeoutRaw = "120s"
	}
	if cfg.Providers.Embedding.TimeoutRaw == "" {
		cfg.Providers.Embedding.TimeoutRaw = "30s"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/reviewbot/reviewbot.db"
	}
	cfg.Store.Path = expandTilde(cfg.Store.Path)
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "sqlite"
	}
	if cfg.Dispatcher.ReviewConcurrency == 0 {
		cfg.Dispatcher.ReviewConcurrency = 5
	}
	if cfg.Dispatcher.IndexConcurrency == 0 {
		cfg.Dispatcher.IndexConcurrency = 2
	}
	if cfg.Dispatcher.MaxAttempts == 0 {
		cfg.Dispatcher.MaxAttempts = 3
	}
	if cfg.Dispatcher.BaseDelayRaw == "" {
		cfg.Dispatcher.BaseDelayRaw = "1s"
	}
	if cfg.Dispatcher.MaxDelayRaw == "" {
		cfg.Dispatcher.MaxDelayRaw = "10s"
	}
	if cfg.Index.ChunkSize == 0 {
		cfg.Index.ChunkSize = 60
	}
	if cfg.Index.ChunkOverlap == 0 {
		cfg.Index.ChunkOverlap = 10
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 32
	}
	if cfg.Index.Tokenizer == "" {
		cfg.Index.Tokenizer = "lines"
	}
	if cfg.Index.MaxFileBytes == 0 {
		cfg.Index.MaxFileBytes = 512 * 1024
	}
	if cfg.Review.TopK == 0 {
		cfg.Review.TopK = 5
	}
	if cfg.Review.Footer == "" {
		cfg.Review.Footer = DefaultFooter
	}
	if cfg.Review.MaxDiffBytes == 0 {
		cfg.Review.MaxDiffBytes = 100 * 1024
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Poll.IntervalRaw == "" {
		cfg.Poll.IntervalRaw = "5m"
	}
}

func validate(cfg *Config) error {
	durations := map[string]string{
		"github.timeout":              cfg.GitHub.TimeoutRaw,
		"providers.llm.timeout":       cfg.Providers.LLM.TimeoutRaw,
		"providers.embedding.timeout": cfg.Providers.Embedding.TimeoutRaw,
		"dispatcher.base_delay":       cfg.Dispatcher.BaseDelayRaw,
		"dispatcher.max_delay":        cfg.Dispatcher.MaxDelayRaw,
		"poll.interval":               cfg.Poll.IntervalRaw,
	}
	for key, raw := range durations {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
	}

	validEmbedTypes := map[string]bool{"openai": true, "ollama": true}
	if !validEmbedTypes[cfg.Providers.Embedding.Type] {
		return fmt.Errorf("unsupported embedding provider type: %s", cfg.Providers.Embedding.Type)
	}

	validLLMTypes := map[string]bool{"gemini": true, "openai": true, "ollama": true, "anthropic": true}
	if !validLLMTypes[cfg.Providers.LLM.Type] {
		return fmt.Errorf("unsupported LLM provider type: %s", cfg.Providers.LLM.Type)
	}

	switch cfg.Vector.Backend {
	case "sqlite":
	case "pgvector":
		if cfg.Vector.DSN == "" {
			return fmt.Errorf("vector backend pgvector requires dsn")
		}
	default:
		return fmt.Errorf("unsupported vector backend: %s", cfg.Vector.Backend)
	}

	if cfg.Dispatcher.ReviewConcurrency < 1 || cfg.Dispatcher.IndexConcurrency < 1 {
		return fmt.Errorf("dispatcher concurrency must be positive")
	}
	if cfg.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("dispatcher max_attempts must be positive, got %d", cfg.Dispatcher.MaxAttempts)
	}

	if cfg.Index.ChunkSize < 1 {
		return fmt.Errorf("index chunk_size must be positive, got %d", cfg.Index.ChunkSize)
	}
	if cfg.Index.ChunkOverlap < 0 || cfg.Index.ChunkOverlap >= cfg.Index.ChunkSize {
		return fmt.Errorf("index chunk_overlap must be in [0, chunk_size), got %d", cfg.Index.ChunkOverlap)
	}
	if cfg.Index.BatchSize < 1 {
		return fmt.Errorf("index batch_size must be positive, got %d", cfg.Index.BatchSize)
	}
	if cfg.Index.Tokenizer != "lines" && cfg.Index.Tokenizer != "tiktoken" {
		return fmt.Errorf("unsupported tokenizer: %s", cfg.Index.Tokenizer)
	}

	if cfg.Review.TopK < 1 {
		return fmt.Errorf("review top_k must be positive, got %d", cfg.Review.TopK)
	}

	return nil
}
