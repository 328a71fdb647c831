package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Database  DatabaseConfig  `yaml:"database"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Curation  CurationConfig  `yaml:"curation"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// LLMConfig selects the answer generator.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EmbeddingConfig selects the embedding provider. Any OpenAI-compatible
// endpoint (Jina, OpenAI) uses the openai provider with a base URL.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RetrievalConfig struct {
	DefaultK int `yaml:"default_k"`
	MaxK     int `yaml:"max_k"`
}

type CurationConfig struct {
	TokenEncoding string `yaml:"token_encoding"`
	BackupPrefix  string `yaml:"backup_prefix"`
}

type BackfillConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	BatchInterval time.Duration `yaml:"batch_interval"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads path, or the first config file found in the default
// locations, then applies environment overrides and defaults. A .env file
// in the working directory is loaded first; variables already set win.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/isoassist/config.yaml"),
			"/etc/isoassist/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = ProviderOllama
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == ProviderOllama {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 60 * time.Second
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = ProviderOpenAI
	}
	if config.Embedding.Provider == ProviderOpenAI {
		if config.Embedding.BaseURL == "" {
			config.Embedding.BaseURL = "https://api.jina.ai/v1"
		}
		if config.Embedding.Model == "" {
			config.Embedding.Model = "jina-embeddings-v3"
		}
	}
	if config.Embedding.Provider == ProviderOllama {
		if config.Embedding.BaseURL == "" {
			config.Embedding.BaseURL = "http://localhost:11434"
		}
		if config.Embedding.Model == "" {
			config.Embedding.Model = "nomic-embed-text:latest"
		}
	}
	if config.Embedding.Dimensions == 0 {
		config.Embedding.Dimensions = 1024
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = 30 * time.Second
	}

	if config.Database.MaxConns == 0 {
		config.Database.MaxConns = 10
	}

	if config.Retrieval.DefaultK == 0 {
		config.Retrieval.DefaultK = 5
	}
	if config.Retrieval.MaxK == 0 {
		config.Retrieval.MaxK = 20
	}

	if config.Curation.TokenEncoding == "" {
		config.Curation.TokenEncoding = "cl100k_base"
	}
	if config.Curation.BackupPrefix == "" {
		config.Curation.BackupPrefix = "chunks_backup"
	}

	if config.Backfill.BatchSize == 0 {
		config.Backfill.BatchSize = 50
	}
	if config.Backfill.MaxRetries == 0 {
		config.Backfill.MaxRetries = 3
	}
	if config.Backfill.RetryDelay == 0 {
		config.Backfill.RetryDelay = 2 * time.Second
	}
	if config.Backfill.BatchInterval == 0 {
		config.Backfill.BatchInterval = time.Second
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8000"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 90 * time.Second
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if key := firstEnv("LLM_API_KEY", "OPENAI_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if key := firstEnv("EMBEDDING_API_KEY", "JINA_API_KEY"); key != "" {
		config.Embedding.APIKey = key
	}
	if dbURL := firstEnv("DATABASE_URL", "POSTGRESQL_URI"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if size := os.Getenv("BATCH_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.Backfill.BatchSize = n
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Addr = ":" + port
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// SlogLevel maps the configured level name to a slog level. Unknown names
// mean info.
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
