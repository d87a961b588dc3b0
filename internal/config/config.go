package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Index    IndexConfig    `yaml:"index"`
	Database DatabaseConfig `yaml:"database"`
	Loader   LoaderConfig   `yaml:"loader"`
	Chunker  ChunkerConfig  `yaml:"chunker"`
	Embedder EmbedderConfig `yaml:"embedder"`
	LLM      LLMConfig      `yaml:"llm"`
	RAG      RAGConfig      `yaml:"rag"`
	Session  SessionConfig  `yaml:"session"`
}

type AppConfig struct {
	Env      string `yaml:"env" validate:"oneof=development production test"`
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFile  string `yaml:"log_file"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr" validate:"required"`
	BodyLimitMB int    `yaml:"body_limit_mb" validate:"gte=1"`
}

type StorageConfig struct {
	StagingDir string `yaml:"staging_dir" validate:"required"`
	IndexDir   string `yaml:"index_dir" validate:"required"`
	Compress   bool   `yaml:"compress"`
}

type IndexConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=chromem postgres"`
	ReprocessMode string `yaml:"reprocess_mode" validate:"oneof=replace append"`
	PurgeOnExpiry bool   `yaml:"purge_on_expiry"`
}

type DatabaseConfig struct {
	DSN   string `yaml:"dsn"`
	Debug bool   `yaml:"debug"`
	// ResetOnStart drops the documents table before it is created again.
	ResetOnStart bool `yaml:"reset_on_start"`
}

type LoaderConfig struct {
	Extensions  []string `yaml:"extensions" validate:"min=1,dive,startswith=."`
	FailOnError bool     `yaml:"fail_on_error"`
}

type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size" validate:"gte=1,lte=1000"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0"`
}

type EmbedderConfig struct {
	Provider    string `yaml:"provider" validate:"oneof=ollama openai hash"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	APIKey      string `yaml:"-"`
	Dimensions  int    `yaml:"dimensions"`
	BatchSize   int    `yaml:"batch_size"`
	AllowRemote bool   `yaml:"allow_remote"`
}

type LLMConfig struct {
	Provider       string  `yaml:"provider" validate:"oneof=openai ollama"`
	BaseURL        string  `yaml:"base_url" validate:"required"`
	Model          string  `yaml:"model" validate:"required"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	APIKey         string  `yaml:"-"`
	Temperature    float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int     `yaml:"max_tokens" validate:"gte=0"`
	TimeoutSecs    int     `yaml:"timeout_secs" validate:"gte=1"`
	MaxRetries     int     `yaml:"max_retries" validate:"gte=0,lte=5"`
	RetryInitialMS int     `yaml:"retry_initial_ms" validate:"gte=1"`
}

type RAGConfig struct {
	TopK             int   `yaml:"top_k" validate:"gte=1"`
	HistoryTurns     int   `yaml:"history_turns" validate:"gte=0"`
	CondenseQuestion *bool `yaml:"condense_question"`
}

type SessionConfig struct {
	TTLMinutes      int `yaml:"ttl_minutes" validate:"gte=1"`
	CleanupMinutes  int `yaml:"cleanup_minutes" validate:"gte=1"`
	TaskTimeoutSecs int `yaml:"task_timeout_secs" validate:"gte=1"`
}

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	defaultTopK         = 3
	defaultTemperature  = 0.2
	defaultMaxRetries   = 2
)

// LoadConfig reads the YAML config at path. A missing file yields the
// defaults. The .env file, if any, is loaded before API keys are resolved.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := newConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, err
	}

	applyDefaults(cfg)
	cfg.resolveSecrets()
	return cfg, nil
}

// Default returns a config with every default applied and no file read.
func Default() *Config {
	cfg := newConfig()
	applyDefaults(cfg)
	return cfg
}

// newConfig presets the fields where zero is a valid setting. YAML only
// overwrites keys present in the file, so an explicit 0 survives.
func newConfig() *Config {
	return &Config{
		Chunker: ChunkerConfig{ChunkOverlap: defaultChunkOverlap},
		LLM:     LLMConfig{Temperature: defaultTemperature, MaxRetries: defaultMaxRetries},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "debug"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.BodyLimitMB == 0 {
		cfg.Server.BodyLimitMB = 50
	}
	if cfg.Storage.StagingDir == "" {
		cfg.Storage.StagingDir = "./data"
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = "./chroma_db"
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "chromem"
	}
	if cfg.Index.ReprocessMode == "" {
		cfg.Index.ReprocessMode = "replace"
	}
	if len(cfg.Loader.Extensions) == 0 {
		cfg.Loader.Extensions = []string{".pdf"}
	}
	for i, ext := range cfg.Loader.Extensions {
		cfg.Loader.Extensions[i] = strings.ToLower(ext)
	}
	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = defaultChunkSize
	}

	if cfg.Embedder.Provider == "" {
		cfg.Embedder.Provider = "ollama"
	}
	switch cfg.Embedder.Provider {
	case "ollama":
		if cfg.Embedder.BaseURL == "" {
			cfg.Embedder.BaseURL = "http://localhost:11434"
		}
		if cfg.Embedder.Model == "" {
			cfg.Embedder.Model = "all-minilm"
		}
	case "openai":
		if cfg.Embedder.BaseURL == "" {
			cfg.Embedder.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.Model == "" {
			cfg.Embedder.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.APIKeyEnv == "" {
			cfg.Embedder.APIKeyEnv = "OPENAI_API_KEY"
		}
	case "hash":
		if cfg.Embedder.Dimensions == 0 {
			cfg.Embedder.Dimensions = 384
		}
	}
	if cfg.Embedder.BatchSize == 0 {
		cfg.Embedder.BatchSize = 32
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.BaseURL == "" {
		if cfg.LLM.Provider == "ollama" {
			cfg.LLM.BaseURL = "http://localhost:11434"
		} else {
			cfg.LLM.BaseURL = "https://api.groq.com/openai/v1"
		}
	}
	if cfg.LLM.Model == "" {
		if cfg.LLM.Provider == "ollama" {
			cfg.LLM.Model = "llama3.1"
		} else {
			cfg.LLM.Model = "llama-3.1-8b-instant"
		}
	}
	if cfg.LLM.APIKeyEnv == "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.APIKeyEnv = "GROQ_API_KEY"
	}
	if cfg.LLM.TimeoutSecs == 0 {
		cfg.LLM.TimeoutSecs = 60
	}
	if cfg.LLM.RetryInitialMS == 0 {
		cfg.LLM.RetryInitialMS = 500
	}

	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = defaultTopK
	}
	if cfg.RAG.CondenseQuestion == nil {
		condense := true
		cfg.RAG.CondenseQuestion = &condense
	}

	if cfg.Session.TTLMinutes == 0 {
		cfg.Session.TTLMinutes = 60
	}
	if cfg.Session.CleanupMinutes == 0 {
		cfg.Session.CleanupMinutes = 10
	}
	if cfg.Session.TaskTimeoutSecs == 0 {
		cfg.Session.TaskTimeoutSecs = 300
	}
}

func (c *Config) resolveSecrets() {
	if c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
	if c.Embedder.APIKeyEnv != "" {
		c.Embedder.APIKey = os.Getenv(c.Embedder.APIKeyEnv)
	}
}

// Validate checks the struct rules and the cross-field rules. Any error here
// is fatal at startup.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		return fmt.Errorf("invalid config: chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Chunker.ChunkOverlap, c.Chunker.ChunkSize)
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		return fmt.Errorf("invalid config: missing API key, set %s", c.LLM.APIKeyEnv)
	}
	if c.Embedder.Provider == "openai" {
		if !c.Embedder.AllowRemote {
			return errors.New("invalid config: embedder provider openai sends document text off-host, set embedder.allow_remote to true")
		}
		if c.Embedder.APIKey == "" {
			return fmt.Errorf("invalid config: missing embedding API key, set %s", c.Embedder.APIKeyEnv)
		}
	}
	if c.Index.Backend == "postgres" && c.Database.DSN == "" {
		return errors.New("invalid config: index backend postgres requires database.dsn")
	}
	return nil
}

// RemoteCalls lists the external services that receive document or question text.
func (c *Config) RemoteCalls() []string {
	calls := []string{fmt.Sprintf("generation (%s at %s)", c.LLM.Model, c.LLM.BaseURL)}
	if c.Embedder.Provider == "openai" {
		calls = append(calls, fmt.Sprintf("embedding (%s at %s)", c.Embedder.Model, c.Embedder.BaseURL))
	}
	return calls
}

func (c *Config) CondenseQuestion() bool {
	return c.RAG.CondenseQuestion != nil && *c.RAG.CondenseQuestion
}
