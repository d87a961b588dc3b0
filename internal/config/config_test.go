package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "test-key")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Chunker.ChunkSize)
	assert.Equal(t, 200, cfg.Chunker.ChunkOverlap)
	assert.Equal(t, 3, cfg.RAG.TopK)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
	assert.Equal(t, "llama-3.1-8b-instant", cfg.LLM.Model)
	assert.Equal(t, "all-minilm", cfg.Embedder.Model)
	assert.Equal(t, "replace", cfg.Index.ReprocessMode)
	assert.Equal(t, []string{".pdf"}, cfg.Loader.Extensions)
	assert.True(t, cfg.CondenseQuestion())
	assert.False(t, cfg.Database.ResetOnStart)
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_File(t *testing.T) {
	t.Setenv("MY_KEY", "abc")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
llm:
  api_key_env: MY_KEY
  model: llama-3.3-70b-versatile
loader:
  extensions: [".PDF", ".docx"]
rag:
  top_k: 5
  condense_question: false
index:
  reprocess_mode: append
database:
  reset_on_start: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.LLM.APIKey)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.LLM.Model)
	assert.Equal(t, []string{".pdf", ".docx"}, cfg.Loader.Extensions)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.False(t, cfg.CondenseQuestion())
	assert.Equal(t, "append", cfg.Index.ReprocessMode)
	assert.True(t, cfg.Database.ResetOnStart)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_ExplicitZeroIsKept(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "k")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
chunker:
  chunk_size: 500
  chunk_overlap: 0
llm:
  temperature: 0
  max_retries: 0
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Chunker.ChunkSize)
	assert.Zero(t, cfg.Chunker.ChunkOverlap)
	assert.Zero(t, cfg.LLM.Temperature)
	assert.Zero(t, cfg.LLM.MaxRetries)
	assert.NoError(t, cfg.Validate())

	// keys left out still get their defaults
	path = filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunker:\n  chunk_size: 800\n"), 0o644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Chunker.ChunkOverlap)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
	assert.Equal(t, 2, cfg.LLM.MaxRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{name: "valid", mutate: func(c *Config) {}, ok: true},
		{name: "missing api key", mutate: func(c *Config) { c.LLM.APIKey = "" }},
		{name: "ollama needs no key", mutate: func(c *Config) { c.LLM.APIKey = ""; c.LLM.Provider = "ollama" }, ok: true},
		{name: "overlap not below size", mutate: func(c *Config) { c.Chunker.ChunkOverlap = 1000 }},
		{name: "remote embedder without opt-in", mutate: func(c *Config) {
			c.Embedder.Provider = "openai"
			c.Embedder.APIKey = "k"
		}},
		{name: "remote embedder with opt-in", mutate: func(c *Config) {
			c.Embedder.Provider = "openai"
			c.Embedder.APIKey = "k"
			c.Embedder.AllowRemote = true
		}, ok: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Index.Backend = "postgres" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Index.Backend = "faiss" }},
		{name: "bad extension", mutate: func(c *Config) { c.Loader.Extensions = []string{"pdf"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.LLM.APIKey = "key"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRemoteCalls(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.RemoteCalls(), 1)

	cfg.Embedder.Provider = "openai"
	assert.Len(t, cfg.RemoteCalls(), 2)
}
