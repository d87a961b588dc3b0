package embedding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"smartdocs/internal/config"
)

// Embedder maps text to vectors. ID names the provider and model; an index
// built with one ID cannot be queried with another.
type Embedder interface {
	embeddings.Embedder
	ID() string
}

type namedEmbedder struct {
	embeddings.Embedder
	id string
}

func (e namedEmbedder) ID() string { return e.id }

// New builds the embedder selected by cfg.Provider.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	log.Debug().Interface("config", map[string]any{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
		"batch_size":      cfg.BatchSize,
	}).Msg("Embedder config")

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q", cfg.Provider)
	}
}

// NewOllamaEmbedder embeds through a local ollama server.
func NewOllamaEmbedder(cfg config.EmbedderConfig) (Embedder, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama embedder: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return namedEmbedder{Embedder: embedder, id: "ollama:" + cfg.Model}, nil
}

// NewOpenAIEmbedder embeds through an OpenAI compatible endpoint. Document
// text leaves the host, so config validation requires allow_remote.
func NewOpenAIEmbedder(cfg config.EmbedderConfig) (Embedder, error) {
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai embedder: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return namedEmbedder{Embedder: embedder, id: "openai:" + cfg.Model}, nil
}

// EmbedChunks embeds texts in one call and checks the result shape.
func EmbedChunks(ctx context.Context, embedder Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d chunks with %s: %w", len(texts), embedder.ID(), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d chunks", embedder.ID(), len(vectors), len(texts))
	}
	return vectors, nil
}
