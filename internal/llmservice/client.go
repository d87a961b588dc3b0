package llmservice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"smartdocs/internal/config"
	"smartdocs/internal/models"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var thinkTag = regexp.MustCompile(models.ThinkTag)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator turns a chat prompt into a completion.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type provider interface {
	complete(ctx context.Context, messages []Message) (string, error)
	name() string
}

// Client calls the configured chat model with a per attempt timeout and
// retries transient failures.
type Client struct {
	provider   provider
	timeout    time.Duration
	maxTries   uint
	newBackOff func() backoff.BackOff
}

func NewClient(cfg config.LLMConfig) (*Client, error) {
	log.Debug().Interface("llmConfig", map[string]any{
		"provider": cfg.Provider,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
		"retries":  cfg.MaxRetries,
	}).Msg("Generation config")

	var p provider
	switch cfg.Provider {
	case "openai":
		p = newOpenAIProvider(cfg)
	case "ollama":
		op, err := newOllamaProvider(cfg)
		if err != nil {
			return nil, err
		}
		p = op
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	initial := time.Duration(cfg.RetryInitialMS) * time.Millisecond
	return &Client{
		provider: p,
		timeout:  time.Duration(cfg.TimeoutSecs) * time.Second,
		maxTries: uint(cfg.MaxRetries) + 1,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			return b
		},
	}, nil
}

// Generate returns the completion text with reasoning blocks removed. Errors
// wrap models.ErrGeneration.
func (c *Client) Generate(ctx context.Context, messages []Message) (string, error) {
	attempt := 0
	text, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		out, err := c.provider.complete(attemptCtx, messages)
		if err == nil {
			out = strings.TrimSpace(thinkTag.ReplaceAllString(out, ""))
			if out == "" {
				err = models.ErrEmptyCompletion
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("provider", c.provider.name()).Int("attempt", attempt).Msg("Generation attempt failed")
			if !retryable(ctx, err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		log.Debug().Str("provider", c.provider.name()).Int("attempt", attempt).Dur("took", time.Since(start)).Msg("Generation done")
		return out, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrGeneration, err)
	}
	return text, nil
}

// retryable reports whether a failed call may succeed when repeated: rate
// limits, server errors, timeouts of a single attempt and network failures.
func retryable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return !errors.Is(err, context.Canceled)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 || code == 0
}

type openAIProvider struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func newOpenAIProvider(cfg config.LLMConfig) *openAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	temperature := float32(cfg.Temperature)
	if temperature == 0 {
		// the request field is omitempty; a zero would fall back to the server default
		temperature = math.SmallestNonzeroFloat32
	}
	return &openAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (p *openAIProvider) name() string { return "openai:" + p.model }

func (p *openAIProvider) complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	rsp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(rsp.Choices) == 0 {
		return "", models.ErrEmptyCompletion
	}
	return rsp.Choices[0].Message.Content, nil
}

type ollamaProvider struct {
	llm         *ollama.LLM
	model       string
	temperature float64
	maxTokens   int
}

func newOllamaProvider(cfg config.LLMConfig) (*ollamaProvider, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama: %w", err)
	}
	return &ollamaProvider{llm: llm, model: cfg.Model, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}, nil
}

func (p *ollamaProvider) name() string { return "ollama:" + p.model }

func (p *ollamaProvider) complete(ctx context.Context, messages []Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(role, m.Content))
	}

	opts := []llms.CallOption{llms.WithTemperature(p.temperature)}
	if p.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.maxTokens))
	}
	res, err := p.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", err
	}
	if len(res.Choices) == 0 {
		return "", models.ErrEmptyCompletion
	}
	return res.Choices[0].Content, nil
}
