package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"smartdocs/internal/helper"
	"smartdocs/internal/llmservice"
	"smartdocs/internal/models"
)

const defaultTopK = 3

// Retriever returns the k records of a session nearest to text.
type Retriever interface {
	Query(ctx context.Context, sessionID, text string, k int) ([]models.VectorRecord, error)
}

type Engine struct {
	retriever    Retriever
	generator    llmservice.Generator
	topK         int
	historyTurns int
	condense     bool
}

type Option func(*Engine)

func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithHistoryTurns caps how many prior messages are sent to the model. Zero
// sends the whole history.
func WithHistoryTurns(n int) Option {
	return func(e *Engine) { e.historyTurns = n }
}

// WithCondense rewrites follow-up questions into standalone ones before retrieval.
func WithCondense(on bool) Option {
	return func(e *Engine) { e.condense = on }
}

func NewEngine(retriever Retriever, generator llmservice.Generator, opts ...Option) *Engine {
	e := &Engine{retriever: retriever, generator: generator, topK: defaultTopK}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Answer retrieves context for question and asks the model to answer from it.
// When nothing is retrieved the fallback answer is returned without calling
// the model.
func (e *Engine) Answer(ctx context.Context, sessionID, question string, history []models.Message) (models.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Answer{}, models.ErrEmptyQuestion
	}

	query := question
	if e.condense && len(history) > 0 {
		query = e.standalone(ctx, question, history)
	}

	records, err := e.retriever.Query(ctx, sessionID, query, e.topK)
	if err != nil && !errors.Is(err, models.ErrIndexNotFound) {
		return models.Answer{}, fmt.Errorf("retrieval failed: %w", err)
	}
	if len(records) == 0 {
		log.Info().Str("session", helper.ShortID(sessionID)).Msg("No context retrieved, returning fallback")
		return models.Answer{Text: models.FallbackAnswer}, nil
	}

	sources := make([]models.Chunk, len(records))
	for i, r := range records {
		sources[i] = r.Chunk
	}

	// the model answers the standalone question it was retrieved for
	text, err := e.generator.Generate(ctx, BuildPrompt(query, sources, e.trimHistory(history)))
	if err != nil {
		return models.Answer{}, err
	}

	log.Debug().Str("session", helper.ShortID(sessionID)).Int("sources", len(sources)).Msg("Answer generated")
	return models.Answer{Text: text, Sources: sources}, nil
}

func (e *Engine) trimHistory(history []models.Message) []models.Message {
	if e.historyTurns > 0 && len(history) > e.historyTurns {
		return history[len(history)-e.historyTurns:]
	}
	return history
}

// standalone asks the model to fold the history into the question. Any
// failure keeps the original question.
func (e *Engine) standalone(ctx context.Context, question string, history []models.Message) string {
	prompt := fmt.Sprintf(models.CondensePromptTemplate, formatHistory(e.trimHistory(history)), question)
	out, err := e.generator.Generate(ctx, []llmservice.Message{{Role: llmservice.RoleUser, Content: prompt}})
	if err != nil {
		log.Warn().Err(err).Msg("Question condensing failed, using the original question")
		return question
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return question
	}
	log.Debug().Str("question", question).Str("standalone", out).Msg("Condensed question")
	return out
}

// BuildPrompt assembles the chat messages: the system instruction, the prior
// turns and a final user message holding the context and the question.
func BuildPrompt(question string, sources []models.Chunk, history []models.Message) []llmservice.Message {
	messages := []llmservice.Message{{
		Role:    llmservice.RoleSystem,
		Content: fmt.Sprintf(models.SystemPromptTemplate, models.FallbackAnswer),
	}}
	for _, m := range history {
		role := llmservice.RoleUser
		if m.Role == models.RoleAssistant {
			role = llmservice.RoleAssistant
		}
		messages = append(messages, llmservice.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, llmservice.Message{
		Role:    llmservice.RoleUser,
		Content: fmt.Sprintf(models.QuestionPromptTemplate, FormatContext(sources), question),
	})
	return messages
}

// FormatContext numbers the excerpts and tags each with its source.
func FormatContext(sources []models.Chunk) string {
	parts := make([]string, len(sources))
	for i, c := range sources {
		parts[i] = fmt.Sprintf("[%d] %s, page %d\n%s", i+1, c.Source, c.Page, c.Text)
	}
	return strings.Join(parts, models.ContextSeparator)
}

func formatHistory(history []models.Message) string {
	var b strings.Builder
	for _, m := range history {
		role := "Human"
		if m.Role == models.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}
	return b.String()
}
