package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MaxChunkLen bounds Chunk.Text in characters.
const MaxChunkLen = 1000

// DocumentPage is the extracted text of one page of a source file.
type DocumentPage struct {
	Source string `json:"source" validate:"required"`
	Page   int    `json:"page" validate:"gte=1"`
	Text   string `json:"text" validate:"required"`
}

// NewDocumentPage validates and returns a page. Blank text is rejected so
// callers can drop empty pages before they reach the chunker.
func NewDocumentPage(source string, page int, text string) (DocumentPage, error) {
	p := DocumentPage{Source: source, Page: page, Text: text}
	if strings.TrimSpace(text) == "" {
		return DocumentPage{}, fmt.Errorf("page %d of %s: %w", page, source, ErrEmptyExtraction)
	}
	if err := validate.Struct(p); err != nil {
		return DocumentPage{}, fmt.Errorf("invalid page: %w", err)
	}
	return p, nil
}

// Chunk is a bounded span of page text, the unit of embedding and retrieval.
type Chunk struct {
	Text    string `json:"text" validate:"required"`
	Source  string `json:"source" validate:"required"`
	Page    int    `json:"page" validate:"gte=1"`
	ChunkID int    `json:"chunk_id" validate:"gte=1"`
}

func NewChunk(text, source string, page, chunkID int) (Chunk, error) {
	c := Chunk{Text: text, Source: source, Page: page, ChunkID: chunkID}
	if err := validate.Struct(c); err != nil {
		return Chunk{}, fmt.Errorf("invalid chunk: %w", err)
	}
	if n := utf8.RuneCountInString(text); n > MaxChunkLen {
		return Chunk{}, fmt.Errorf("invalid chunk: %d characters exceeds %d", n, MaxChunkLen)
	}
	return c, nil
}

// Excerpt returns the leading part of the chunk text used for citations.
func (c Chunk) Excerpt() string {
	r := []rune(strings.TrimSpace(c.Text))
	if len(r) <= SourceExcerptLen {
		return string(r)
	}
	return string(r[:SourceExcerptLen]) + "..."
}

// VectorRecord is a chunk persisted in a session namespace.
type VectorRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Chunk      Chunk     `json:"chunk"`
	Embedding  []float32 `json:"-"`
	Similarity float32   `json:"similarity"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn. Assistant messages carry the chunks the
// answer was grounded on.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sources   []Chunk   `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Answer struct {
	Text    string  `json:"text"`
	Sources []Chunk `json:"sources"`
}

// ReprocessMode decides what happens to an existing session index when new
// documents are processed.
type ReprocessMode string

const (
	ReprocessReplace ReprocessMode = "replace"
	ReprocessAppend  ReprocessMode = "append"
)
