package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentPage(t *testing.T) {
	p, err := NewDocumentPage("a.pdf", 1, "hello")
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", p.Source)

	_, err = NewDocumentPage("a.pdf", 2, "  \n ")
	assert.ErrorIs(t, err, ErrEmptyExtraction)

	_, err = NewDocumentPage("a.pdf", 0, "text")
	assert.Error(t, err)

	_, err = NewDocumentPage("", 1, "text")
	assert.Error(t, err)
}

func TestNewChunk(t *testing.T) {
	c, err := NewChunk("some text", "a.pdf", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Page)

	_, err = NewChunk("", "a.pdf", 1, 1)
	assert.Error(t, err)

	_, err = NewChunk(strings.Repeat("x", MaxChunkLen+1), "a.pdf", 1, 1)
	assert.Error(t, err)

	// 1000 multi-byte runes are still within bounds
	_, err = NewChunk(strings.Repeat("é", MaxChunkLen), "a.pdf", 1, 1)
	assert.NoError(t, err)
}

func TestChunkExcerpt(t *testing.T) {
	short := Chunk{Text: "  short text  "}
	assert.Equal(t, "short text", short.Excerpt())

	long := Chunk{Text: strings.Repeat("a", 500)}
	ex := long.Excerpt()
	assert.True(t, strings.HasSuffix(ex, "..."))
	assert.Len(t, ex, SourceExcerptLen+3)
}
