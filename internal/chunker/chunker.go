// Package chunker splits page text into overlapping chunks that prefer
// paragraph, line, sentence and word boundaries, in that order.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"smartdocs/internal/models"
)

type Chunker struct {
	size    int
	overlap int
}

// New returns a chunker producing chunks of at most size characters where
// consecutive chunks of a page share at least overlap characters.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 || size > models.MaxChunkLen {
		return nil, fmt.Errorf("chunk size must be in [1, %d], got %d", models.MaxChunkLen, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split chunks every page in order. Chunk ids restart at 1 for each page.
func (c *Chunker) Split(pages []models.DocumentPage) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for _, page := range pages {
		for i, text := range c.SplitText(page.Text) {
			chunk, err := models.NewChunk(text, page.Source, page.Page, i+1)
			if err != nil {
				return nil, fmt.Errorf("%s page %d: %w", page.Source, page.Page, err)
			}
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

// SplitText returns the chunk texts of one page.
func (c *Chunker) SplitText(content string) []string {
	runes := []rune(strings.TrimSpace(content))
	n := len(runes)
	if n == 0 {
		return nil
	}
	if n <= c.size {
		return []string{string(runes)}
	}

	var chunks []string
	start, prevEnd := 0, 0
	for {
		if n-start <= c.size {
			chunks = append(chunks, string(runes[start:]))
			return chunks
		}

		limit := start + c.size
		floor := start + max(c.size/2, c.overlap+1)
		end := trimRight(runes, start, cutPoint(runes, floor, limit))
		if end <= start+c.overlap || end <= prevEnd {
			end = limit
		}
		chunks = append(chunks, string(runes[start:end]))

		start, prevEnd = c.nextStart(runes, start, end), end
	}
}

// nextStart picks where the next chunk begins so that it repeats at least
// overlap characters of the chunk ending at end, starting on a word if one is
// close enough.
func (c *Chunker) nextStart(runes []rune, start, end int) int {
	if c.overlap == 0 {
		for end < len(runes) && unicode.IsSpace(runes[end]) {
			end++
		}
		return end
	}
	hard := end - c.overlap
	lower := max(start, hard-c.overlap/2, end-c.size-1)
	for i := hard; i > lower; i-- {
		if !unicode.IsSpace(runes[i]) && unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return hard
}

// cutPoint returns the exclusive end of a chunk within [floor, limit].
func cutPoint(runes []rune, floor, limit int) int {
	for _, sep := range []string{"\n\n", "\n"} {
		if i := lastIndex(runes, []rune(sep), floor, limit); i >= 0 {
			return i
		}
	}
	for i := limit - 1; i >= floor-1; i-- {
		switch runes[i] {
		case '.', '!', '?':
			if unicode.IsSpace(runes[i+1]) {
				return i + 1
			}
		}
	}
	for i := limit; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return limit
}

func lastIndex(runes, sep []rune, floor, limit int) int {
	for i := limit; i >= floor; i-- {
		if i+len(sep) > len(runes) {
			continue
		}
		match := true
		for j, r := range sep {
			if runes[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func trimRight(runes []rune, start, end int) int {
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return end
}
