package parser

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"smartdocs/internal/config"
	"smartdocs/internal/models"
)

// rawPage is extractor output before validation; empty pages are still present.
type rawPage struct {
	Number int
	Text   string
}

type extractor func(filePath string) ([]rawPage, error)

var extractors = map[string]extractor{
	".pdf":  parsePDF,
	".docx": parseDOCX,
	".xlsx": parseXLSX,
	".txt":  parseText,
	".md":   parseText,
}

// Loader reads the recognized files of a staging directory into pages.
type Loader struct {
	extractors  map[string]extractor
	failOnError bool
}

type SkippedFile struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type LoadReport struct {
	Loaded  []string      `json:"loaded"`
	Skipped []SkippedFile `json:"skipped,omitempty"`
	Ignored []string      `json:"ignored,omitempty"`
	Pages   int           `json:"pages"`
}

func NewLoader(cfg config.LoaderConfig) *Loader {
	l := &Loader{
		extractors:  map[string]extractor{},
		failOnError: cfg.FailOnError,
	}
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(ext)
		fn, ok := extractors[ext]
		if !ok {
			log.Warn().Str("extension", ext).Msg("No extractor for configured extension, ignoring")
			continue
		}
		l.extractors[ext] = fn
	}
	return l
}

// Supports reports whether name has a recognized document extension.
func (l *Loader) Supports(name string) bool {
	_, ok := l.extractors[strings.ToLower(filepath.Ext(name))]
	return ok
}

// LoadDir extracts every recognized file in dir, in directory order and then
// page order. Pages without text are dropped. A file that cannot be read is
// skipped and reported unless the loader was configured to fail on error.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]models.DocumentPage, LoadReport, error) {
	var report LoadReport

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, report, fmt.Errorf("failed to read staging dir: %w", err)
	}

	var pages []models.DocumentPage
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !l.Supports(name) {
			report.Ignored = append(report.Ignored, name)
			continue
		}

		filePages, err := l.LoadFile(filepath.Join(dir, name))
		if err != nil {
			if l.failOnError {
				return nil, report, fmt.Errorf("failed to load %s: %w", name, err)
			}
			log.Warn().Err(err).Str("file", name).Msg("Skipping unreadable document")
			report.Skipped = append(report.Skipped, SkippedFile{Name: name, Reason: err.Error()})
			continue
		}

		log.Info().Str("file", name).Int("pages", len(filePages)).Msg("Loaded")
		report.Loaded = append(report.Loaded, name)
		pages = append(pages, filePages...)
	}

	report.Pages = len(pages)
	log.Info().Int("pages", report.Pages).Msg("Total pages loaded")
	return pages, report, nil
}

// LoadFile extracts the non-empty pages of one file.
func (l *Loader) LoadFile(filePath string) (pages []models.DocumentPage, err error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	fn, ok := l.extractors[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFile, ext)
	}

	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("corrupt document: %v", r)
		}
	}()

	raw, err := fn(filePath)
	if err != nil {
		return nil, err
	}

	source := filepath.Base(filePath)
	for _, rp := range raw {
		if strings.TrimSpace(rp.Text) == "" {
			continue
		}
		page, err := models.NewDocumentPage(source, rp.Number, rp.Text)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func parsePDF(filePath string) ([]rawPage, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Get file size for reader initialization
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	var pages []rawPage
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, rawPage{Number: i, Text: pageText})
	}
	return pages, nil
}

func parseDOCX(filePath string) ([]rawPage, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	text, err := extractTextFromWordXML(r.Editable().GetContent())
	if err != nil {
		return nil, err
	}
	// DOCX has no page numbers
	return []rawPage{{Number: 1, Text: text}}, nil
}

func parseXLSX(filePath string) ([]rawPage, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []rawPage
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		var text strings.Builder
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			text.WriteString(line)
			text.WriteString("\n")
		}
		if text.Len() == 0 {
			continue
		}
		// one page per sheet, 1-based
		pages = append(pages, rawPage{Number: sheetNum + 1, Text: fmt.Sprintf("## Sheet: %s\n%s", sheetName, text.String())})
	}
	return pages, nil
}

func parseText(filePath string) ([]rawPage, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []rawPage{{Number: 1, Text: string(data)}}, nil
}

// extractTextFromWordXML keeps the text runs of a document.xml body, one
// line per paragraph.
func extractTextFromWordXML(content string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var (
		text   strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				text.WriteString("\t")
			case "br":
				text.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				text.Write(t)
			}
		}
	}
	return strings.TrimSpace(text.String()), nil
}
