// Package extract turns uploaded manuscript bytes into plain text and
// derives a chapter outline from it.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

type Format string

const (
	FormatText Format = "txt"
	FormatDOCX Format = "docx"
	FormatEPUB Format = "epub"
	FormatPDF  Format = "pdf"
)

const (
	ContentTypeText = "text/plain"
	ContentTypePDF  = "application/pdf"
	ContentTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	ContentTypeEPUB = "application/epub+zip"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyDocument     = errors.New("no text could be extracted from the document")
	// ErrPDFDisabled guides users to a format the pipeline reads.
	ErrPDFDisabled = fmt.Errorf("%w: PDF text extraction is not available; please convert the manuscript to DOCX, EPUB or plain text and upload it again", ErrUnsupportedFormat)
)

// FormatForContentType maps an accepted upload content type to its format.
func FormatForContentType(contentType string) (Format, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch ct {
	case ContentTypeText:
		return FormatText, true
	case ContentTypePDF:
		return FormatPDF, true
	case ContentTypeDOCX:
		return FormatDOCX, true
	case ContentTypeEPUB:
		return FormatEPUB, true
	}
	return "", false
}

// DetectFormat prefers the content type and falls back to the extension.
func DetectFormat(contentType, filename string) (Format, error) {
	if f, ok := FormatForContentType(contentType); ok {
		return f, nil
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text", ".md":
		return FormatText, nil
	case ".docx":
		return FormatDOCX, nil
	case ".epub":
		return FormatEPUB, nil
	case ".pdf":
		return FormatPDF, nil
	}
	return "", ErrUnsupportedFormat
}

type Document struct {
	Text      string
	Format    Format
	WordCount int
}

type Extractor struct {
	pdf bool
}

type Option func(*Extractor)

// WithPDF enables the PDF text layer reader.
func WithPDF(enabled bool) Option {
	return func(e *Extractor) { e.pdf = enabled }
}

func New(opts ...Option) *Extractor {
	e := &Extractor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract decodes data according to its detected format.
func (e *Extractor) Extract(contentType, filename string, data []byte) (Document, error) {
	format, err := DetectFormat(contentType, filename)
	if err != nil {
		return Document{}, err
	}
	var text string
	switch format {
	case FormatText:
		text = decodeText(data)
	case FormatDOCX:
		text, err = extractDOCX(data)
	case FormatEPUB:
		text, err = extractEPUB(data)
	case FormatPDF:
		if !e.pdf {
			return Document{}, ErrPDFDisabled
		}
		text, err = extractPDF(data)
	}
	if err != nil {
		return Document{}, fmt.Errorf("extract %s: %w", format, err)
	}
	text = normalizeTextPreserveNewlines(text)
	if text == "" {
		return Document{}, ErrEmptyDocument
	}
	return Document{Text: text, Format: format, WordCount: CountWords(text)}, nil
}

// decodeText reads UTF-8, dropping a BOM and invalid sequences.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "")
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var buf strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely.
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}
	return buf.String(), nil
}

// CountWords counts whitespace-separated tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// normalizeTextPreserveNewlines strips invisible and control characters,
// collapses horizontal whitespace and keeps at most one blank line between
// paragraphs.
func normalizeTextPreserveNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ToValidUTF8(text, "")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = cleanLine(line)
		if line == "" {
			blank++
			if blank > 1 || len(out) == 0 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func cleanLine(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	for _, r := range line {
		switch {
		case r == '\uFEFF' || r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\u2060' || r == '\u00AD':
			continue
		case r == '\t' || r == ' ' || unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
