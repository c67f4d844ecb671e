package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeTextPreserveNewlines(t *testing.T) {
	raw := "\uFEFF  Title\u00A0\x00\t\nLine\u200B one\u0007\r\n\r\n\r\n\r\nSecond\u2060 line\u00AD"
	got := normalizeTextPreserveNewlines(raw)
	want := "Title\nLine one\n\nSecond line"
	if got != want {
		t.Fatalf("normalizeTextPreserveNewlines() = %q, want %q", got, want)
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtractText(t *testing.T) {
	doc, err := New().Extract("text/plain; charset=utf-8", "book.txt", []byte("\xef\xbb\xbfChapter 1\nIt was a dark night."))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Format != FormatText || doc.Text != "Chapter 1\nIt was a dark night." || doc.WordCount != 7 {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestExtractDOCX(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Chapter One</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">Hello </w:t></w:r><w:r><w:t>world.</w:t></w:r></w:p>
</w:body></w:document>`
	data := buildZip(t, map[string]string{docxBody: body})
	doc, err := New().Extract(ContentTypeDOCX, "book.docx", data)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.Text != "Chapter One\nHello world." {
		t.Fatalf("unexpected text %q", doc.Text)
	}
}

func TestExtractEPUBFollowsSpine(t *testing.T) {
	files := map[string]string{
		"META-INF/container.xml": `<container><rootfiles><rootfile full-path="OEBPS/content.opf"/></rootfiles></container>`,
		"OEBPS/content.opf": `<package><manifest>
<item id="a" href="text/a.xhtml"/><item id="b" href="text/b.xhtml"/>
</manifest><spine><itemref idref="b"/><itemref idref="a"/></spine></package>`,
		"OEBPS/text/a.xhtml": `<html><head><title>skip</title></head><body><h1>Chapter 2</h1><p>Second part.</p></body></html>`,
		"OEBPS/text/b.xhtml": `<html><body><h1>Chapter 1</h1><p>First part.</p><script>x()</script></body></html>`,
	}
	doc, err := New().Extract(ContentTypeEPUB, "book.epub", buildZip(t, files))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	first := strings.Index(doc.Text, "Chapter 1")
	second := strings.Index(doc.Text, "Chapter 2")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("expected spine order b then a, got %q", doc.Text)
	}
	if strings.Contains(doc.Text, "skip") || strings.Contains(doc.Text, "x()") {
		t.Fatalf("head and script content must be dropped: %q", doc.Text)
	}
	if s := AnalyzeStructure(doc.Text); len(s.Chapters) != 2 {
		t.Fatalf("expected headings on their own lines, got %+v", s)
	}
}

func TestExtractPDFDisabledByDefault(t *testing.T) {
	_, err := New().Extract(ContentTypePDF, "book.pdf", []byte("%PDF-1.4"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if !strings.Contains(err.Error(), "convert") {
		t.Fatalf("expected an instructive message, got %q", err.Error())
	}
}

func TestExtractRejectsUnknownAndEmpty(t *testing.T) {
	if _, err := New().Extract("image/png", "cover.png", []byte{1, 2}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := New().Extract(ContentTypeText, "empty.txt", []byte("  \n\t ")); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
}

func TestAnalyzeStructure(t *testing.T) {
	text := "Foreword words here.\nChapter 1: Arrival\none two three four\nCHAPTER IV\nfive six\nchapterless line\n"
	s := AnalyzeStructure(text)
	if len(s.Chapters) != 2 {
		t.Fatalf("expected two chapters, got %+v", s.Chapters)
	}
	if s.Chapters[0].Number != "1" || s.Chapters[0].Title != "Chapter 1: Arrival" || s.Chapters[0].WordCount != 4 {
		t.Fatalf("unexpected first chapter %+v", s.Chapters[0])
	}
	if s.Chapters[1].Number != "IV" || s.Chapters[1].WordCount != 4 {
		t.Fatalf("unexpected second chapter %+v", s.Chapters[1])
	}
	if s.TotalWords != CountWords(text) || s.AverageChapterWords != 4 {
		t.Fatalf("unexpected totals %+v", s)
	}
	if s.Chapters[0].Excerpt != "one two three four" {
		t.Fatalf("unexpected excerpt %q", s.Chapters[0].Excerpt)
	}
}

func TestAnalyzeStructureWithoutHeadings(t *testing.T) {
	s := AnalyzeStructure("just some prose")
	if len(s.Chapters) != 0 || s.AverageChapterWords != 3 {
		t.Fatalf("unexpected structure %+v", s)
	}
	long := "Chapter 1\n" + strings.Repeat("a", 800)
	if got := AnalyzeStructure(long).Chapters[0].Excerpt; len(got) != excerptLen {
		t.Fatalf("excerpt must be capped at %d, got %d", excerptLen, len(got))
	}
}
