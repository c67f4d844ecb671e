package app

import (
	"errors"
	"testing"
	"time"

	"manuscripthub/internal/apperr"
	"manuscripthub/pkg/extract"
)

func TestBlobKeySanitizesFilename(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.FixedZone("x", 3600))
	got := BlobKey("u1", "m1", at, "My Book (final).txt")
	if got != "u1/m1/2026-03-10T11:00:00Z_My_Book__final_.txt" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := BlobKey("u1", "m1", at, "漢字"); got != "u1/m1/2026-03-10T11:00:00Z___" {
		t.Fatalf("non-ascii runes should each become one underscore, got %q", got)
	}
	if got := BlobKey("u1", "m1", at, ""); got != "u1/m1/2026-03-10T11:00:00Z_manuscript" {
		t.Fatalf("empty name fallback, got %q", got)
	}
}

func TestValidReportID(t *testing.T) {
	cases := map[string]bool{
		"abcd1234":  true,
		"ABCD1234":  false,
		"abcd123":   false,
		"abcd12345": false,
		"abcd-234":  false,
		"":          false,
	}
	for id, want := range cases {
		if got := ValidReportID(id); got != want {
			t.Fatalf("ValidReportID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestUploadContentType(t *testing.T) {
	cases := []struct {
		declared, filename, want string
	}{
		{"text/plain; charset=utf-8", "book.txt", extract.ContentTypeText},
		{"", "book.docx", extract.ContentTypeDOCX},
		{"application/octet-stream", "book.epub", extract.ContentTypeEPUB},
		{"application/pdf", "book.pdf", extract.ContentTypePDF},
	}
	for _, tc := range cases {
		got, err := uploadContentType(tc.declared, tc.filename)
		if err != nil || got != tc.want {
			t.Fatalf("uploadContentType(%q, %q) = %q, %v; want %q", tc.declared, tc.filename, got, err, tc.want)
		}
	}
	for _, bad := range [][2]string{{"image/png", "cover.png"}, {"", "cover.png"}} {
		_, err := uploadContentType(bad[0], bad[1])
		var e *apperr.Error
		if !errors.As(err, &e) || e.Kind != apperr.KindUnsupportedFormat {
			t.Fatalf("expected unsupported format for %v, got %v", bad, err)
		}
	}
}

func TestHumanize(t *testing.T) {
	cases := map[string]string{
		"book_description": "Book description",
		"coverBrief":       "Cover Brief",
		"tone-notes":       "Tone notes",
		"x":                "X",
	}
	for in, want := range cases {
		if got := humanize(in); got != want {
			t.Fatalf("humanize(%q) = %q, want %q", in, got, want)
		}
	}
}
