package extract

import (
	"regexp"
	"strings"
)

const excerptLen = 500

var chapterHeading = regexp.MustCompile(`(?mi)^[ \t]*chapter\s+(\d+|[ivxlcdm]+)\b.*$`)

type Chapter struct {
	Number    string `json:"number"`
	Title     string `json:"title"`
	WordCount int    `json:"wordCount"`
	Excerpt   string `json:"excerpt"`
}

// Structure is the outline handed to the analysis agents.
type Structure struct {
	Chapters            []Chapter `json:"chapters"`
	TotalWords          int       `json:"totalWords"`
	AverageChapterWords int       `json:"averageChapterWords"`
}

// AnalyzeStructure splits text on "Chapter N" / "Chapter IV" headings. Text
// before the first heading is not counted as a chapter. Without headings
// the average equals the total.
func AnalyzeStructure(text string) Structure {
	s := Structure{TotalWords: CountWords(text), Chapters: []Chapter{}}
	matches := chapterHeading.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])
		s.Chapters = append(s.Chapters, Chapter{
			Number:    strings.ToUpper(text[m[2]:m[3]]),
			Title:     strings.TrimSpace(text[m[0]:m[1]]),
			WordCount: CountWords(body),
			Excerpt:   excerpt(body, excerptLen),
		})
	}
	if n := len(s.Chapters); n > 0 {
		total := 0
		for _, c := range s.Chapters {
			total += c.WordCount
		}
		s.AverageChapterWords = total / n
	} else {
		s.AverageChapterWords = s.TotalWords
	}
	return s
}

func excerpt(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
