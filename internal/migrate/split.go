package migrate

import (
	"regexp"
	"strings"
)

var dollarTag = regexp.MustCompile(`^\$([A-Za-z_][A-Za-z0-9_]*)?\$`)

// SplitStatements breaks a script on top-level semicolons. Quoted strings,
// identifiers, comments and dollar-quoted bodies ($$...$$, $tag$...$tag$)
// are never split. Comment-only lines are dropped.
func SplitStatements(script string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		stmt := strings.TrimSpace(stripCommentLines(cur.String()))
		if stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(script); {
		c := script[i]
		switch {
		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				end = len(script) - i
			}
			cur.WriteString(script[i : i+end])
			i += end
		case c == '/' && i+1 < len(script) && script[i+1] == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				cur.WriteString(script[i:])
				i = len(script)
				continue
			}
			i += end + 4
			cur.WriteByte(' ')
		case c == '\'' || c == '"':
			end := closingQuote(script, i+1, c)
			cur.WriteString(script[i:end])
			i = end
		case c == '$':
			tag := dollarTag.FindString(script[i:])
			if tag == "" {
				cur.WriteByte(c)
				i++
				continue
			}
			body := strings.Index(script[i+len(tag):], tag)
			end := len(script)
			if body >= 0 {
				end = i + len(tag) + body + len(tag)
			}
			cur.WriteString(script[i:end])
			i = end
		case c == ';':
			flush()
			i++
		default:
			cur.WriteByte(c)
			i++
		}
	}
	flush()
	return out
}

// closingQuote returns the index just past the quote that closes the
// literal opened before start. Doubled quotes are escapes.
func closingQuote(s string, start int, q byte) int {
	for i := start; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

func stripCommentLines(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
