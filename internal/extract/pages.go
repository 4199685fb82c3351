package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// Result is the output of one extraction.
type Result struct {
	Text      string
	Pages     []string
	PageCount int
	WordCount int
	Strategy  Strategy
}

func newResult(pages []string, s Strategy) Result {
	for i, p := range pages {
		pages[i] = strings.ToValidUTF8(p, "�")
	}
	return Result{
		Text:      FormatPages(pages),
		Pages:     pages,
		PageCount: len(pages),
		WordCount: CountWords(pages),
		Strategy:  s,
	}
}

// FormatPages joins pages into one blob, each page preceded by a
// "--- Page N ---" marker (1-based).
func FormatPages(pages []string) string {
	var sb strings.Builder
	for i, p := range pages {
		fmt.Fprintf(&sb, "--- Page %d ---\n", i+1)
		sb.WriteString(strings.TrimRight(p, "\n"))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

var pageMarkerRe = regexp.MustCompile(`(?m)^--- Page (\d+) ---$`)

// SplitPages recovers the pages of a blob produced by FormatPages. Text
// without markers comes back as a single page.
func SplitPages(text string) []string {
	locs := pageMarkerRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	pages := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pages = append(pages, strings.Trim(text[loc[1]:end], "\n"))
	}
	return pages
}

// CountWords counts whitespace-separated words across pages.
func CountWords(pages []string) int {
	n := 0
	for _, p := range pages {
		n += len(strings.Fields(p))
	}
	return n
}

// splitFormFeeds splits plain text into pages on form feed characters.
func splitFormFeeds(s string) []string {
	parts := strings.Split(s, "\f")
	pages := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" && len(parts) > 1 {
			continue
		}
		pages = append(pages, p)
	}
	return pages
}
