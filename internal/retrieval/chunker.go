package retrieval

import (
	"strings"
	"unicode/utf8"
)

// Chunk sizes in bytes.
const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 200
)

// Chunk splits text into windows of at most size bytes that overlap by
// overlap bytes. Cuts prefer a paragraph break, then a line break, then a
// space in the back half of the window, and never split a rune.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = appendChunk(chunks, text[start:])
			break
		}
		end = cutPoint(text, start, end)
		chunks = appendChunk(chunks, text[start:end])

		next := end - overlap
		if next <= start {
			next = end
		}
		for next < len(text) && !utf8.RuneStart(text[next]) {
			next++
		}
		start = next
	}
	return chunks
}

func cutPoint(text string, start, end int) int {
	for end > start && !utf8.RuneStart(text[end]) {
		end--
	}
	window := text[start:end]
	half := len(window) / 2
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i >= half {
			return start + i + len(sep)
		}
	}
	return end
}

func appendChunk(chunks []string, c string) []string {
	if c = strings.TrimSpace(c); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}
