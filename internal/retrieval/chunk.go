package retrieval

import (
	"strings"
	"unicode"
)

// DefaultChunkSize matches the 1000 character chunks of the hosted collections.
const DefaultChunkSize = 1000

// SplitText cuts text into pieces of at most size runes, preferring to break
// at paragraph or sentence ends and then at whitespace. Empty pieces are
// dropped.
func SplitText(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks []string
	runes := []rune(strings.TrimSpace(text))
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = appendChunk(chunks, string(runes))
			break
		}
		cut := breakPoint(runes[:size])
		chunks = appendChunk(chunks, string(runes[:cut]))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	return chunks
}

func appendChunk(chunks []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// breakPoint picks where to cut window. It never returns less than half the
// window so chunks stay reasonably full.
func breakPoint(window []rune) int {
	half := len(window) / 2
	s := string(window)
	if i := strings.LastIndex(s, "\n\n"); i >= 0 && len([]rune(s[:i])) >= half {
		return len([]rune(s[:i]))
	}
	for i := len(window) - 1; i >= half; i-- {
		if (window[i] == '.' || window[i] == '!' || window[i] == '?') && i+1 < len(window) && unicode.IsSpace(window[i+1]) {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= half; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return len(window)
}
