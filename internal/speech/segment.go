package speech

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Boundary is a half-open byte range [Start, End) of the text.
type Boundary struct {
	Start int `json:"startIndex"`
	End   int `json:"endIndex"`
}

// Segment splits text into sentences. The boundaries are contiguous: the
// first starts at 0, each starts where the previous ended and the last ends
// at len(text). Whitespace after a terminator belongs to the sentence it
// follows. Empty text has no boundaries.
func Segment(text string) []Boundary {
	var out []Boundary
	start := 0
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isTerminator(r) && r != '\n' {
			continue
		}
		// Absorb closing punctuation and repeated terminators ("?!", ".\"").
		for i < len(text) {
			next, n := utf8.DecodeRuneInString(text[i:])
			if !isTerminator(next) && !isCloser(next) {
				break
			}
			i += n
		}
		if r != '\n' && i < len(text) {
			next, _ := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(next) {
				continue // "3.14", "e.g.x"
			}
		}
		end := skipSpace(text, i)
		if strings.TrimSpace(text[start:end]) == "" {
			// Leading blank lines fold into the next sentence.
			i = end
			continue
		}
		out = append(out, Boundary{Start: start, End: end})
		start = end
		i = end
	}
	if start < len(text) {
		if len(out) > 0 && strings.TrimSpace(text[start:]) == "" {
			out[len(out)-1].End = len(text)
		} else {
			out = append(out, Boundary{Start: start, End: len(text)})
		}
	}
	return out
}

// EndsParagraph reports whether the sentence b is followed by a blank line.
func EndsParagraph(text string, b Boundary) bool {
	sentence := text[b.Start:b.End]
	trailing := sentence[len(strings.TrimRightFunc(sentence, unicode.IsSpace)):]
	return strings.Count(trailing, "\n") >= 2
}

// StartIndices lists the start offset of every boundary.
func StartIndices(bounds []Boundary) []int {
	out := make([]int, len(bounds))
	for i, b := range bounds {
		out[i] = b.Start
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？', '।':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»':
		return true
	}
	return false
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, n := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += n
	}
	return i
}
