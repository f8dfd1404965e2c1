package qa

import (
	"fmt"
	"sort"
	"strings"
)

// Highlight thresholds: a verbatim overlap must span at least
// minVerbatimChars characters; fuzzy sentence alignment must reach
// minSentenceRatio under the common-subsequence ratio.
const (
	minVerbatimChars = 20
	minSentenceRatio = 0.6
)

// Highlight is one grounded span of the answer. Offsets are rune indexes
// into the answer text.
type Highlight struct {
	SourceIndex int     `json:"source_index"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
}

// BuildHighlights matches each source against the answer and returns the
// non-overlapping matches plus the answer with inline citation markers.
// Overlapping matches collapse to the higher-scoring one.
func BuildHighlights(answer string, sources []Source) ([]Highlight, string) {
	answerRunes := []rune(answer)
	answerSents := sentenceSpans(answerRunes)

	var matches []Highlight
	for i, src := range sources {
		for _, sentence := range splitSentences(src.Content) {
			sent := []rune(sentence)
			if len(sent) < minVerbatimChars {
				continue
			}

			if start, length := longestCommonRun(answerRunes, sent); length >= minVerbatimChars {
				matches = append(matches, Highlight{
					SourceIndex: i,
					Start:       start,
					End:         start + length,
					Text:        string(answerRunes[start : start+length]),
					Score:       1.0,
				})
				continue
			}

			for _, span := range answerSents {
				ratio := subsequenceRatio(sent, answerRunes[span.start:span.end])
				if ratio >= minSentenceRatio {
					matches = append(matches, Highlight{
						SourceIndex: i,
						Start:       span.start,
						End:         span.end,
						Text:        string(answerRunes[span.start:span.end]),
						Score:       ratio,
					})
				}
			}
		}
	}

	kept := collapseOverlaps(matches)
	return kept, renderMarkers(answerRunes, kept)
}

type span struct{ start, end int }

// splitSentences breaks text on sentence punctuation and newlines.
func splitSentences(text string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// sentenceSpans returns rune-index spans of the answer's sentences.
func sentenceSpans(runes []rune) []span {
	var spans []span
	start := 0
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := trimSpan(runes, start, i); s.end > s.start {
				spans = append(spans, s)
			}
			start = i + 1
		}
	}
	if s := trimSpan(runes, start, len(runes)); s.end > s.start {
		spans = append(spans, s)
	}
	return spans
}

func trimSpan(runes []rune, start, end int) span {
	for start < end && isSpace(runes[start]) {
		start++
	}
	for end > start && isSpace(runes[end-1]) {
		end--
	}
	return span{start: start, end: end}
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// longestCommonRun finds the longest contiguous run shared by haystack and
// needle, returning its start offset in haystack and its length.
func longestCommonRun(haystack, needle []rune) (start, length int) {
	if len(haystack) == 0 || len(needle) == 0 {
		return 0, 0
	}
	prev := make([]int, len(needle)+1)
	curr := make([]int, len(needle)+1)
	for i := 1; i <= len(haystack); i++ {
		for j := 1; j <= len(needle); j++ {
			if haystack[i-1] == needle[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > length {
					length = curr[j]
					start = i - curr[j]
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return start, length
}

// subsequenceRatio is 2*LCS/(len(a)+len(b)), the classic sequence-matcher
// similarity.
func subsequenceRatio(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(b)]
	return 2 * float64(lcs) / float64(len(a)+len(b))
}

// collapseOverlaps keeps the higher-scoring match wherever two overlap, then
// orders the survivors by position.
func collapseOverlaps(matches []Highlight) []Highlight {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].End-matches[i].Start != matches[j].End-matches[j].Start {
			return matches[i].End-matches[i].Start > matches[j].End-matches[j].Start
		}
		return matches[i].Start < matches[j].Start
	})
	var kept []Highlight
	for _, m := range matches {
		overlaps := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// renderMarkers wraps each highlight in [cite:N]...[/cite] markers, where N
// is the 1-based source index.
func renderMarkers(answer []rune, highlights []Highlight) string {
	if len(highlights) == 0 {
		return string(answer)
	}
	var b strings.Builder
	pos := 0
	for _, h := range highlights {
		b.WriteString(string(answer[pos:h.Start]))
		fmt.Fprintf(&b, "[cite:%d]", h.SourceIndex+1)
		b.WriteString(string(answer[h.Start:h.End]))
		b.WriteString("[/cite]")
		pos = h.End
	}
	b.WriteString(string(answer[pos:]))
	return b.String()
}
