package chunk

import (
	"strings"
)

// splitSeparators is the cascade tried in order when a piece of text
// exceeds the size budget. The empty separator means split by runes.
var splitSeparators = []string{"\n\n## ", "\n\n# ", "\n\n", "\n", " ", ""}

// recursiveSplit splits text into pieces of at most maxChars runes,
// preferring the earliest separator in the cascade that occurs in the text.
// Consecutive pieces overlap by up to overlap runes.
func recursiveSplit(text string, maxChars, overlap int) []string {
	return splitWith(text, splitSeparators, maxChars, overlap)
}

func splitWith(text string, seps []string, maxChars, overlap int) []string {
	if runeLen(text) <= maxChars {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	if len(seps) == 0 {
		return hardSplit(text, maxChars, overlap)
	}
	sep := seps[0]
	if sep == "" {
		return hardSplit(text, maxChars, overlap)
	}
	if !strings.Contains(text, sep) {
		return splitWith(text, seps[1:], maxChars, overlap)
	}

	// Re-attach the separator to the piece that follows it so headings and
	// line breaks survive the split.
	segs := strings.Split(text, sep)
	pieces := make([]string, 0, len(segs))
	for i, s := range segs {
		if i > 0 {
			s = sep + s
		}
		if s != "" {
			pieces = append(pieces, s)
		}
	}

	var out []string
	var cur strings.Builder
	for _, p := range pieces {
		if runeLen(p) > maxChars {
			if strings.TrimSpace(cur.String()) != "" {
				out = append(out, cur.String())
			}
			cur.Reset()
			out = append(out, splitWith(p, seps[1:], maxChars, overlap)...)
			continue
		}
		if cur.Len() > 0 && runeLen(cur.String())+runeLen(p) > maxChars {
			flushed := cur.String()
			out = append(out, flushed)
			cur.Reset()
			// Seed the next chunk with overlap only when it still fits.
			seed := overlapTail(flushed, overlap)
			if runeLen(seed)+runeLen(p) <= maxChars {
				cur.WriteString(seed)
			}
		}
		cur.WriteString(p)
	}
	if strings.TrimSpace(cur.String()) != "" {
		out = append(out, cur.String())
	}
	return out
}

// hardSplit cuts text into rune windows with overlap. Last resort when no
// separator applies.
func hardSplit(text string, maxChars, overlap int) []string {
	runes := []rune(text)
	step := maxChars - overlap
	if step <= 0 {
		step = maxChars
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// overlapTail returns the last n runes of s.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
