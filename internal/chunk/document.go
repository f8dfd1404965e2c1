package chunk

import (
	"path/filepath"
	"regexp"
	"strings"
)

// DocumentChunker splits markdown-style documents on heading boundaries.
type DocumentChunker struct {
	opts Options
}

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)

// NewDocumentChunker creates a document chunker.
func NewDocumentChunker(opts Options) *DocumentChunker {
	return &DocumentChunker{opts: opts.withDefaults()}
}

// headingFrame is one entry of the heading stack.
type headingFrame struct {
	level  int
	title  string
	marked string
}

// docSection is a contiguous run of text under one heading.
type docSection struct {
	heading   string
	level     int
	titles    []string
	hierarchy []string
	body      string
}

// Chunk splits a document into heading-bounded chunks. Oversized sections
// are split further with the separator cascade; every resulting chunk keeps
// the section's heading metadata.
func (c *DocumentChunker) Chunk(filePath, content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	sections := parseSections(content)
	title := documentTitle(filepath.Base(filePath), sections)

	var chunks []Chunk
	for _, sec := range sections {
		body := strings.TrimRight(sec.body, "\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		prefix := contextPrefix(filePath, sec.titles, c.opts.BreadcrumbMaxChars)
		for _, piece := range recursiveSplit(body, c.opts.MaxChunkChars, c.opts.OverlapChars) {
			raw := strings.TrimSpace(piece)
			if raw == "" {
				continue
			}
			enhanced := raw
			if c.opts.PrependBreadcrumb {
				enhanced = prefix + "\n\n" + raw
			}
			ordinal := len(chunks)
			chunks = append(chunks, Chunk{
				ID:            ChunkID(filePath, ordinal),
				FilePath:      filePath,
				Ordinal:       ordinal,
				Kind:          KindDocument,
				Content:       enhanced,
				RawContent:    raw,
				Heading:       sec.heading,
				HeadingLevel:  sec.level,
				Hierarchy:     sec.hierarchy,
				ContextPrefix: prefix,
				Title:         title,
			})
		}
	}
	return chunks
}

// parseSections walks the document maintaining the heading stack: a heading
// of level L pops every frame with level >= L, then pushes itself.
func parseSections(content string) []docSection {
	lines := strings.Split(content, "\n")
	var stack []headingFrame
	var sections []docSection
	var body strings.Builder

	flush := func() {
		if body.Len() == 0 {
			return
		}
		sec := docSection{body: body.String()}
		if len(stack) > 0 {
			top := stack[len(stack)-1]
			sec.heading = top.marked
			sec.level = top.level
			for _, f := range stack {
				sec.titles = append(sec.titles, f.title)
				sec.hierarchy = append(sec.hierarchy, f.marked)
			}
		}
		sections = append(sections, sec)
		body.Reset()
	}

	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingPattern.FindStringSubmatch(line); m != nil {
				flush()
				level := len(m[1])
				for len(stack) > 0 && stack[len(stack)-1].level >= level {
					stack = stack[:len(stack)-1]
				}
				title := strings.TrimSpace(m[2])
				stack = append(stack, headingFrame{
					level:  level,
					title:  title,
					marked: m[1] + " " + title,
				})
				body.WriteString(line)
				body.WriteString("\n")
				continue
			}
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}

// contextPrefix joins the relative file path with the heading titles,
// truncated to maxChars runes, wrapped in brackets: "[docs/a.md > Intro]".
func contextPrefix(filePath string, titles []string, maxChars int) string {
	parts := append([]string{filePath}, titles...)
	crumb := strings.Join(parts, " > ")
	runes := []rune(crumb)
	if len(runes) > maxChars {
		crumb = string(runes[:maxChars])
	}
	return "[" + crumb + "]"
}

// documentTitle is the first level-1 heading, falling back to the file name.
func documentTitle(fileName string, sections []docSection) string {
	for _, sec := range sections {
		if sec.level == 1 && len(sec.titles) > 0 {
			return sec.titles[len(sec.titles)-1]
		}
	}
	return fileName
}
