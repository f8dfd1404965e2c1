package chunk

import (
	"path/filepath"
	"regexp"
	"strings"
)

// CodeChunker splits source code into function and class sized chunks
// using per-language boundary patterns.
type CodeChunker struct {
	opts Options
}

// NewCodeChunker creates a code chunker.
func NewCodeChunker(opts Options) *CodeChunker {
	return &CodeChunker{opts: opts.withDefaults()}
}

// languageSpec holds the boundary patterns for one language. unitStart
// must capture the symbol name in group "name"; classDef identifies class
// definitions used for enclosing-class inference.
type languageSpec struct {
	unitStart *regexp.Regexp
	classDef  *regexp.Regexp
}

var languageSpecs = map[string]languageSpec{
	"python": {
		unitStart: regexp.MustCompile(`(?m)^([ \t]*)(?:async[ \t]+def|def|class)[ \t]+([A-Za-z_]\w*)`),
		classDef:  regexp.MustCompile(`(?m)^([ \t]*)class[ \t]+([A-Za-z_]\w*)`),
	},
	"go": {
		unitStart: regexp.MustCompile(`(?m)^()(?:func[ \t]+(?:\([^)]*\)[ \t]*)?|type[ \t]+)([A-Za-z_]\w*)`),
		classDef:  regexp.MustCompile(`(?m)^()type[ \t]+([A-Za-z_]\w*)[ \t]+struct`),
	},
	"javascript": {
		unitStart: regexp.MustCompile(`(?m)^([ \t]*)(?:export[ \t]+)?(?:default[ \t]+)?(?:async[ \t]+)?(?:function\*?[ \t]+|class[ \t]+|(?:const|let|var)[ \t]+)([A-Za-z_$][\w$]*)`),
		classDef:  regexp.MustCompile(`(?m)^([ \t]*)(?:export[ \t]+)?(?:default[ \t]+)?class[ \t]+([A-Za-z_$][\w$]*)`),
	},
	"java": {
		unitStart: regexp.MustCompile(`(?m)^([ \t]*)(?:public|private|protected)[ \t]+(?:static[ \t]+)?(?:final[ \t]+)?(?:[\w<>\[\],\s]+[ \t]+)?(\w+)[ \t]*\(`),
		classDef:  regexp.MustCompile(`(?m)^([ \t]*)(?:public[ \t]+)?(?:abstract[ \t]+|final[ \t]+)?class[ \t]+(\w+)`),
	},
}

// extensionLanguages maps file extensions to language names.
var extensionLanguages = map[string]string{
	".py":  "python",
	".go":  "go",
	".js":  "javascript",
	".jsx": "javascript",
	".mjs": "javascript",
	".ts":  "javascript",
	".tsx": "javascript",
	".java": "java",
}

// DetectLanguage maps a file path to a supported language name, or "".
func DetectLanguage(path string) string {
	return extensionLanguages[strings.ToLower(filepath.Ext(path))]
}

// codeUnit is one function or class region of the file.
type codeUnit struct {
	symbol       string
	classContext string
	body         string
}

// Chunk splits code into per-unit chunks. Languages without a boundary
// pattern fall through to the plain recursive splitter.
func (c *CodeChunker) Chunk(filePath, language, content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	fileName := filepath.Base(filePath)
	fileDoc := ""
	if language == "python" {
		fileDoc = moduleDocstring(content)
	}

	spec, ok := languageSpecs[language]
	var units []codeUnit
	if ok {
		units = splitUnits(content, spec)
	}
	if len(units) == 0 {
		units = []codeUnit{{body: content}}
	}

	var chunks []Chunk
	for _, unit := range units {
		body := strings.TrimRight(unit.body, "\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		doc := ""
		if language == "python" && unit.symbol != "" {
			doc = trailingDocstring(body)
		}
		context := symbolContext(fileName, unit.classContext, unit.symbol)
		for _, piece := range recursiveSplit(body, c.opts.MaxChunkChars, c.opts.OverlapChars) {
			raw := strings.TrimRight(piece, "\n")
			if strings.TrimSpace(raw) == "" {
				continue
			}
			enhanced := raw
			if c.opts.PrependBreadcrumb {
				enhanced = context + "\n\n" + raw
			}
			ordinal := len(chunks)
			chunks = append(chunks, Chunk{
				ID:            ChunkID(filePath, ordinal),
				FilePath:      filePath,
				Ordinal:       ordinal,
				Kind:          KindCode,
				Content:       enhanced,
				RawContent:    raw,
				Language:      language,
				Symbol:        unit.symbol,
				ClassContext:  unit.classContext,
				Docstring:     doc,
				ContextPrefix: context,
				Title:         fileName,
			})
		}
	}
	if fileDoc != "" {
		for i := range chunks {
			chunks[i].Docstring = firstNonEmpty(chunks[i].Docstring, fileDoc)
		}
	}
	return chunks
}

// splitUnits cuts the file at unit boundaries. Text before the first
// boundary becomes an unnamed preamble unit.
func splitUnits(content string, spec languageSpec) []codeUnit {
	matches := spec.unitStart.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	type boundary struct {
		start  int
		indent int
		symbol string
		class  bool
	}
	bounds := make([]boundary, 0, len(matches))
	for _, m := range matches {
		b := boundary{
			start:  m[0],
			indent: m[3] - m[2],
			symbol: content[m[4]:m[5]],
		}
		b.class = spec.classDef.MatchString(content[m[0]:lineEnd(content, m[0])])
		bounds = append(bounds, b)
	}

	var units []codeUnit
	if bounds[0].start > 0 {
		pre := content[:bounds[0].start]
		if strings.TrimSpace(pre) != "" {
			units = append(units, codeUnit{body: pre})
		}
	}

	lastClass := ""
	lastClassIndent := -1
	for i, b := range bounds {
		end := len(content)
		if i+1 < len(bounds) {
			end = bounds[i+1].start
		}
		if b.class {
			lastClass = b.symbol
			lastClassIndent = b.indent
		}
		enclosing := ""
		if !b.class && lastClass != "" && b.indent > lastClassIndent {
			enclosing = lastClass
		}
		if !b.class && b.indent <= lastClassIndent {
			// Left the class body.
			lastClass = ""
			lastClassIndent = -1
		}
		units = append(units, codeUnit{
			symbol:       b.symbol,
			classContext: enclosing,
			body:         content[b.start:end],
		})
	}
	return units
}

// symbolContext builds the context line prepended to enhanced content,
// e.g. "service.py > TaskQueue > submit".
func symbolContext(fileName, class, symbol string) string {
	parts := []string{fileName}
	if class != "" {
		parts = append(parts, class)
	}
	if symbol != "" {
		parts = append(parts, symbol)
	}
	return strings.Join(parts, " > ")
}

// moduleDocstring extracts a triple-quoted string at the top of a Python
// file. The closing delimiter must use the same quote style as the opener.
func moduleDocstring(content string) string {
	rest := strings.TrimLeft(content, " \t\r\n")
	for strings.HasPrefix(rest, "#") {
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return ""
		}
		rest = strings.TrimLeft(rest[nl+1:], " \t\r\n")
	}
	return tripleQuoted(rest)
}

// trailingDocstring extracts the docstring that follows a def or class
// signature inside a unit body.
func trailingDocstring(body string) string {
	idx := strings.Index(body, ":\n")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(body[idx+2:], " \t\r\n")
	return tripleQuoted(rest)
}

// tripleQuoted returns the contents of a leading triple-quoted string.
// The quote style is fixed at the opening delimiter, so a string opened
// with """ never closes on '''.
func tripleQuoted(s string) string {
	var quote string
	switch {
	case strings.HasPrefix(s, `"""`):
		quote = `"""`
	case strings.HasPrefix(s, `'''`):
		quote = `'''`
	default:
		return ""
	}
	rest := s[len(quote):]
	end := strings.Index(rest, quote)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// lineEnd returns the index just past the line containing pos.
func lineEnd(content string, pos int) int {
	if nl := strings.IndexByte(content[pos:], '\n'); nl >= 0 {
		return pos + nl
	}
	return len(content)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
