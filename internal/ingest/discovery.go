package ingest

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/querystack/ragserve/internal/chunk"
)

// FileClass classifies a discovered file.
type FileClass string

const (
	ClassCode     FileClass = "code"
	ClassDocument FileClass = "document"
)

// documentExtensions are indexed as prose.
var documentExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdx":      true,
	".txt":      true,
	".rst":      true,
	".adoc":     true,
}

// DefaultIgnores match everywhere in the tree.
var DefaultIgnores = []string{
	".git", "node_modules", "vendor", "__pycache__", ".venv",
	"dist", "build", ".idea", ".vscode",
}

// discovered is one file found during a walk.
type discovered struct {
	// Path is relative to the walk root, slash-separated.
	Path  string
	Abs   string
	Class FileClass
}

// documentType maps a document path to its payload discriminator.
func documentType(path string) string {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".md", ".markdown", ".mdx":
		return "markdown"
	case ".rst":
		return "restructuredtext"
	case ".adoc":
		return "asciidoc"
	default:
		return "text"
	}
}

// Classify maps a path to its file class, or "" when the file is not
// indexable.
func Classify(path string) FileClass {
	ext := strings.ToLower(filepath.Ext(path))
	if documentExtensions[ext] {
		return ClassDocument
	}
	if chunk.DetectLanguage(path) != "" {
		return ClassCode
	}
	return ""
}

// discover walks root and returns indexable files, honoring include globs
// (matched against the relative path) and ignore patterns (matched against
// each path segment).
func discover(root string, includeGlobs, ignores []string) ([]discovered, error) {
	ignoreSet := make(map[string]bool, len(ignores))
	for _, ig := range ignores {
		ignoreSet[ig] = true
	}

	var files []discovered
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && (ignoreSet[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignoreSet[d.Name()] || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		class := Classify(rel)
		if class == "" {
			return nil
		}
		if len(includeGlobs) > 0 && !matchesAny(includeGlobs, rel) {
			return nil
		}
		files = append(files, discovered{Path: rel, Abs: path, Class: class})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// matchesAny matches rel against globs, trying the full relative path and
// the base name.
func matchesAny(globs []string, rel string) bool {
	base := filepath.Base(rel)
	for _, g := range globs {
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
	}
	return false
}
