// Package chunk splits source files into retrieval units. Documents are
// split on heading boundaries with a breadcrumb carrying the heading
// hierarchy; code is split on function and class boundaries detected per
// language. Chunking is deterministic: the same input bytes always produce
// the same chunks with the same IDs.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Kind classifies a chunk's source.
type Kind string

const (
	KindDocument Kind = "document"
	KindCode     Kind = "code"
)

// Default splitting limits, in runes.
const (
	DefaultMaxChunkChars  = 1600
	DefaultOverlapChars   = 150
	DefaultBreadcrumbMax  = 200
)

// Chunk is one retrieval unit.
type Chunk struct {
	// ID is a stable hash of the file path and the chunk ordinal.
	ID string
	// FilePath is the source file, relative to the corpus root.
	FilePath string
	// Ordinal is the dense per-file index, starting at 0.
	Ordinal int
	Kind    Kind
	// Content is the enhanced text that gets embedded and indexed.
	Content string
	// RawContent is the original text without the breadcrumb prefix.
	RawContent string

	// Document fields. Heading keeps its markdown markers, e.g. "## Setup".
	Heading      string
	HeadingLevel int
	// Hierarchy is the full heading stack with markers, outermost first,
	// e.g. ["# Intro", "## Setup"].
	Hierarchy []string
	Title     string

	// ContextPrefix is the breadcrumb line prepended to Content, e.g.
	// "[docs/a.md > Intro]" for documents or "service.py > Queue > submit"
	// for code.
	ContextPrefix string

	// Code fields.
	Language     string
	Symbol       string
	ClassContext string
	Docstring    string
}

// Options configures both chunkers.
type Options struct {
	// MaxChunkChars is the size budget per chunk, in runes.
	MaxChunkChars int
	// OverlapChars is carried between consecutive splits of an oversized
	// section or code unit.
	OverlapChars int
	// PrependBreadcrumb controls whether Content is prefixed with the
	// heading breadcrumb (documents) or the symbol context line (code).
	PrependBreadcrumb bool
	// BreadcrumbMaxChars truncates the breadcrumb, in runes.
	BreadcrumbMaxChars int
}

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = DefaultMaxChunkChars
	}
	if o.OverlapChars < 0 || o.OverlapChars >= o.MaxChunkChars {
		o.OverlapChars = DefaultOverlapChars
	}
	if o.BreadcrumbMaxChars <= 0 {
		o.BreadcrumbMaxChars = DefaultBreadcrumbMax
	}
	return o
}

// ChunkID derives the stable identifier for a chunk from its file path and
// per-file ordinal.
func ChunkID(filePath string, ordinal int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", filePath, ordinal)))
	return hex.EncodeToString(sum[:16])
}
