// Package chunking splits content into retrievable units. Every chunker is
// total: non-empty input always yields at least one chunk and never an error.
package chunking

import "strings"

// Kind hints at the content type being chunked.
type Kind string

const (
	KindText     Kind = "text"
	KindCode     Kind = "code"
	KindMarkdown Kind = "markdown"
)

// SourceRef points a chunk back into its source item by byte offsets.
type SourceRef struct {
	ItemID string
	Start  int
	End    int
}

// Chunk is one retrievable unit of a source document. Chunks from a single
// call are contiguous modulo Overlap: concatenating them in Index order,
// after stripping the first Overlap runes of every chunk but the first,
// reconstructs the source exactly.
type Chunk struct {
	Content  string
	Source   SourceRef
	Index    int
	Overlap  int
	Metadata map[string]string
}

// Chunker splits content into chunks.
type Chunker interface {
	Name() string
	Chunk(content string, kind Kind) ([]Chunk, error)
}

// partitionChunks wraps consecutive substrings that exactly partition the
// source into Chunk values with byte offsets.
func partitionChunks(parts []string) []Chunk {
	chunks := make([]Chunk, 0, len(parts))
	offset := 0
	for i, p := range parts {
		chunks = append(chunks, Chunk{
			Content: p,
			Source:  SourceRef{Start: offset, End: offset + len(p)},
			Index:   i,
		})
		offset += len(p)
	}
	return chunks
}

// splitSentences partitions text into sentence-sized substrings, keeping
// delimiters and trailing whitespace attached so the parts concatenate back
// to the input. Double newlines are paragraph boundaries.
func splitSentences(text string) []string {
	var parts []string
	start := 0
	runes := []rune(text)
	bytePos := 0

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		size := len(string(r))
		end := false

		switch r {
		case '.', '!', '?':
			// Sentence ends when followed by whitespace or input end.
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				end = true
			}
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				end = true
			}
		}

		bytePos += size
		if end {
			// Swallow the whitespace run following the boundary.
			for i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t') {
				i++
				bytePos += len(string(runes[i]))
			}
			parts = append(parts, text[start:bytePos])
			start = bytePos
		}
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

// mergeForward folds parts smaller than minSize into their successor so no
// undersized fragment survives, preserving the partition.
func mergeForward(parts []string, minSize int) []string {
	if minSize <= 0 || len(parts) < 2 {
		return parts
	}
	var merged []string
	carry := ""
	for _, p := range parts {
		carry += p
		if len(strings.TrimSpace(carry)) >= minSize {
			merged = append(merged, carry)
			carry = ""
		}
	}
	if carry != "" {
		if len(merged) > 0 {
			merged[len(merged)-1] += carry
		} else {
			merged = append(merged, carry)
		}
	}
	return merged
}
