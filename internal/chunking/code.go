package chunking

import "strings"

// declPrefixes mark the start of a top-level syntactic unit across the
// languages the engine commonly ingests.
var declPrefixes = []string{
	"func ", "def ", "class ", "type ", "fn ", "impl ",
	"function ", "public ", "private ", "protected ", "static ",
}

// Code splits source code on function and class boundaries. When no unit
// boundary can be detected the content falls back to fixed-size chunking
// and every chunk is tagged fallback:true; content is never dropped.
type Code struct {
	fallback *Fixed
}

// NewCode creates a code chunker with the given fixed-size fallback
// parameters.
func NewCode(fallbackSize, fallbackOverlap int) *Code {
	return &Code{fallback: NewFixed(fallbackSize, fallbackOverlap)}
}

func (c *Code) Name() string { return "code" }

func (c *Code) Chunk(content string, kind Kind) ([]Chunk, error) {
	if content == "" {
		return nil, nil
	}

	parts := splitDeclarations(content)
	if len(parts) == 0 {
		// Parse failure: no syntactic units found.
		chunks, err := c.fallback.Chunk(content, kind)
		if err != nil {
			return nil, err
		}
		for i := range chunks {
			if chunks[i].Metadata == nil {
				chunks[i].Metadata = make(map[string]string, 1)
			}
			chunks[i].Metadata["fallback"] = "true"
		}
		return chunks, nil
	}
	return partitionChunks(parts), nil
}

// splitDeclarations partitions code into line groups starting at top-level
// declarations. Lines before the first declaration stay attached to it.
// Returns nil when no declaration lines exist.
func splitDeclarations(content string) []string {
	lines := strings.SplitAfter(content, "\n")

	var boundaries []int
	depth := 0
	for i, line := range lines {
		if depth == 0 && isDeclLine(line) {
			boundaries = append(boundaries, i)
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
	}
	if len(boundaries) == 0 || depth != 0 {
		return nil
	}

	var parts []string
	prev := 0
	for _, b := range boundaries[1:] {
		parts = append(parts, strings.Join(lines[prev:b], ""))
		prev = b
	}
	parts = append(parts, strings.Join(lines[prev:], ""))
	return parts
}

func isDeclLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed != line {
		// Indented lines are never top-level declarations.
		return false
	}
	for _, p := range declPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
