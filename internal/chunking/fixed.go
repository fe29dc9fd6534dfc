package chunking

const (
	defaultFixedSize    = 1200
	defaultFixedOverlap = 100
)

// Fixed splits content into fixed-size rune windows with a declared overlap.
// Deterministic: the same input always yields the same chunks.
type Fixed struct {
	size    int
	overlap int
}

// NewFixed creates a fixed-size chunker. Non-positive size falls back to the
// default; overlap is clamped below size.
func NewFixed(size, overlap int) *Fixed {
	if size <= 0 {
		size = defaultFixedSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Fixed{size: size, overlap: overlap}
}

func (f *Fixed) Name() string { return "fixed" }

func (f *Fixed) Chunk(content string, kind Kind) ([]Chunk, error) {
	if content == "" {
		return nil, nil
	}

	runes := []rune(content)
	// bytePos[i] is the byte offset of rune i; bytePos[len] is len(content).
	bytePos := make([]int, len(runes)+1)
	for i, r := range runes {
		bytePos[i+1] = bytePos[i] + len(string(r))
	}

	step := f.size - f.overlap
	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + f.size
		if end > len(runes) {
			end = len(runes)
		}

		overlap := 0
		if len(chunks) > 0 {
			overlap = f.overlap
		}
		chunks = append(chunks, Chunk{
			Content: string(runes[start:end]),
			Source:  SourceRef{Start: bytePos[start], End: bytePos[end]},
			Index:   len(chunks),
			Overlap: overlap,
		})

		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
