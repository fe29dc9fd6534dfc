package chunking

const defaultMinFragment = 64

// Sentence splits content on sentence and paragraph delimiters, merging
// undersized fragments forward so no chunk is smaller than minFragment.
// It never splits inside a detected sentence.
type Sentence struct {
	minFragment int
}

// NewSentence creates a sentence chunker. Non-positive minFragment uses the
// default.
func NewSentence(minFragment int) *Sentence {
	if minFragment <= 0 {
		minFragment = defaultMinFragment
	}
	return &Sentence{minFragment: minFragment}
}

func (s *Sentence) Name() string { return "sentence" }

func (s *Sentence) Chunk(content string, kind Kind) ([]Chunk, error) {
	if content == "" {
		return nil, nil
	}

	parts := mergeForward(splitSentences(content), s.minFragment)
	return partitionChunks(parts), nil
}
